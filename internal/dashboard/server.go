// Package dashboard provides a real-time WebSocket view of the sync
// engine for supervisors: pending action counts, sync pass results, and
// connectivity transitions.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeStatus carries the full engine status, sent on connect
	// and after every sync pass.
	MessageTypeStatus MessageType = "status"

	// MessageTypeSyncReport carries the result of one completed sync pass.
	MessageTypeSyncReport MessageType = "sync_report"

	// MessageTypeConnectivity indicates an online/offline transition.
	MessageTypeConnectivity MessageType = "connectivity"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData is the engine status snapshot shown on the dashboard.
type StatusData struct {
	Online        int64 `json:"online"` // 1 or 0, stable JSON for dashboards
	PendingCount  int   `json:"pending_count"`
	StuckCount    int   `json:"stuck_count"`
	SnapshotFresh bool  `json:"snapshot_fresh"`
}

// SyncReportData is the outcome of one sync pass.
type SyncReportData struct {
	TotalGroups     int `json:"total_groups"`
	SucceededGroups int `json:"succeeded_groups"`
	FailedGroups    int `json:"failed_groups"`
}

// ConnectivityData is an online/offline transition.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// StatusFunc supplies the current engine status for connect-time messages.
type StatusFunc func(ctx context.Context) (StatusData, error)

// Server manages WebSocket connections and broadcasts engine events.
type Server struct {
	addr     string
	status   StatusFunc
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server on the given port. status supplies
// the snapshot sent to every newly connected client; it may be nil.
func NewServer(port int, status StatusFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", port),
		status:    status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Printf("Dashboard stopped")
	return nil
}

// BroadcastSyncReport publishes a completed sync pass to all clients.
func (s *Server) BroadcastSyncReport(report SyncReportData) {
	s.send(MessageTypeSyncReport, report)
}

// BroadcastConnectivity publishes an online/offline transition.
func (s *Server) BroadcastConnectivity(online bool) {
	s.send(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// BroadcastStatus publishes a full status snapshot.
func (s *Server) BroadcastStatus(status StatusData) {
	s.send(MessageTypeStatus, status)
}

func (s *Server) send(msgType MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msgType, err)
		return
	}
	msg := Message{Type: msgType, Timestamp: time.Now(), Data: data}

	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("Warning: broadcast channel full, dropping %s message", msgType)
	}
}

// broadcastLoop fans queued messages out to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// block new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections and sends the current status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", clientCount)

	if s.status != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		status, err := s.status(ctx)
		cancel()
		if err != nil {
			s.logger.Printf("Failed to collect status for new client: %v", err)
		} else {
			data, _ := json.Marshal(status)
			welcome, _ := json.Marshal(Message{
				Type:      MessageTypeStatus,
				Timestamp: time.Now(),
				Data:      data,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, welcome)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are ignored; the dashboard is broadcast-only.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>FieldSync Dashboard</title>
</head>
<body>
    <h1>FieldSync Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive pending counts and sync reports.</p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
