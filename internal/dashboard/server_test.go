package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", log.LstdFlags)
}

func startServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()

	server := NewServer(0, status, testLogger())
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(0, nil, testLogger())
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestNewClientReceivesStatus(t *testing.T) {
	status := func(ctx context.Context) (StatusData, error) {
		return StatusData{Online: 1, PendingCount: 4, StuckCount: 1, SnapshotFresh: true}, nil
	}
	server := startServer(t, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeStatus {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStatus, msg.Type)
	}

	var received StatusData
	if err := json.Unmarshal(msg.Data, &received); err != nil {
		t.Fatalf("Failed to unmarshal status data: %v", err)
	}
	if received.PendingCount != 4 || received.StuckCount != 1 {
		t.Errorf("Status data mismatch: %+v", received)
	}
}

func TestSyncReportBroadcast(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	server.BroadcastSyncReport(SyncReportData{
		TotalGroups:     3,
		SucceededGroups: 2,
		FailedGroups:    1,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeSyncReport {
		t.Errorf("Expected message type %s, got %s", MessageTypeSyncReport, msg.Type)
	}

	var report SyncReportData
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		t.Fatalf("Failed to unmarshal report data: %v", err)
	}
	if report.TotalGroups != 3 || report.SucceededGroups != 2 || report.FailedGroups != 1 {
		t.Errorf("Report mismatch: %+v", report)
	}
}

func TestConnectivityBroadcastReachesAllClients(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	conns := make([]*websocket.Conn, numClients)
	for i := 0; i < numClients; i++ {
		conns[i] = dial(t, ctx, server)
	}
	if count := server.ClientCount(); count != numClients {
		t.Fatalf("Expected %d clients, got %d", numClients, count)
	}

	server.BroadcastConnectivity(false)

	for i, conn := range conns {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Client %d failed to read broadcast: %v", i, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Client %d failed to unmarshal: %v", i, err)
		}
		if msg.Type != MessageTypeConnectivity {
			t.Errorf("Client %d got message type %s", i, msg.Type)
		}
		var payload ConnectivityData
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Fatalf("Client %d failed to unmarshal data: %v", i, err)
		}
		if payload.Online {
			t.Errorf("Client %d got online=true, want false", i)
		}
	}
}
