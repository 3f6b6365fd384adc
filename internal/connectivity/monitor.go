// Package connectivity provides the boolean online/offline signal the sync
// core consumes. The core never detects the network itself; it observes a
// Monitor and subscribes to its transitions.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Listener is notified on every online/offline transition.
type Listener func(online bool)

// Monitor exposes the current connectivity state and change subscription.
// Subscribe returns a disposer; calling it unregisters the listener.
type Monitor interface {
	Online() bool
	Subscribe(fn Listener) (unsubscribe func())
}

// registry is the owned listener list shared by monitor implementations.
// No ambient globals: each monitor owns exactly one registry.
type registry struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[int]Listener)}
}

// add registers a listener and returns its disposer.
func (r *registry) add(fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// notify calls every registered listener with the new state.
func (r *registry) notify(online bool) {
	r.mu.Lock()
	fns := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	// Listeners run outside the lock so a slow listener can't block
	// registration.
	for _, fn := range fns {
		fn(online)
	}
}

// Probe is a Monitor that derives connectivity from periodic HTTP checks
// against the backend health endpoint.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger

	mu     sync.Mutex
	online bool

	registry *registry
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProbe creates a connectivity probe against url, checking every
// interval. The probe starts offline until the first successful check.
// Call Start to begin probing and Stop to shut down.
func NewProbe(url string, interval time.Duration, logger *log.Logger) *Probe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Probe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		registry: newRegistry(),
		done:     make(chan struct{}),
	}
}

// Online reports the last observed connectivity state.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe registers a transition listener and returns its disposer.
func (p *Probe) Subscribe(fn Listener) func() {
	return p.registry.add(fn)
}

// Start begins probing in the background. It performs one immediate check
// so callers see a settled state right away.
func (p *Probe) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.check(ctx)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.check(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the probe goroutine to exit.
func (p *Probe) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// check performs one health request and fires listeners on transitions.
func (p *Probe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return
	}

	online := false
	resp, err := p.client.Do(req)
	if err == nil {
		resp.Body.Close()
		online = resp.StatusCode < 500
	}

	p.mu.Lock()
	changed := online != p.online
	p.online = online
	p.mu.Unlock()

	if changed {
		p.logger.Printf("Connectivity changed: online=%v", online)
		p.registry.notify(online)
	}
}

// Manual is a Monitor whose state is set explicitly. Used in tests and by
// CLI commands that run a single sync pass without a background probe.
type Manual struct {
	mu       sync.Mutex
	online   bool
	registry *registry
}

// NewManual creates a Manual monitor in the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, registry: newRegistry()}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition listener and returns its disposer.
func (m *Manual) Subscribe(fn Listener) func() {
	return m.registry.add(fn)
}

// SetOnline updates the state, notifying listeners on a transition.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.registry.notify(online)
	}
}
