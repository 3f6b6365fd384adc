// Package syncer drains the action queue against the remote backend.
//
// A single pass runs at a time under a boolean lock; concurrent triggers
// are dropped, not queued, so the same action is never submitted twice in
// parallel. Pending actions are grouped by owning work order and each
// group is executed best-effort: a failing action increments its attempt
// counter and fails the group, but never aborts its siblings. Only a
// fully-synced group has its local ephemeral state cleaned up - that is
// the at-most-once cleanup boundary.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/calfield/fieldsync/internal/blob"
	"github.com/calfield/fieldsync/internal/connectivity"
	"github.com/calfield/fieldsync/internal/queue"
	"github.com/calfield/fieldsync/internal/remote"
	"github.com/calfield/fieldsync/internal/store"
)

// Config holds synchronizer tuning. Zero values pick the defaults.
type Config struct {
	// MaxAttempts is the per-action retry ceiling. Actions at the ceiling
	// stay in the queue and require an explicit reset.
	MaxAttempts int

	// CallTimeout bounds every remote call.
	CallTimeout time.Duration

	// Debounce coalesces flapping connectivity-restore events into one
	// sync trigger.
	Debounce time.Duration

	// PeriodicInterval, if positive, triggers a sync pass on a timer.
	PeriodicInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		CallTimeout: 30 * time.Second,
		Debounce:    3 * time.Second,
	}
}

// Report summarizes one sync pass. A pass that never ran (already running,
// or offline) reports all zeros.
type Report struct {
	TotalGroups     int
	SucceededGroups int
	FailedGroups    int
}

// ReportListener receives the report of every completed pass.
type ReportListener func(Report)

// Syncer owns the sync lock, the trigger plumbing, and the registered
// report listeners. No ambient globals; everything lives on this object.
type Syncer struct {
	queue   *queue.Queue
	blobs   *blob.Store
	state   *store.Adapter
	backend remote.Backend
	monitor connectivity.Monitor
	cfg     Config
	logger  *log.Logger

	mu         sync.Mutex
	running    bool
	passCancel context.CancelFunc

	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]ReportListener

	unsubscribe   func()
	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	tickerStop    chan struct{}
}

// New creates a Syncer. If logger is nil, a default logger writing to
// stderr is used.
func New(q *queue.Queue, blobs *blob.Store, state *store.Adapter, backend remote.Backend, monitor connectivity.Monitor, cfg Config, logger *log.Logger) *Syncer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Syncer{
		queue:     q,
		blobs:     blobs,
		state:     state,
		backend:   backend,
		monitor:   monitor,
		cfg:       cfg,
		logger:    logger,
		listeners: make(map[int]ReportListener),
	}
}

// RegisterReportListener adds a listener for completed passes and returns
// its disposer.
func (s *Syncer) RegisterReportListener(fn ReportListener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// Sync runs one pass. It is a no-op returning a zero report when a pass is
// already running or connectivity is absent.
func (s *Syncer) Sync(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, nil
	}
	if !s.monitor.Online() {
		s.mu.Unlock()
		return Report{}, nil
	}
	passCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.passCancel = cancel
	s.mu.Unlock()

	report, err := s.runPass(passCtx)

	s.mu.Lock()
	s.running = false
	s.passCancel = nil
	s.mu.Unlock()
	cancel()

	s.notify(report)
	return report, err
}

// ForceStop releases the sync lock unconditionally and cancels any
// in-flight pass. Used to recover from a hung pass.
func (s *Syncer) ForceStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passCancel != nil {
		s.passCancel()
		s.passCancel = nil
	}
	if s.running {
		s.logger.Printf("Force-stopping sync pass")
	}
	s.running = false
}

// Running reports whether a pass is in flight.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// runPass drains pending actions grouped by owning work order.
func (s *Syncer) runPass(ctx context.Context) (Report, error) {
	pending, err := s.queue.ListPending(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list pending actions: %w", err)
	}
	if len(pending) == 0 {
		return Report{}, nil
	}

	// Group by owner, preserving enqueue order within and across groups.
	var owners []int64
	groups := make(map[int64][]*queue.Action)
	for _, action := range pending {
		if _, seen := groups[action.OwnerID]; !seen {
			owners = append(owners, action.OwnerID)
		}
		groups[action.OwnerID] = append(groups[action.OwnerID], action)
	}

	report := Report{TotalGroups: len(owners)}
	s.logger.Printf("Sync pass: %d pending actions in %d groups", len(pending), len(owners))

	for i, owner := range owners {
		// Fail fast once the network is gone rather than burning retries.
		if !s.monitor.Online() || ctx.Err() != nil {
			remaining := len(owners) - i
			s.logger.Printf("Connectivity lost, stopping pass with %d groups unprocessed", remaining)
			report.FailedGroups += remaining
			break
		}

		if s.syncGroup(ctx, owner, groups[owner]) {
			if err := s.cleanupOwner(ctx, owner); err != nil {
				s.logger.Printf("Warning: cleanup for order %d failed: %v", owner, err)
			}
			report.SucceededGroups++
		} else {
			report.FailedGroups++
		}
	}

	if err := s.queue.PurgeSynced(ctx); err != nil {
		s.logger.Printf("Warning: failed to purge synced actions: %v", err)
	}

	s.logger.Printf("Sync pass complete: %d/%d groups succeeded",
		report.SucceededGroups, report.TotalGroups)
	return report, nil
}

// syncGroup executes every action in one entity group sequentially, in
// enqueue order. Returns true only if every action synced in this pass.
func (s *Syncer) syncGroup(ctx context.Context, owner int64, actions []*queue.Action) bool {
	allSynced := true
	for _, action := range actions {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err := s.executeAction(callCtx, action)
		cancel()

		if err != nil {
			// Timeout and rejection are treated identically: bump the
			// counter, fail the group, keep going with the siblings.
			s.logger.Printf("Action %s (%s) for order %d failed: %v",
				action.ID, action.Payload.Kind(), owner, err)
			if ierr := s.queue.IncrementAttempts(ctx, action.ID); ierr != nil {
				s.logger.Printf("Warning: failed to record attempt for %s: %v", action.ID, ierr)
			}
			allSynced = false
			continue
		}

		if err := s.queue.MarkSynced(ctx, action.ID); err != nil {
			s.logger.Printf("Warning: failed to mark %s synced: %v", action.ID, err)
			allSynced = false
		}
	}
	return allSynced
}

// executeAction submits one action to the backend. The action id doubles
// as the idempotency key, so a retried submission is an upsert.
func (s *Syncer) executeAction(ctx context.Context, action *queue.Action) error {
	switch payload := action.Payload.(type) {
	case queue.PhotoStartPayload:
		content, err := s.blobs.ReadAsBase64(ctx, payload.BlobID)
		if err != nil {
			return err
		}
		if content == "" {
			return fmt.Errorf("blob %s is missing", payload.BlobID)
		}
		return s.backend.SubmitPhotoStart(ctx, remote.PhotoSubmission{
			ActionID: action.ID,
			OrderID:  action.OwnerID,
			ActorID:  action.ActorID,
			Caption:  payload.Caption,
			Content:  content,
		})
	case queue.PhotoFinalPayload:
		content, err := s.blobs.ReadAsBase64(ctx, payload.BlobID)
		if err != nil {
			return err
		}
		if content == "" {
			return fmt.Errorf("blob %s is missing", payload.BlobID)
		}
		return s.backend.SubmitPhotoFinal(ctx, remote.PhotoSubmission{
			ActionID: action.ID,
			OrderID:  action.OwnerID,
			ActorID:  action.ActorID,
			Caption:  payload.Caption,
			Content:  content,
		})
	case queue.FinalAuditPayload:
		return s.backend.SubmitFinalAudit(ctx, remote.AuditSubmission{
			ActionID:    action.ID,
			OrderID:     action.OwnerID,
			ActorID:     action.ActorID,
			Rating:      payload.Rating,
			Summary:     payload.Summary,
			CompletedAt: payload.CompletedAt,
		})
	case queue.CommentPayload:
		return s.backend.SubmitComment(ctx, remote.CommentSubmission{
			ActionID: action.ID,
			OrderID:  action.OwnerID,
			ActorID:  action.ActorID,
			Text:     payload.Text,
		})
	default:
		return fmt.Errorf("unhandled action kind %q", action.Payload.Kind())
	}
}

// cleanupOwner purges all local ephemeral state for a fully-synced work
// order: queued actions, stored photos, and per-order cache records.
func (s *Syncer) cleanupOwner(ctx context.Context, owner int64) error {
	if err := s.queue.PurgeForOwner(ctx, owner); err != nil {
		return err
	}
	if err := s.blobs.RemoveForOwner(ctx, owner); err != nil {
		return err
	}
	keys, err := s.state.KeysByPrefix(ctx, fmt.Sprintf("order.%d.", owner))
	if err != nil {
		return err
	}
	if err := s.state.RemoveMany(ctx, keys); err != nil {
		return err
	}
	s.logger.Printf("Cleaned up local state for order %d", owner)
	return nil
}

// notify fans the report out to registered listeners.
func (s *Syncer) notify(report Report) {
	s.listenerMu.Lock()
	fns := make([]ReportListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(report)
	}
}

// Start wires the automatic triggers: debounced connectivity-restore
// events and, if configured, a periodic timer. All triggers funnel through
// the same guarded Sync entry point.
func (s *Syncer) Start() {
	s.unsubscribe = s.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		s.debounceMu.Lock()
		defer s.debounceMu.Unlock()
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		s.debounceTimer = time.AfterFunc(s.cfg.Debounce, func() {
			if _, err := s.Sync(context.Background()); err != nil {
				s.logger.Printf("Triggered sync failed: %v", err)
			}
		})
	})

	if s.cfg.PeriodicInterval > 0 {
		s.tickerStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(s.cfg.PeriodicInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.tickerStop:
					return
				case <-ticker.C:
					if _, err := s.Sync(context.Background()); err != nil {
						s.logger.Printf("Periodic sync failed: %v", err)
					}
				}
			}
		}()
	}
}

// Stop tears down the automatic triggers. A pass in flight is left to
// finish; use ForceStop to abort it.
func (s *Syncer) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.debounceMu.Lock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	s.debounceMu.Unlock()
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}
