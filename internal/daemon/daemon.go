// Package daemon assembles the sync engine and runs it as a long-lived
// process: connectivity probing, automatic sync triggers, the photo spool
// watcher, nightly blob retention, and the supervisor dashboard.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/calfield/fieldsync/internal/blob"
	"github.com/calfield/fieldsync/internal/config"
	"github.com/calfield/fieldsync/internal/connectivity"
	"github.com/calfield/fieldsync/internal/dashboard"
	"github.com/calfield/fieldsync/internal/queue"
	"github.com/calfield/fieldsync/internal/remote"
	"github.com/calfield/fieldsync/internal/snapshot"
	"github.com/calfield/fieldsync/internal/spool"
	"github.com/calfield/fieldsync/internal/store"
	"github.com/calfield/fieldsync/internal/syncer"
)

// Engine wires every component of the sync core over one data directory.
// CLI commands use it for one-shot operations; Run turns it into the
// daemon.
type Engine struct {
	Config config.Config

	DB       *store.DB
	KV       *store.KV
	State    *store.Adapter
	Queue    *queue.Queue
	Blobs    *blob.Store
	Remote   *remote.Client
	Monitor  connectivity.Monitor
	Syncer   *syncer.Syncer
	Snapshot *snapshot.Cache

	logger *log.Logger
}

// Options selects how the engine connects.
type Options struct {
	// Probe enables the background connectivity probe. One-shot CLI
	// commands leave it off and use an assumed-online manual monitor.
	Probe bool

	// Logger overrides the config-derived logger.
	Logger *log.Logger
}

// New builds the engine from configuration: opens the database, runs the
// schema init and the legacy migration, and wires all components.
// Call Close when done.
func New(cfg config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger(cfg.Log, "[fieldsync] ")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "fieldsync.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	kv, err := store.NewKV(filepath.Join(cfg.DataDir, "kv"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	state := store.NewAdapter(db, kv, logger)
	if _, _, err := state.MigrateLegacy(context.Background()); err != nil {
		logger.Printf("Warning: legacy migration failed: %v", err)
	}

	blobs, err := blob.New(filepath.Join(cfg.DataDir, "blobs"), db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token)

	var monitor connectivity.Monitor
	if opts.Probe {
		monitor = connectivity.NewProbe(client.HealthURL(), cfg.Remote.ProbeInterval, logger)
	} else {
		monitor = connectivity.NewManual(true)
	}

	q := queue.New(db, logger)
	sy := syncer.New(q, blobs, state, client, monitor, syncer.Config{
		MaxAttempts:      cfg.Sync.MaxAttempts,
		CallTimeout:      cfg.Sync.CallTimeout,
		Debounce:         cfg.Sync.Debounce,
		PeriodicInterval: cfg.Sync.PeriodicInterval,
	}, logger)

	snap := snapshot.New(state, client, monitor, snapshot.Config{
		SizeCeiling: cfg.Snapshot.SnapshotCeilingBytes(),
		Freshness:   cfg.Snapshot.Freshness,
		BatchSize:   cfg.Snapshot.BatchSize,
		ScopeCap:    cfg.Snapshot.ScopeCap,
	}, logger)

	return &Engine{
		Config:   cfg,
		DB:       db,
		KV:       kv,
		State:    state,
		Queue:    q,
		Blobs:    blobs,
		Remote:   client,
		Monitor:  monitor,
		Syncer:   sy,
		Snapshot: snap,
		logger:   logger,
	}, nil
}

// Close releases the engine's storage.
func (e *Engine) Close() error {
	return e.DB.Close()
}

// Status is the engine state summary shown by the status command and the
// dashboard.
type Status struct {
	Online        bool
	PendingCount  int
	StuckCount    int
	SnapshotMeta  *snapshot.Meta
	SnapshotFresh bool
}

// CollectStatus gathers the current engine status.
func (e *Engine) CollectStatus(ctx context.Context) (Status, error) {
	pending, err := e.Queue.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	stuck, err := e.Queue.StuckCount(ctx, e.Config.Sync.MaxAttempts)
	if err != nil {
		return Status{}, err
	}
	meta, err := e.Snapshot.Meta(ctx)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Online:       e.Monitor.Online(),
		PendingCount: pending,
		StuckCount:   stuck,
		SnapshotMeta: meta,
	}
	if meta != nil {
		status.SnapshotFresh = time.Since(meta.SyncTime) < e.Config.Snapshot.Freshness
	}
	return status, nil
}

// Run operates the engine as a daemon until ctx is cancelled:
//
//  1. Start the connectivity probe and the automatic sync triggers.
//  2. Populate the initial snapshot for the configured role.
//  3. Import photos already waiting in the spool, then watch it.
//  4. Sweep aged photo blobs once a day.
//  5. Serve the dashboard when a port is configured.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("Starting daemon (data dir %s)", e.Config.DataDir)

	if probe, ok := e.Monitor.(*connectivity.Probe); ok {
		probe.Start()
		defer probe.Stop()
	}

	if avail, err := e.Snapshot.EnsureInitial(ctx, e.Config.Role); err != nil {
		e.logger.Printf("Warning: initial snapshot population failed: %v", err)
	} else if avail.Available {
		e.logger.Printf("Reference snapshot available (fresh=%v)", avail.Fresh)
	}

	var dash *dashboard.Server
	if e.Config.Dashboard.Port > 0 {
		dash = dashboard.NewServer(e.Config.Dashboard.Port, e.dashboardStatus, e.logger)
		if err := dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer dash.Stop()

		unsubscribeReports := e.Syncer.RegisterReportListener(func(r syncer.Report) {
			dash.BroadcastSyncReport(dashboard.SyncReportData{
				TotalGroups:     r.TotalGroups,
				SucceededGroups: r.SucceededGroups,
				FailedGroups:    r.FailedGroups,
			})
		})
		defer unsubscribeReports()

		unsubscribeConn := e.Monitor.Subscribe(func(online bool) {
			dash.BroadcastConnectivity(online)
		})
		defer unsubscribeConn()
	}

	e.Syncer.Start()
	defer e.Syncer.Stop()

	if err := e.startSpool(ctx); err != nil {
		e.logger.Printf("Warning: photo spool disabled: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweepLoop(ctx)
	}()

	// Kick one pass at startup so work queued while the daemon was down
	// does not wait for the first trigger.
	if _, err := e.Syncer.Sync(ctx); err != nil {
		e.logger.Printf("Warning: startup sync failed: %v", err)
	}

	<-ctx.Done()
	e.logger.Printf("Shutdown signal received")
	wg.Wait()
	e.logger.Printf("Daemon stopped")
	return nil
}

// startSpool imports waiting captures and begins watching the spool
// directory. The watcher is stopped when ctx ends.
func (e *Engine) startSpool(ctx context.Context) error {
	if e.Config.SpoolDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.Config.SpoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	importer := spool.NewImporter(e.Config.SpoolDir, e.Blobs, e.Queue, e.Config.ActorID, e.logger)
	if imported, err := importer.ImportExisting(ctx); err != nil {
		e.logger.Printf("Warning: spool scan failed: %v", err)
	} else if imported > 0 {
		e.logger.Printf("Imported %d photos from spool", imported)
	}

	watcher, err := spool.NewWatcher(importer, 0, e.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := watcher.Stop(); err != nil {
			e.logger.Printf("Warning: spool watcher shutdown: %v", err)
		}
	}()
	return nil
}

// sweepLoop removes aged photo blobs once a day. Blobs referenced by
// unsynced actions survive the sweep.
func (e *Engine) sweepLoop(ctx context.Context) {
	if e.Config.Blob.RetentionDays <= 0 {
		return
	}
	maxAge := time.Duration(e.Config.Blob.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := e.Blobs.Sweep(ctx, maxAge)
			if err != nil {
				e.logger.Printf("Warning: blob sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				e.logger.Printf("Blob sweep removed %d aged photos", removed)
			}
		}
	}
}

// dashboardStatus adapts CollectStatus for dashboard welcome messages.
func (e *Engine) dashboardStatus(ctx context.Context) (dashboard.StatusData, error) {
	status, err := e.CollectStatus(ctx)
	if err != nil {
		return dashboard.StatusData{}, err
	}
	data := dashboard.StatusData{
		PendingCount:  status.PendingCount,
		StuckCount:    status.StuckCount,
		SnapshotFresh: status.SnapshotFresh,
	}
	if status.Online {
		data.Online = 1
	}
	return data, nil
}
