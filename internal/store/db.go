// Package store provides the tiered local storage layer for fieldsync.
//
// Two physical backends sit behind a single adapter: a file-backed
// key-value store for small flags and markers that must survive even when
// SQLite is unavailable, and an embedded SQLite database (WAL mode) for
// large structured payloads such as reference snapshots and entity state.
//
// The adapter decides the backend per write based on the record category,
// and reads through a ranked strategy chain so callers never care where a
// record physically lives.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TimeLayout is the timestamp format for TEXT time columns. Unlike
// RFC3339Nano it never trims trailing zeros from the fraction, so the
// encoded strings are fixed width and lexicographic order over the column
// matches chronological order. Always format in UTC.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the embedded SQLite connection used by the structured backend,
// the action queue, and the blob index.
//
// All writes are funneled through a single FIFO worker goroutine so that
// concurrent callers never interleave at the storage-engine level. Reads
// go straight to the connection; WAL mode allows concurrent readers.
type DB struct {
	conn    *sql.DB
	path    string
	writes  chan writeOp
	done    chan struct{}
	stopped chan struct{}
}

// writeOp is a single serialized write request.
type writeOp struct {
	query  string
	args   []interface{}
	result chan error
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema afterwards.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:    conn,
		path:    path,
		writes:  make(chan writeOp, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	go db.writeLoop()

	return db, nil
}

// writeLoop drains the FIFO write queue one operation at a time. On
// shutdown it answers every op still buffered in the queue so no caller
// blocks on a result that will never arrive, then signals stopped.
func (db *DB) writeLoop() {
	defer close(db.stopped)
	for {
		select {
		case <-db.done:
			for {
				select {
				case op := <-db.writes:
					op.result <- fmt.Errorf("database is closed")
				default:
					return
				}
			}
		case op := <-db.writes:
			_, err := db.conn.Exec(op.query, op.args...)
			op.result <- err
		}
	}
}

// Exec runs a write statement through the FIFO write queue and waits for
// the result. Concurrent callers are serialized in arrival order.
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) error {
	op := writeOp{query: query, args: args, result: make(chan error, 1)}

	select {
	case db.writes <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-db.done:
		return fmt.Errorf("database is closed")
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-db.stopped:
		// The op may have slipped into the buffer after the shutdown
		// drain finished; the result channel is buffered, so a final
		// non-blocking read catches an answer that raced the stop.
		select {
		case err := <-op.result:
			return err
		default:
			return fmt.Errorf("database is closed")
		}
	}
}

// Query runs a read-only query directly against the connection.
func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read-only query directly against the connection.
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	close(db.done)
	// Wait for the write loop to finish its current op and drain the
	// queue before touching the connection.
	<-db.stopped

	// Checkpoint WAL before closing
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the cache_records, queued_actions, and blob_records tables
// along with the indexes the synchronizer and blob sweep rely on.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Structured key-value records (reference snapshots, entity state)
	CREATE TABLE IF NOT EXISTS cache_records (
		key TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0
	);

	-- Pending mutations made while offline
	CREATE TABLE IF NOT EXISTS queued_actions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner_id INTEGER NOT NULL,
		actor_id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON, shape depends on kind
		synced INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Metadata index for binary attachments
	CREATE TABLE IF NOT EXISTS blob_records (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		owner_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_category ON cache_records(category);
	CREATE INDEX IF NOT EXISTS idx_actions_owner ON queued_actions(owner_id);
	CREATE INDEX IF NOT EXISTS idx_actions_pending ON queued_actions(synced, attempts);
	CREATE INDEX IF NOT EXISTS idx_actions_order ON queued_actions(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_blobs_owner ON blob_records(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_blobs_age ON blob_records(created_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
