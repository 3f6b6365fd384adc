// Package blob persists binary attachments (photos) under a managed
// directory and keeps a queryable metadata index in the shared SQLite
// database.
//
// A blob's file and its metadata row are written and removed as a logical
// pair; a partial state (row without file, or file without row) reads as
// "not found" rather than crashing a caller.
package blob

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/calfield/fieldsync/internal/store"
)

// Record is the metadata row for one stored attachment.
type Record struct {
	ID        string
	FilePath  string
	OwnerID   int64
	Kind      string
	SizeBytes int64
	CreatedAt time.Time
}

// SaveResult reports the outcome of a Save call. Failures are explicit,
// never silent.
type SaveResult struct {
	ID      string
	Success bool
	Err     error
}

// Store owns the managed attachment directory. No other component writes
// files under it.
type Store struct {
	dir    string
	db     *store.DB
	logger *log.Logger
}

// New creates a blob store rooted at dir over the given database.
// The directory is created if needed. If logger is nil, a default logger
// writing to stderr is used.
func New(dir string, db *store.DB, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[blob] ", log.LstdFlags)
	}
	return &Store{dir: dir, db: db, logger: logger}, nil
}

// Save copies the source file into the managed directory and records its
// metadata. If explicitID is empty a new id is generated. The source must
// still exist; a vanished source is an explicit failure.
func (s *Store) Save(ctx context.Context, sourcePath string, ownerID int64, kind, explicitID string) SaveResult {
	id := explicitID
	if id == "" {
		id = uuid.NewString()
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return SaveResult{ID: id, Err: fmt.Errorf("source file unavailable: %w", err)}
	}
	defer src.Close()

	destPath := filepath.Join(s.dir, id+filepath.Ext(sourcePath))

	// Stream through a temp file, then rename into place so a crash never
	// leaves a half-copied attachment under the managed directory.
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return SaveResult{ID: id, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	size, err := io.Copy(tmp, src)
	if err != nil {
		_ = tmp.Close()
		return SaveResult{ID: id, Err: fmt.Errorf("failed to copy attachment: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return SaveResult{ID: id, Err: fmt.Errorf("failed to sync attachment: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return SaveResult{ID: id, Err: fmt.Errorf("failed to close temp file: %w", err)}
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return SaveResult{ID: id, Err: fmt.Errorf("failed to commit attachment: %w", err)}
	}

	err = s.db.Exec(ctx, `
		INSERT INTO blob_records (id, file_path, owner_id, kind, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			owner_id = excluded.owner_id,
			kind = excluded.kind,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at`,
		id, destPath, ownerID, kind, size, time.Now().UTC().Format(store.TimeLayout))
	if err != nil {
		// Keep file and row paired: remove the orphaned file.
		_ = os.Remove(destPath)
		return SaveResult{ID: id, Err: fmt.Errorf("failed to index attachment: %w", err)}
	}

	s.logger.Printf("Saved blob %s for order %d (%d bytes)", id, ownerID, size)
	return SaveResult{ID: id, Success: true}
}

// Get returns the metadata record for a blob id, or nil if the id is
// unknown or the underlying file is gone.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := s.getRecord(ctx, id)
	if err != nil || rec == nil {
		return rec, err
	}
	if _, err := os.Stat(rec.FilePath); os.IsNotExist(err) {
		// Metadata without file is a partial state; treat as not found.
		return nil, nil
	}
	return rec, nil
}

// ReadAsBase64 returns the blob content base64-encoded, or empty string if
// the blob or its file is missing.
func (s *Store) ReadAsBase64(ctx context.Context, id string) (string, error) {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}

	data, err := os.ReadFile(rec.FilePath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Remove deletes the blob's file and its metadata row. A missing file is
// logged, not an error - the metadata row is always removed.
func (s *Store) Remove(ctx context.Context, id string) error {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec != nil {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Printf("Warning: failed to remove blob file %s: %v", rec.FilePath, err)
		} else if os.IsNotExist(err) {
			s.logger.Printf("Blob file already gone for %s", id)
		}
	}

	if err := s.db.Exec(ctx, `DELETE FROM blob_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove blob record %s: %w", id, err)
	}
	return nil
}

// ListByOwner returns all blob records for one work order, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID int64) ([]*Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, file_path, owner_id, kind, size_bytes, created_at
		FROM blob_records WHERE owner_id = ?
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs for order %d: %w", ownerID, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// RemoveForOwner deletes all blobs belonging to one work order.
func (s *Store) RemoveForOwner(ctx context.Context, ownerID int64) error {
	records, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.Remove(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// Sweep deletes blobs older than maxAge. Blobs still referenced by an
// unsynced queued action are kept regardless of age. Returns the number of
// blobs removed.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(store.TimeLayout)

	rows, err := s.db.Query(ctx, `
		SELECT id, file_path, owner_id, kind, size_bytes, created_at
		FROM blob_records
		WHERE created_at < ?
		  AND id NOT IN (
			SELECT json_extract(payload, '$.blob_id')
			FROM queued_actions
			WHERE synced = 0 AND json_extract(payload, '$.blob_id') IS NOT NULL
		  )`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query sweep candidates: %w", err)
	}

	records, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records {
		if err := s.Remove(ctx, rec.ID); err != nil {
			s.logger.Printf("Warning: sweep failed to remove %s: %v", rec.ID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Printf("Sweep removed %d blobs older than %v", removed, maxAge)
	}
	return removed, nil
}

// getRecord reads the metadata row only, without checking the file.
func (s *Store) getRecord(ctx context.Context, id string) (*Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, file_path, owner_id, kind, size_bytes, created_at
		FROM blob_records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query blob %s: %w", id, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var rec Record
		var createdAt string
		err := rows.Scan(&rec.ID, &rec.FilePath, &rec.OwnerID, &rec.Kind,
			&rec.SizeBytes, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blob record: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blob records: %w", err)
	}
	return records, nil
}
