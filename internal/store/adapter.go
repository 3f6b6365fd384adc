package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Category classifies a record and selects its physical backend.
type Category string

const (
	// CategorySnapshot is bounded reference data (order types, steps, fields).
	// Stored in SQLite - payloads are large.
	CategorySnapshot Category = "reference-snapshot"

	// CategoryEntity is per-work-order structured state (draft field values,
	// local comments). Stored in SQLite.
	CategoryEntity Category = "structured-entity"

	// CategoryMarker is small flags and markers (sync times, feature flags).
	// Stored in the file KV backend so they remain readable even when the
	// SQLite backend is unavailable.
	CategoryMarker Category = "marker"

	// CategoryLegacy tags records copied in from the legacy key namespace.
	CategoryLegacy Category = "legacy"
)

// legacyPrefix namespaces old-format records in the KV backend. The
// migration copies these into SQLite; readers fall back to them until then.
const legacyPrefix = "legacy."

// lookupState tags the outcome of one backend probe.
type lookupState int

const (
	lookupFound lookupState = iota
	lookupNotFound
	lookupError
)

// lookupResult is the tagged result of probing one backend for a key.
type lookupResult struct {
	state lookupState
	value []byte
	err   error
}

// strategy is one ranked read source. Strategies are tried in order by Get
// and the first found result wins.
type strategy struct {
	name string
	get  func(ctx context.Context, key string) lookupResult
}

// Adapter is the tiered storage facade. Writes are routed to a backend by
// category; reads walk the ranked strategy chain. Values are opaque
// serialized payloads - the adapter never interprets them beyond checking
// that they are intact JSON.
type Adapter struct {
	db     *DB
	kv     *KV
	chain  []strategy
	logger *log.Logger
}

// NewAdapter creates the tiered adapter over the given backends.
// If logger is nil, a default logger writing to stderr is used.
func NewAdapter(db *DB, kv *KV, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	a := &Adapter{db: db, kv: kv, logger: logger}
	a.chain = []strategy{
		{name: "sqlite", get: a.getSQLite},
		{name: "kv", get: a.getKV},
		{name: "legacy-kv", get: a.getLegacyKV},
	}
	return a
}

// Set writes a record, selecting the backend by category. Marker records
// go to the file KV backend; everything else goes to SQLite.
func (a *Adapter) Set(ctx context.Context, key string, value []byte, category Category) error {
	if category == CategoryMarker {
		if err := a.kv.Set(key, value); err != nil {
			return fmt.Errorf("failed to set marker %s: %w", key, err)
		}
		return nil
	}

	query := `
	INSERT INTO cache_records (key, category, data, updated_at, size_bytes)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		category = excluded.category,
		data = excluded.data,
		updated_at = excluded.updated_at,
		size_bytes = excluded.size_bytes
	`
	err := a.db.Exec(ctx, query,
		key, string(category), string(value),
		time.Now().UTC().Format(time.RFC3339), len(value))
	if err != nil {
		return fmt.Errorf("failed to set record %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, or nil if no backend has it.
//
// The backends are probed in ranked order (SQLite, then KV, then the
// legacy KV namespace). A corrupted value is deleted from its backend and
// treated as absent - corruption never propagates to the caller.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	for _, s := range a.chain {
		res := s.get(ctx, key)
		switch res.state {
		case lookupFound:
			if !json.Valid(res.value) {
				a.logger.Printf("Dropping corrupted record %s from %s backend", key, s.name)
				a.dropCorrupted(ctx, s.name, key)
				continue
			}
			return res.value, nil
		case lookupError:
			// A failing backend must not mask the ones below it.
			a.logger.Printf("Warning: %s backend failed for %s: %v", s.name, key, res.err)
		}
	}
	return nil, nil
}

// Remove deletes the key from every backend.
func (a *Adapter) Remove(ctx context.Context, key string) error {
	if err := a.db.Exec(ctx, `DELETE FROM cache_records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove record %s: %w", key, err)
	}
	if err := a.kv.Remove(key); err != nil {
		return fmt.Errorf("failed to remove marker %s: %w", key, err)
	}
	if err := a.kv.Remove(legacyPrefix + key); err != nil {
		return fmt.Errorf("failed to remove legacy record %s: %w", key, err)
	}
	return nil
}

// RemoveMany deletes all given keys. Individual failures are collected;
// the first one is returned after all keys have been attempted.
func (a *Adapter) RemoveMany(ctx context.Context, keys []string) error {
	var firstErr error
	for _, key := range keys {
		if err := a.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// KeysByPrefix returns SQLite record keys matching the prefix, sorted.
// Used by owner-scoped cleanup after a fully-synced entity group.
func (a *Adapter) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := a.db.Query(ctx,
		`SELECT key FROM cache_records WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	kvKeys, err := a.kv.Keys(prefix)
	if err != nil {
		return nil, err
	}
	keys = append(keys, kvKeys...)
	return keys, nil
}

// MigrateLegacy copies records from the legacy KV namespace into the
// SQLite backend. Keys that already exist in SQLite are skipped, so the
// migration is idempotent and safe to invoke repeatedly. The legacy files
// are left in place until removed by an explicit purge.
//
// Returns the number of records copied and the number skipped.
func (a *Adapter) MigrateLegacy(ctx context.Context) (migrated, skipped int, err error) {
	keys, err := a.kv.Keys(legacyPrefix)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to enumerate legacy keys: %w", err)
	}

	for _, legacyKey := range keys {
		key := strings.TrimPrefix(legacyKey, legacyPrefix)

		var exists int
		row := a.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM cache_records WHERE key = ?`, key)
		if err := row.Scan(&exists); err != nil {
			return migrated, skipped, fmt.Errorf("failed to check key %s: %w", key, err)
		}
		if exists > 0 {
			skipped++
			continue
		}

		value, ok, err := a.kv.Get(legacyKey)
		if err != nil {
			return migrated, skipped, err
		}
		if !ok {
			continue
		}
		if !json.Valid(value) {
			a.logger.Printf("Skipping corrupted legacy record %s", legacyKey)
			_ = a.kv.Remove(legacyKey)
			continue
		}

		if err := a.Set(ctx, key, value, CategoryLegacy); err != nil {
			return migrated, skipped, err
		}
		migrated++
	}

	if migrated > 0 {
		a.logger.Printf("Migrated %d legacy records (%d already present)", migrated, skipped)
	}
	return migrated, skipped, nil
}

// getSQLite probes the structured backend.
func (a *Adapter) getSQLite(ctx context.Context, key string) lookupResult {
	var data string
	row := a.db.QueryRow(ctx, `SELECT data FROM cache_records WHERE key = ?`, key)
	err := row.Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lookupResult{state: lookupNotFound}
		}
		return lookupResult{state: lookupError, err: err}
	}
	return lookupResult{state: lookupFound, value: []byte(data)}
}

// getKV probes the fast file backend.
func (a *Adapter) getKV(ctx context.Context, key string) lookupResult {
	value, ok, err := a.kv.Get(key)
	if err != nil {
		return lookupResult{state: lookupError, err: err}
	}
	if !ok {
		return lookupResult{state: lookupNotFound}
	}
	return lookupResult{state: lookupFound, value: value}
}

// getLegacyKV probes the legacy namespace of the file backend.
func (a *Adapter) getLegacyKV(ctx context.Context, key string) lookupResult {
	return a.getKV(ctx, legacyPrefix+key)
}

// dropCorrupted removes a corrupted record from the backend it was found in.
func (a *Adapter) dropCorrupted(ctx context.Context, backend, key string) {
	switch backend {
	case "sqlite":
		_ = a.db.Exec(ctx, `DELETE FROM cache_records WHERE key = ?`, key)
	case "kv":
		_ = a.kv.Remove(key)
	case "legacy-kv":
		_ = a.kv.Remove(legacyPrefix + key)
	}
}
