package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/calfield/fieldsync/internal/store"
)

// Queue is the persistent action queue backed by the shared SQLite database.
type Queue struct {
	db     *store.DB
	logger *log.Logger
}

// New creates a Queue over the given database. The database must have its
// schema initialized. If logger is nil, a default logger writing to stderr
// is used.
func New(db *store.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: db, logger: logger}
}

// Enqueue appends a new pending action and persists it immediately.
//
// The write is a single INSERT under WAL, so it either fully lands or the
// queue is unchanged. Returns the generated action id.
func (q *Queue) Enqueue(ctx context.Context, ownerID int64, actorID string, payload Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload cannot be nil")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	id := uuid.NewString()
	err = q.db.Exec(ctx, `
		INSERT INTO queued_actions (id, kind, owner_id, actor_id, payload, synced, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		id, string(payload.Kind()), ownerID, actorID, string(body),
		time.Now().UTC().Format(store.TimeLayout))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue action: %w", err)
	}

	q.logger.Printf("Enqueued %s for order %d (%s)", payload.Kind(), ownerID, id)
	return id, nil
}

// ListPending returns actions with synced=false and attempts below the
// ceiling, in enqueue order. created_at is fixed width (store.TimeLayout),
// so the TEXT sort is chronological.
func (q *Queue) ListPending(ctx context.Context, maxAttempts int) ([]*Action, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, kind, owner_id, actor_id, payload, synced, attempts, created_at
		FROM queued_actions
		WHERE synced = 0 AND attempts < ?
		ORDER BY created_at ASC`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	return scanActions(rows)
}

// Get returns a single action by id, or nil if it doesn't exist.
func (q *Queue) Get(ctx context.Context, id string) (*Action, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, kind, owner_id, actor_id, payload, synced, attempts, created_at
		FROM queued_actions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query action: %w", err)
	}
	defer rows.Close()

	actions, err := scanActions(rows)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return actions[0], nil
}

// MarkSynced flips the synced flag on an action. A synced action is
// eligible for deletion and is never retried.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	if err := q.db.Exec(ctx, `UPDATE queued_actions SET synced = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark action %s synced: %w", id, err)
	}
	return nil
}

// IncrementAttempts bumps the attempt counter on an action after a failed
// or timed-out remote call.
func (q *Queue) IncrementAttempts(ctx context.Context, id string) error {
	if err := q.db.Exec(ctx, `UPDATE queued_actions SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to increment attempts for %s: %w", id, err)
	}
	return nil
}

// PurgeSynced deletes all actions whose synced flag is set.
func (q *Queue) PurgeSynced(ctx context.Context) error {
	if err := q.db.Exec(ctx, `DELETE FROM queued_actions WHERE synced = 1`); err != nil {
		return fmt.Errorf("failed to purge synced actions: %w", err)
	}
	return nil
}

// PurgeForOwner deletes every action belonging to one work order,
// regardless of state. Used by the cleanup pass after a fully-synced
// entity group.
func (q *Queue) PurgeForOwner(ctx context.Context, ownerID int64) error {
	if err := q.db.Exec(ctx, `DELETE FROM queued_actions WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("failed to purge actions for order %d: %w", ownerID, err)
	}
	return nil
}

// ResetFailedAttempts zeroes the attempt counter on actions that exhausted
// their retries, so they re-enter the pending set. Returns the number of
// actions reset.
func (q *Queue) ResetFailedAttempts(ctx context.Context, maxAttempts int) (int, error) {
	var stuck int
	row := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queued_actions WHERE synced = 0 AND attempts >= ?`, maxAttempts)
	if err := row.Scan(&stuck); err != nil {
		return 0, fmt.Errorf("failed to count stuck actions: %w", err)
	}

	err := q.db.Exec(ctx,
		`UPDATE queued_actions SET attempts = 0 WHERE synced = 0 AND attempts >= ?`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to reset attempts: %w", err)
	}

	if stuck > 0 {
		q.logger.Printf("Reset attempt counters on %d stuck actions", stuck)
	}
	return stuck, nil
}

// PendingCount returns the number of unsynced actions, including stuck ones.
// This feeds the user-visible pending indicator.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	row := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM queued_actions WHERE synced = 0`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return count, nil
}

// StuckCount returns the number of unsynced actions at or above the
// attempt ceiling. These require ResetFailedAttempts or an explicit purge.
func (q *Queue) StuckCount(ctx context.Context, maxAttempts int) (int, error) {
	var count int
	row := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queued_actions WHERE synced = 0 AND attempts >= ?`, maxAttempts)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stuck actions: %w", err)
	}
	return count, nil
}

// scanActions reads action rows, rebuilding the typed payload per kind.
// Rows with an undecodable payload are skipped, not fatal.
func scanActions(rows *sql.Rows) ([]*Action, error) {
	var actions []*Action

	for rows.Next() {
		var (
			action    Action
			kind      string
			payload   string
			synced    int
			createdAt string
		)
		err := rows.Scan(&action.ID, &kind, &action.OwnerID, &action.ActorID,
			&payload, &synced, &action.Attempts, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}

		action.Synced = synced != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			action.CreatedAt = t
		}

		p, err := decodePayload(Kind(kind), []byte(payload))
		if err != nil {
			// Corrupted payloads are dropped from view, never a crash.
			continue
		}
		action.Payload = p

		actions = append(actions, &action)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}
