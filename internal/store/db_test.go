package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func setupDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestExecSerializesWrites(t *testing.T) {
	db := setupDB(t)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := db.Exec(ctx, `
				INSERT INTO cache_records (key, category, data, updated_at)
				VALUES (?, 'entity_state', 'v', '2026-08-30T00:00:00.000000000Z')`,
				fmt.Sprintf("key-%d", i))
			if err != nil {
				t.Errorf("Exec failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var count int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM cache_records`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 20 {
		t.Errorf("expected 20 rows, got %d", count)
	}
}

// Every Exec in flight when Close runs must return, either having landed or
// with a closed-database error. Writes buffered in the queue at shutdown
// must never leave their caller blocked.
func TestCloseUnblocksPendingWrites(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	const writers = 40
	results := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- db.Exec(ctx, `
				INSERT INTO cache_records (key, category, data, updated_at)
				VALUES (?, 'entity_state', 'v', '2026-08-30T00:00:00.000000000Z')`,
				fmt.Sprintf("key-%d", i))
		}(i)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writers still blocked after Close")
	}

	close(results)
	for err := range results {
		if err != nil && err.Error() != "database is closed" {
			t.Errorf("unexpected write error: %v", err)
		}
	}
}

func TestExecAfterCloseReturnsError(t *testing.T) {
	db := setupDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Both paths through the send select must answer promptly once the
	// write loop has stopped.
	for i := 0; i < 10; i++ {
		err := db.Exec(context.Background(), `DELETE FROM cache_records`)
		if err == nil {
			t.Fatal("Exec after Close returned nil error")
		}
	}
}
