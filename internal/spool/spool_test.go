package spool

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calfield/fieldsync/internal/blob"
	"github.com/calfield/fieldsync/internal/queue"
	"github.com/calfield/fieldsync/internal/store"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		want    Entry
		ignored bool
	}{
		{
			name: "start photo",
			file: "order-42--broken-valve.jpg",
			want: Entry{OwnerID: 42, Kind: queue.KindPhotoStart, Caption: "broken valve"},
		},
		{
			name: "final photo",
			file: "order-42--final--after-repair.jpg",
			want: Entry{OwnerID: 42, Kind: queue.KindPhotoFinal, Caption: "after repair"},
		},
		{
			name: "png capture",
			file: "order-7--panel.png",
			want: Entry{OwnerID: 7, Kind: queue.KindPhotoStart, Caption: "panel"},
		},
		{
			name: "full path",
			file: "/spool/order-9--site.jpeg",
			want: Entry{OwnerID: 9, Kind: queue.KindPhotoStart, Caption: "site"},
		},
		{name: "wrong extension", file: "order-42--notes.txt", ignored: true},
		{name: "no order prefix", file: "vacation.jpg", ignored: true},
		{name: "no separator", file: "order-42.jpg", ignored: true},
		{name: "non-numeric id", file: "order-abc--x.jpg", ignored: true},
		{name: "zero id", file: "order-0--x.jpg", ignored: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := ParseName(tt.file)
			if tt.ignored {
				if ok {
					t.Errorf("ParseName(%q) accepted, want ignored", tt.file)
				}
				return
			}
			if !ok {
				t.Fatalf("ParseName(%q) rejected", tt.file)
			}
			if entry != tt.want {
				t.Errorf("ParseName(%q) = %+v, want %+v", tt.file, entry, tt.want)
			}
		})
	}
}

func setupImporter(t *testing.T) (*Importer, *queue.Queue, *blob.Store, string) {
	t.Helper()

	tmpDir := t.TempDir()
	logger := log.New(os.Stderr, "[test] ", 0)

	db, err := store.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	blobs, err := blob.New(filepath.Join(tmpDir, "blobs"), db, logger)
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	q := queue.New(db, logger)

	spoolDir := filepath.Join(tmpDir, "spool")
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		t.Fatalf("failed to create spool dir: %v", err)
	}

	return NewImporter(spoolDir, blobs, q, "tech-7", logger), q, blobs, spoolDir
}

func writeSpoolFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("jpeg"), 0644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}
	return path
}

func TestImportFile(t *testing.T) {
	im, q, blobs, dir := setupImporter(t)
	ctx := context.Background()
	path := writeSpoolFile(t, dir, "order-42--final--done.jpg")

	actionID, err := im.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}

	action, err := q.Get(ctx, actionID)
	if err != nil {
		t.Fatalf("queued action not found: %v", err)
	}
	payload, ok := action.Payload.(queue.PhotoFinalPayload)
	if !ok {
		t.Fatalf("payload = %T, want PhotoFinalPayload", action.Payload)
	}
	if payload.Caption != "done" {
		t.Errorf("caption = %q", payload.Caption)
	}
	if action.OwnerID != 42 {
		t.Errorf("owner = %d", action.OwnerID)
	}

	content, err := blobs.ReadAsBase64(ctx, payload.BlobID)
	if err != nil || content == "" {
		t.Errorf("stored blob unreadable: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("spool file not removed after import")
	}
}

func TestImportFileRejectsUnparseable(t *testing.T) {
	im, _, _, dir := setupImporter(t)
	path := writeSpoolFile(t, dir, "vacation.jpg")

	if _, err := im.ImportFile(context.Background(), path); err == nil {
		t.Error("expected error for unparseable filename")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("unparseable file was removed")
	}
}

func TestImportExisting(t *testing.T) {
	im, q, _, dir := setupImporter(t)
	ctx := context.Background()

	writeSpoolFile(t, dir, "order-1--a.jpg")
	writeSpoolFile(t, dir, "order-2--b.jpg")
	writeSpoolFile(t, dir, "ignore-me.txt")

	imported, err := im.ImportExisting(ctx)
	if err != nil {
		t.Fatalf("ImportExisting failed: %v", err)
	}
	if imported != 2 {
		t.Errorf("imported = %d, want 2", imported)
	}
	if count, _ := q.PendingCount(ctx); count != 2 {
		t.Errorf("pending count = %d, want 2", count)
	}
}

func TestWatcherImportsSettledFile(t *testing.T) {
	im, q, _, dir := setupImporter(t)
	logger := log.New(os.Stderr, "[test] ", 0)

	w, err := NewWatcher(im, 50*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeSpoolFile(t, dir, "order-42--valve.jpg")

	deadline := time.After(3 * time.Second)
	for {
		count, err := q.PendingCount(context.Background())
		if err != nil {
			t.Fatalf("PendingCount failed: %v", err)
		}
		if count == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("watcher never imported the spool file")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWatcherIgnoresForeignFiles(t *testing.T) {
	im, q, _, dir := setupImporter(t)
	logger := log.New(os.Stderr, "[test] ", 0)

	w, err := NewWatcher(im, 20*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeSpoolFile(t, dir, "thumbs.db")
	writeSpoolFile(t, dir, "order-42--notes.txt")

	time.Sleep(200 * time.Millisecond)
	if count, _ := q.PendingCount(context.Background()); count != 0 {
		t.Errorf("foreign files were imported: %d pending", count)
	}
}
