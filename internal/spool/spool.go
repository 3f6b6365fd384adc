// Package spool imports photos dropped into a capture directory by the
// camera collaborator. Files follow the naming convention
//
//	order-<id>--final--<caption>.jpg   (completion photo)
//	order-<id>--<caption>.jpg          (start photo)
//
// Each settled file is copied into the blob store, a photo action is
// queued for its work order, and the spool file is removed. The watcher
// waits for a file to stop changing before importing it so half-written
// captures are never picked up.
package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/calfield/fieldsync/internal/blob"
	"github.com/calfield/fieldsync/internal/queue"
)

// finalMarker in the filename distinguishes completion photos.
const finalMarker = "final--"

// DefaultSettle is how long a file must be quiet before import.
const DefaultSettle = 2 * time.Second

// photoExts are the file extensions the spool imports.
var photoExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Entry is one parsed spool filename.
type Entry struct {
	OwnerID int64
	Kind    queue.Kind
	Caption string
}

// ParseName parses a spool filename into its entry. Returns false for
// files the spool should ignore.
func ParseName(name string) (Entry, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if !photoExts[ext] {
		return Entry{}, false
	}
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))

	rest, ok := strings.CutPrefix(base, "order-")
	if !ok {
		return Entry{}, false
	}
	idPart, caption, ok := strings.Cut(rest, "--")
	if !ok {
		return Entry{}, false
	}
	ownerID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || ownerID <= 0 {
		return Entry{}, false
	}

	kind := queue.KindPhotoStart
	if after, isFinal := strings.CutPrefix(caption, finalMarker); isFinal {
		kind = queue.KindPhotoFinal
		caption = after
	}
	caption = strings.ReplaceAll(caption, "-", " ")

	return Entry{OwnerID: ownerID, Kind: kind, Caption: caption}, true
}

// Importer moves spool files into the blob store and the action queue.
type Importer struct {
	dir     string
	blobs   *blob.Store
	queue   *queue.Queue
	actorID string
	logger  *log.Logger
}

// NewImporter creates an Importer over the capture directory. If logger
// is nil, a default logger writing to stderr is used.
func NewImporter(dir string, blobs *blob.Store, q *queue.Queue, actorID string, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	return &Importer{dir: dir, blobs: blobs, queue: q, actorID: actorID, logger: logger}
}

// ImportFile imports one spool file: blob first, then the queued action,
// then removal of the spool file. Returns the queued action id.
//
// Removal happens last, so a crash mid-import leaves the spool file in
// place and the next scan retries it. The action id doubles as the
// idempotency key on the remote side, so a duplicate import creates a
// second local action but never a duplicate remote record per action.
func (im *Importer) ImportFile(ctx context.Context, path string) (string, error) {
	entry, ok := ParseName(path)
	if !ok {
		return "", fmt.Errorf("not a spool photo: %s", filepath.Base(path))
	}

	result := im.blobs.Save(ctx, path, entry.OwnerID, string(entry.Kind), "")
	if !result.Success {
		return "", fmt.Errorf("failed to store photo %s: %w", filepath.Base(path), result.Err)
	}

	var payload queue.Payload
	if entry.Kind == queue.KindPhotoFinal {
		payload = queue.PhotoFinalPayload{BlobID: result.ID, Caption: entry.Caption}
	} else {
		payload = queue.PhotoStartPayload{BlobID: result.ID, Caption: entry.Caption}
	}

	actionID, err := im.queue.Enqueue(ctx, entry.OwnerID, im.actorID, payload)
	if err != nil {
		return "", fmt.Errorf("failed to queue photo for order %d: %w", entry.OwnerID, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		im.logger.Printf("Warning: failed to remove imported spool file %s: %v", path, err)
	}

	im.logger.Printf("Imported %s photo for order %d (action %s)", entry.Kind, entry.OwnerID, actionID)
	return actionID, nil
}

// ImportExisting scans the capture directory once and imports every
// parseable file already in it. Run at startup to pick up photos taken
// while the daemon was down.
func (im *Importer) ImportExisting(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read spool directory: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(im.dir, entry.Name())
		if _, ok := ParseName(path); !ok {
			continue
		}
		if _, err := im.ImportFile(ctx, path); err != nil {
			im.logger.Printf("Warning: failed to import %s: %v", entry.Name(), err)
			continue
		}
		imported++
	}
	return imported, nil
}

// Watcher watches the capture directory and imports files once they have
// settled. It uses fsnotify for cross-platform file system events.
type Watcher struct {
	importer *Importer
	watcher  *fsnotify.Watcher
	settle   time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	timers  map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a Watcher over the importer's directory. A settle
// of zero picks the default.
func NewWatcher(importer *Importer, settle time.Duration, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	return &Watcher{
		importer: importer,
		watcher:  fsw,
		settle:   settle,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the capture directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.watcher.Add(w.importer.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.importer.dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop and any pending
// settle timers to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// processEvents is the main event loop converting file events into
// debounced imports.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, parseable := ParseName(event.Name); !parseable {
				continue
			}
			w.touch(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// touch resets the settle timer for a file. The import fires only after
// the file has been quiet for the full settle window.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	if timer, exists := w.timers[path]; exists {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}

		if _, err := w.importer.ImportFile(context.Background(), path); err != nil {
			w.logger.Printf("Warning: failed to import %s: %v", filepath.Base(path), err)
		}
	})
}
