// Package ingest feeds messages into the pipeline from a filesystem spool
// directory. A bridge process drops one JSON-encoded message per file; the
// watcher picks each file up, hands it to the engine, and removes it.
// Malformed files are moved aside instead of deleted so they can be
// inspected.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/chatsense/pkg/types"
)

// malformedSuffix is appended to spool files that fail to parse.
const malformedSuffix = ".malformed"

// settleDelay gives the writing process time to finish the file after the
// create event fires.
const settleDelay = 50 * time.Millisecond

// Sink receives the messages read from the spool.
type Sink interface {
	IngestMessage(ctx context.Context, msg *types.Message) error
}

// Watcher tails a spool directory for message files.
type Watcher struct {
	dir     string
	sink    Sink
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over dir, creating it if needed.
func NewWatcher(dir string, sink Sink) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch spool directory: %w", err)
	}
	return &Watcher{dir: dir, sink: sink, watcher: fsw}, nil
}

// Run drains the files already present, then processes spool events until
// the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	if err := w.drain(ctx); err != nil {
		return err
	}
	log.Printf("Watching spool directory %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			time.Sleep(settleDelay)
			w.processFile(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("WARNING: spool watcher error: %v", err)
		}
	}
}

// drain processes every spool file already on disk, oldest name first.
func (w *Watcher) drain(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		w.processFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// processFile ingests one spool file and removes it. A file that fails to
// parse is renamed aside; a sink failure leaves the file in place so the
// next drain retries it.
func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("WARNING: failed to read spool file %s: %v", path, err)
		}
		return
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" || msg.RoomID == "" {
		w.moveAside(path, err)
		return
	}
	if msg.ObservedAt.IsZero() {
		msg.ObservedAt = time.Now().UTC()
	}

	if err := w.sink.IngestMessage(ctx, &msg); err != nil {
		log.Printf("WARNING: failed to ingest spooled message %s: %v", msg.ID, err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: failed to remove spool file %s: %v", path, err)
	}
}

func (w *Watcher) moveAside(path string, cause error) {
	dest := path + malformedSuffix
	if err := os.Rename(path, dest); err != nil {
		log.Printf("WARNING: failed to move malformed spool file %s aside: %v", path, err)
		return
	}
	log.Printf("WARNING: moved malformed spool file %s aside: %v", path, cause)
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}
