// Package inbox watches the received-files directory and announces each file
// once it and its digest companion have settled.
package inbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/relayshell/internal/events"
	"github.com/loykin/relayshell/internal/integrity"
)

const DefaultSettle = 300 * time.Millisecond

// FileReceived is published on the file-received topic.
type FileReceived struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (FileReceived) Topic() events.Topic { return events.TopicFileReceived }

type Watcher struct {
	dir    string
	pub    events.Publisher
	verify *integrity.Verifier
	settle time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New returns a watcher for dir. A zero settle uses DefaultSettle.
func New(dir string, pub events.Publisher, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		dir:    dir,
		pub:    pub,
		verify: integrity.New(),
		settle: settle,
		timers: make(map[string]*time.Timer),
	}
}

// Run watches until ctx is done. The directory is created when missing.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	slog.Info("watching received files", "dir", w.dir)

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.schedule(dataPath(ev.Name))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("received files watcher error", "error", err)
		}
	}
}

// dataPath maps a companion back to the file it describes.
func dataPath(name string) string {
	if integrity.IsCompanion(name) {
		return strings.TrimSuffix(name, integrity.Suffix)
	}
	return name
}

// schedule restarts the settle timer of path; the worker writes in chunks.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.check(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

func (w *Watcher) check(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("stat received file", "path", path, "error", err)
		}
		return
	}
	if fi.IsDir() {
		return
	}
	res, err := w.verify.Verify(path)
	if err != nil {
		slog.Warn("verify received file", "path", path, "error", err)
		return
	}
	w.pub.Publish(events.Message{
		Topic: events.TopicFileReceived,
		Event: FileReceived{
			Name:   filepath.Base(path),
			Path:   path,
			Size:   fi.Size(),
			Valid:  res.Valid,
			Reason: res.Reason,
		},
	})
}
