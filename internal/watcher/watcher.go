package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
)

// Paths matching any of these globs never produce change events and their
// directories are not descended into.
var ignoreGlobs = compileGlobs(
	"node_modules",
	".git",
	".cache",
	"dist",
	".next",
	"build",
	".turbo",
	"coverage",
	"*.log",
	".DS_Store",
	"thumbs.db",
)

func compileGlobs(patterns ...string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		globs = append(globs, glob.MustCompile(p))
	}
	return globs
}

func ignored(name string) bool {
	for _, g := range ignoreGlobs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

type changeKind int

const (
	changeAdded changeKind = iota
	changeModified
	changeDeleted
)

// Watcher observes one team's workspace on the host, batches raw
// filesystem events over a debounce window and publishes grouped change
// sets plus a few semantic build signals.
type Watcher struct {
	teamID  string
	root    string
	events  ws.Emitter
	logger  *slog.Logger
	onError func(error)

	fw         *fsnotify.Watcher
	batchDelay time.Duration

	mu       sync.Mutex
	pending  map[string]changeKind
	semantic map[string]any
	flush    *time.Timer
	closed   bool

	done chan struct{}
}

// New constructs a watcher rooted at the team's workspace directory.
func New(teamID, root string, events ws.Emitter, logger *slog.Logger, batchDelay time.Duration, onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if batchDelay <= 0 {
		batchDelay = time.Second
	}
	if logger != nil {
		logger = logger.With("component", "watcher", "team_id", teamID)
	}
	w := &Watcher{
		teamID:     teamID,
		root:       root,
		events:     events,
		logger:     logger,
		onError:    onError,
		fw:         fw,
		batchDelay: batchDelay,
		pending:    make(map[string]changeKind),
		semantic:   make(map[string]any),
		done:       make(chan struct{}),
	}
	return w, nil
}

// Start registers the workspace tree and begins delivering events.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && ignored(d.Name()) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
	if err != nil {
		w.fw.Close()
		return err
	}
	go w.loop()
	w.logger.Info("watcher started", "root", w.root)
	return nil
}

// Stop flushes any pending batch, then releases the watcher. The flush
// happens before the watch handle closes so no accumulated change is lost.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.flush != nil {
		w.flush.Stop()
	}
	w.mu.Unlock()

	w.flushPending()
	close(w.done)
	w.fw.Close()
	w.logger.Info("watcher stopped")
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if ignored(name) {
		// New ignored directories still count as build signals; they join
		// the batch even though their contents never will.
		if event.Op.Has(fsnotify.Create) {
			w.noteSemantic(event.Name, name)
		}
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fw.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		rel = event.Name
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.pending[rel] = changeDeleted
	case event.Op.Has(fsnotify.Create):
		w.pending[rel] = changeAdded
	case event.Op.Has(fsnotify.Write):
		if w.pending[rel] != changeAdded {
			w.pending[rel] = changeModified
		}
	default:
		return
	}

	w.armFlushLocked()
}

// noteSemantic records the appearance of well-known directories as build
// progress signals. They ride the debounce window and go out with the
// grouped batch rather than per raw event.
func (w *Watcher) noteSemantic(path, name string) {
	if filepath.Dir(path) != w.root {
		return
	}

	var event string
	var data any
	switch name {
	case "node_modules":
		event = "build:dependencies-installed"
	case "dist", "build", ".next":
		event = "build:complete"
		data = map[string]any{"output": name}
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.semantic[event] = data
	w.armFlushLocked()
}

func (w *Watcher) armFlushLocked() {
	if w.flush == nil {
		w.flush = time.AfterFunc(w.batchDelay, w.flushPending)
	} else {
		w.flush.Reset(w.batchDelay)
	}
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	pending := w.pending
	semantic := w.semantic
	w.pending = make(map[string]changeKind)
	w.semantic = make(map[string]any)
	w.flush = nil
	w.mu.Unlock()

	if len(pending) == 0 && len(semantic) == 0 {
		return
	}

	var added, modified, deleted []string
	for path, kind := range pending {
		switch kind {
		case changeAdded:
			added = append(added, path)
		case changeModified:
			modified = append(modified, path)
		case changeDeleted:
			deleted = append(deleted, path)
		}
	}

	if len(pending) > 0 {
		w.logger.Debug("file changes flushed", "added", len(added), "modified", len(modified), "deleted", len(deleted))
		w.events.EmitToTeam(w.teamID, "files:changed", map[string]any{
			"added":    added,
			"modified": modified,
			"deleted":  deleted,
		})
	}

	// Semantic signals derive from the flushed batch: however many raw
	// events a manifest rewrite produced, the window yields one event.
	for _, path := range added {
		if filepath.Base(path) == "package.json" {
			semantic["package:updated"] = map[string]any{"path": path}
			break
		}
	}
	if _, ok := semantic["package:updated"]; !ok {
		for _, path := range modified {
			if filepath.Base(path) == "package.json" {
				semantic["package:updated"] = map[string]any{"path": path}
				break
			}
		}
	}

	for event, data := range semantic {
		w.events.EmitToTeam(w.teamID, event, data)
	}
}
