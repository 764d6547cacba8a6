package watcher

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

type emitted struct {
	channel string
	event   string
	data    any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) EmitToTeam(teamID, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{channel: "team:" + teamID, event: event, data: data})
}

func (f *fakeEmitter) EmitToAdmins(event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{channel: "admin", event: event, data: data})
}

func (f *fakeEmitter) count(channel, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.channel == channel && e.event == event {
			n++
		}
	}
	return n
}

// indexOf reports the position of the first matching event, or -1.
func (f *fakeEmitter) indexOf(channel, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.events {
		if e.channel == channel && e.event == event {
			return i
		}
	}
	return -1
}

func (f *fakeEmitter) find(channel, event string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.channel == channel && e.event == event {
			return e.data, true
		}
	}
	return nil, false
}

func (f *fakeEmitter) waitFor(t *testing.T, channel, event string, timeout time.Duration) any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if data, ok := f.find(channel, event); ok {
			return data
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s on %s never arrived", event, channel)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func changedPaths(t *testing.T, data any, group string) []string {
	t.Helper()
	m, ok := data.(map[string]any)
	if !ok {
		t.Fatalf("files:changed payload is %T", data)
	}
	paths, _ := m[group].([]string)
	return paths
}

// allChangedPaths unions one group across every flushed batch so the test
// does not depend on all changes landing in a single debounce window.
func (f *fakeEmitter) allChangedPaths(t *testing.T, channel, group string) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.channel != channel || e.event != "files:changed" {
			continue
		}
		if m, ok := e.data.(map[string]any); ok {
			if paths, ok := m[group].([]string); ok {
				out = append(out, paths...)
			}
		}
	}
	return out
}

func contains(paths []string, want string) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}
	return false
}

func TestWatcherBatchesAndGroupsChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "existing.txt"), "v1")
	writeFile(t, filepath.Join(root, "doomed.txt"), "v1")

	emitter := &fakeEmitter{}
	w, err := New("team-1", root, emitter, discardLogger(), 100*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(root, "fresh.txt"), "hello")
	writeFile(t, filepath.Join(root, "existing.txt"), "v2")
	if err := os.Remove(filepath.Join(root, "doomed.txt")); err != nil {
		t.Fatal(err)
	}
	// Ignored by pattern, must not surface.
	writeFile(t, filepath.Join(root, "debug.log"), "noise")

	emitter.waitFor(t, "team:team-1", "files:changed", 3*time.Second)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		added := emitter.allChangedPaths(t, "team:team-1", "added")
		modified := emitter.allChangedPaths(t, "team:team-1", "modified")
		deleted := emitter.allChangedPaths(t, "team:team-1", "deleted")
		if contains(added, "fresh.txt") && contains(modified, "existing.txt") && contains(deleted, "doomed.txt") {
			for _, group := range []string{"added", "modified", "deleted"} {
				if contains(emitter.allChangedPaths(t, "team:team-1", group), "debug.log") {
					t.Fatalf("ignored file leaked into %s", group)
				}
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected changes never flushed: added=%v modified=%v deleted=%v",
		emitter.allChangedPaths(t, "team:team-1", "added"),
		emitter.allChangedPaths(t, "team:team-1", "modified"),
		emitter.allChangedPaths(t, "team:team-1", "deleted"))
}

func TestWatcherEmitsSemanticBuildSignals(t *testing.T) {
	root := t.TempDir()
	emitter := &fakeEmitter{}
	w, err := New("team-1", root, emitter, discardLogger(), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.Mkdir(filepath.Join(root, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	emitter.waitFor(t, "team:team-1", "build:dependencies-installed", 3*time.Second)

	if err := os.Mkdir(filepath.Join(root, "dist"), 0o755); err != nil {
		t.Fatal(err)
	}
	emitter.waitFor(t, "team:team-1", "build:complete", 3*time.Second)
}

func TestWatcherFlagsPackageJSON(t *testing.T) {
	root := t.TempDir()
	emitter := &fakeEmitter{}
	w, err := New("team-1", root, emitter, discardLogger(), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(root, "package.json"), `{"name":"app"}`)
	emitter.waitFor(t, "team:team-1", "package:updated", 3*time.Second)
}

func TestWatcherCollapsesManifestRewritesIntoOneSignal(t *testing.T) {
	root := t.TempDir()
	emitter := &fakeEmitter{}
	w, err := New("team-1", root, emitter, discardLogger(), 300*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// Installers rewrite the manifest several times in quick succession.
	writeFile(t, filepath.Join(root, "package.json"), `{"name":"app"}`)
	writeFile(t, filepath.Join(root, "package.json"), `{"name":"app","version":"0.0.1"}`)
	writeFile(t, filepath.Join(root, "package.json"), `{"name":"app","version":"0.0.2"}`)

	// The debounce window is still open, nothing may have gone out yet.
	if n := emitter.count("team:team-1", "package:updated"); n != 0 {
		t.Fatalf("package:updated fired %d times before the window expired", n)
	}

	emitter.waitFor(t, "team:team-1", "files:changed", 3*time.Second)
	emitter.waitFor(t, "team:team-1", "package:updated", 3*time.Second)

	// One batch, one signal, emitted with the flush not before it.
	time.Sleep(400 * time.Millisecond)
	if n := emitter.count("team:team-1", "package:updated"); n != 1 {
		t.Fatalf("package:updated fired %d times, want 1", n)
	}
	batch := emitter.indexOf("team:team-1", "files:changed")
	signal := emitter.indexOf("team:team-1", "package:updated")
	if signal < batch {
		t.Fatalf("package:updated (index %d) preceded files:changed (index %d)", signal, batch)
	}
}

func TestWatcherStopFlushesPendingBatch(t *testing.T) {
	root := t.TempDir()
	emitter := &fakeEmitter{}
	// A long window guarantees the flush can only come from Stop.
	w, err := New("team-1", root, emitter, discardLogger(), 10*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(root, "late.txt"), "almost missed")

	deadline := time.Now().Add(3 * time.Second)
	for {
		w.mu.Lock()
		queued := len(w.pending) > 0
		w.mu.Unlock()
		if queued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("change never reached the pending batch")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.Stop()

	data, ok := emitter.find("team:team-1", "files:changed")
	if !ok {
		t.Fatal("pending batch was dropped on stop")
	}
	if !contains(changedPaths(t, data, "added"), "late.txt") {
		t.Fatalf("flushed batch misses the pending file: %v", data)
	}
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	emitter := &fakeEmitter{}
	w, err := New("team-1", root, emitter, discardLogger(), 100*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	sub := filepath.Join(root, "src")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a beat to register the new directory.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "main.ts"), "export {}")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := emitter.find("team:team-1", "files:changed"); ok {
			if contains(changedPaths(t, data, "added"), filepath.Join("src", "main.ts")) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("change inside new directory never reported")
}

func managerConfig() config.ArenaConfig {
	return config.ArenaConfig{
		WatcherBatchDelay:   50 * time.Millisecond,
		WatcherRestartDelay: 20 * time.Millisecond,
		WatcherMaxRestarts:  2,
	}
}

func TestManagerRestartsAfterError(t *testing.T) {
	root := t.TempDir()
	emitter := &fakeEmitter{}
	m := NewManager(emitter, discardLogger(), managerConfig())
	defer m.StopAll()

	if err := m.Watch("team-1", root); err != nil {
		t.Fatal(err)
	}
	m.handleWatchError("team-1", errors.New("inotify overflow"))

	emitter.waitFor(t, "team:team-1", "watcher:error", time.Second)
	emitter.waitFor(t, "team:team-1", "watcher:restarted", 3*time.Second)
}

func TestManagerGivesUpPastRestartBudget(t *testing.T) {
	root := t.TempDir()
	emitter := &fakeEmitter{}
	cfg := managerConfig()
	// Restarts never complete inside the test window, so each error
	// advances the failure count without a reset.
	cfg.WatcherRestartDelay = time.Minute
	m := NewManager(emitter, discardLogger(), cfg)
	defer m.StopAll()

	if err := m.Watch("team-1", root); err != nil {
		t.Fatal(err)
	}
	m.handleWatchError("team-1", errors.New("crash 1"))
	m.handleWatchError("team-1", errors.New("crash 2"))
	m.handleWatchError("team-1", errors.New("crash 3"))

	emitter.waitFor(t, "team:team-1", "watcher:failed", time.Second)
	emitter.waitFor(t, "admin", "watcher:failed", time.Second)
}

func TestManagerWatchReplacesExisting(t *testing.T) {
	emitter := &fakeEmitter{}
	m := NewManager(emitter, discardLogger(), managerConfig())
	defer m.StopAll()

	if err := m.Watch("team-1", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := m.Watch("team-1", t.TempDir()); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.watchers) != 1 {
		t.Fatalf("manager holds %d watchers, want 1", len(m.watchers))
	}
}
