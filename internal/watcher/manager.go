package watcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

// Manager supervises one Watcher per team and restarts crashed ones with a
// delay, giving up after a fixed number of consecutive failures.
type Manager struct {
	events ws.Emitter
	logger *slog.Logger

	batchDelay   time.Duration
	restartDelay time.Duration
	maxRestarts  int

	mu       sync.Mutex
	watchers map[string]*Watcher
	roots    map[string]string
	failures map[string]int
	stopped  bool
}

// NewManager constructs a watcher manager.
func NewManager(events ws.Emitter, logger *slog.Logger, cfg config.ArenaConfig) *Manager {
	if logger != nil {
		logger = logger.With("component", "watcher-manager")
	}
	return &Manager{
		events:       events,
		logger:       logger,
		batchDelay:   cfg.WatcherBatchDelay,
		restartDelay: cfg.WatcherRestartDelay,
		maxRestarts:  cfg.WatcherMaxRestarts,
		watchers:     make(map[string]*Watcher),
		roots:        make(map[string]string),
		failures:     make(map[string]int),
	}
}

// Watch starts observing a team's workspace, replacing any existing
// watcher for the team. A fresh Watch resets the failure budget.
func (m *Manager) Watch(teamID, root string) error {
	m.mu.Lock()
	if prev, ok := m.watchers[teamID]; ok {
		delete(m.watchers, teamID)
		m.mu.Unlock()
		prev.Stop()
		m.mu.Lock()
	}
	m.failures[teamID] = 0
	m.roots[teamID] = root
	m.mu.Unlock()

	return m.start(teamID, root)
}

func (m *Manager) start(teamID, root string) error {
	w, err := New(teamID, root, m.events, m.logger, m.batchDelay, func(err error) {
		m.handleWatchError(teamID, err)
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		go w.Stop()
		return nil
	}
	m.watchers[teamID] = w
	return nil
}

// handleWatchError counts a crash and schedules a delayed restart while the
// failure budget lasts; past it the watcher is torn down for good.
func (m *Manager) handleWatchError(teamID string, cause error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.failures[teamID]++
	count := m.failures[teamID]
	root := m.roots[teamID]
	w := m.watchers[teamID]
	delete(m.watchers, teamID)
	m.mu.Unlock()

	m.logger.Warn("watcher error", "team_id", teamID, "attempt", count, "error", cause)
	m.events.EmitToTeam(teamID, "watcher:error", map[string]any{"error": cause.Error()})

	if w != nil {
		w.Stop()
	}

	if count > m.maxRestarts {
		m.logger.Error("watcher exhausted restart budget", "team_id", teamID, "restarts", m.maxRestarts)
		m.events.EmitToTeam(teamID, "watcher:failed", map[string]any{"restarts": m.maxRestarts})
		m.events.EmitToAdmins("watcher:failed", map[string]any{"teamId": teamID})
		return
	}

	time.AfterFunc(m.restartDelay, func() {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		if _, replaced := m.watchers[teamID]; replaced {
			// A fresh Watch arrived while we were waiting.
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.start(teamID, root); err != nil {
			m.handleWatchError(teamID, err)
			return
		}
		m.logger.Info("watcher restarted", "team_id", teamID, "attempt", count)
		m.events.EmitToTeam(teamID, "watcher:restarted", map[string]any{"attempt": count})
	})
}

// Stop tears down the watcher for one team, flushing pending changes.
func (m *Manager) Stop(teamID string) {
	m.mu.Lock()
	w, ok := m.watchers[teamID]
	delete(m.watchers, teamID)
	delete(m.roots, teamID)
	delete(m.failures, teamID)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// StopAll tears down every watcher. The manager accepts no new watches
// afterwards.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.stopped = true
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}
