package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/docker"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/repository"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

type emitted struct {
	channel string
	event   string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) EmitToTeam(teamID, event string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{channel: "team:" + teamID, event: event})
}

func (f *fakeEmitter) EmitToAdmins(event string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{channel: "admin", event: event})
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

type fakeEngineRuntime struct {
	mu       sync.Mutex
	stats    map[string]domain.ContainerStats
	statsErr map[string]error
	execs    []string
}

func (f *fakeEngineRuntime) SampleStats(_ context.Context, containerID string) (domain.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statsErr[containerID]; err != nil {
		return domain.ContainerStats{}, err
	}
	return f.stats[containerID], nil
}

func (f *fakeEngineRuntime) Exec(_ context.Context, containerID, command string, _ time.Duration) (docker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, containerID+"|"+command)
	return docker.ExecResult{ExitCode: 0}, nil
}

type fakeLimiter struct {
	mu    sync.Mutex
	calls []domain.ResourceLimits
	err   error
}

func (f *fakeLimiter) UpdateResources(_ context.Context, _ string, limits domain.ResourceLimits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, limits)
	return f.err
}

type fakeRecordLister struct {
	records []domain.ContainerRecord
}

func (f *fakeRecordLister) CreateContainerRecord(context.Context, *domain.ContainerRecord) (bool, error) {
	return false, nil
}
func (f *fakeRecordLister) GetContainerRecord(context.Context, string) (*domain.ContainerRecord, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeRecordLister) MarkContainerRunning(context.Context, string) error { return nil }
func (f *fakeRecordLister) MarkContainerStopped(context.Context, string, time.Time) error {
	return nil
}
func (f *fakeRecordLister) DeleteContainerRecord(context.Context, string) error { return nil }
func (f *fakeRecordLister) ListRunningContainers(context.Context) ([]domain.ContainerRecord, error) {
	return f.records, nil
}

func engineConfig() config.ArenaConfig {
	return config.ArenaConfig{
		MonitorInterval:         time.Second,
		CPUWarningThreshold:     80,
		CPUCriticalThreshold:    90,
		MemoryWarningThreshold:  85,
		MemoryCriticalThreshold: 95,
		CriticalPersistDuration: 40 * time.Millisecond,
		ThrottleCPU:             0.25,
		ContainerMemoryBytes:    512,
	}
}

func newEngineForTest(rt *fakeEngineRuntime, limiter *fakeLimiter, emitter *fakeEmitter, records ...domain.ContainerRecord) *Engine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(&fakeRecordLister{records: records}, rt, limiter, emitter, nil, log, engineConfig())
}

func critical(kind domain.AnomalyType) domain.Anomaly {
	return domain.Anomaly{Type: kind, Severity: domain.SeverityCritical, Value: 99, Threshold: 90}
}

func warning(kind domain.AnomalyType) domain.Anomaly {
	return domain.Anomaly{Type: kind, Severity: domain.SeverityWarning, Value: 85, Threshold: 80}
}

func TestPersistentCriticalCPUThrottles(t *testing.T) {
	rt := &fakeEngineRuntime{}
	limiter := &fakeLimiter{}
	emitter := &fakeEmitter{}
	e := newEngineForTest(rt, limiter, emitter)

	e.handleAnomalies("team-1", "cnt-1", []domain.Anomaly{critical(domain.AnomalyCPU)})
	// The condition holds on the next sample too.
	e.handleAnomalies("team-1", "cnt-1", []domain.Anomaly{critical(domain.AnomalyCPU)})

	time.Sleep(150 * time.Millisecond)

	limiter.mu.Lock()
	calls := len(limiter.calls)
	var applied domain.ResourceLimits
	if calls > 0 {
		applied = limiter.calls[0]
	}
	limiter.mu.Unlock()

	if calls != 1 {
		t.Fatalf("throttle applied %d times, want 1", calls)
	}
	if applied.CPUNanos != int64(0.25*1e9) {
		t.Errorf("throttle cpu = %d, want quarter core", applied.CPUNanos)
	}
	if emitter.count("admin", "container:critical-persistent") != 1 {
		t.Error("missing persistent escalation alert")
	}
	if emitter.count("team:team-1", "container:throttled") != 1 {
		t.Error("team was not told about the throttle")
	}
}

func TestRecoveryCancelsEscalation(t *testing.T) {
	rt := &fakeEngineRuntime{}
	limiter := &fakeLimiter{}
	emitter := &fakeEmitter{}
	e := newEngineForTest(rt, limiter, emitter)

	e.handleAnomalies("team-1", "cnt-1", []domain.Anomaly{critical(domain.AnomalyCPU)})
	// The next sample dips back to a warning before the window elapses.
	e.handleAnomalies("team-1", "cnt-1", []domain.Anomaly{warning(domain.AnomalyCPU)})

	time.Sleep(150 * time.Millisecond)

	limiter.mu.Lock()
	calls := len(limiter.calls)
	limiter.mu.Unlock()
	if calls != 0 {
		t.Fatalf("throttle applied %d times, want 0", calls)
	}
	if emitter.count("admin", "container:critical-persistent") != 0 {
		t.Error("escalation fired despite recovery")
	}
}

func TestPersistentCriticalMemoryKillsTopProcesses(t *testing.T) {
	rt := &fakeEngineRuntime{}
	limiter := &fakeLimiter{}
	emitter := &fakeEmitter{}
	e := newEngineForTest(rt, limiter, emitter)

	e.handleAnomalies("team-1", "cnt-1", []domain.Anomaly{critical(domain.AnomalyMemory)})
	e.handleAnomalies("team-1", "cnt-1", []domain.Anomaly{critical(domain.AnomalyMemory)})

	time.Sleep(150 * time.Millisecond)

	rt.mu.Lock()
	execs := append([]string(nil), rt.execs...)
	rt.mu.Unlock()
	if len(execs) != 1 {
		t.Fatalf("exec called %d times, want 1", len(execs))
	}
	cmd := execs[0]
	if !strings.Contains(cmd, "kill -9") || !strings.Contains(cmd, "--sort=-%mem") {
		t.Errorf("unexpected remediation command: %s", cmd)
	}
	// Every top consumer except init dies, not just the single heaviest.
	if !strings.Contains(cmd, "for pid in") || strings.Contains(cmd, "exit}") {
		t.Errorf("remediation must iterate the top process list: %s", cmd)
	}
	if !strings.Contains(cmd, `$2 != 1`) {
		t.Errorf("remediation must spare the init process: %s", cmd)
	}
	if emitter.count("team:team-1", "container:process-killed") != 1 {
		t.Error("team was not told about the killed process")
	}
}

func TestStopDisarmsTimers(t *testing.T) {
	rt := &fakeEngineRuntime{}
	limiter := &fakeLimiter{}
	emitter := &fakeEmitter{}
	e := newEngineForTest(rt, limiter, emitter)

	e.handleAnomalies("team-1", "cnt-1", []domain.Anomaly{critical(domain.AnomalyCPU)})
	e.Stop()

	time.Sleep(150 * time.Millisecond)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 0 {
		t.Fatalf("throttle applied after Stop")
	}
}

func TestPollOnceIsolatesFailingContainers(t *testing.T) {
	rt := &fakeEngineRuntime{
		stats: map[string]domain.ContainerStats{
			"cnt-good": {CPUPercent: 10, Memory: domain.MemoryStats{Percent: 10}},
		},
		statsErr: map[string]error{
			"cnt-bad": errors.New("stats unavailable"),
		},
	}
	limiter := &fakeLimiter{}
	emitter := &fakeEmitter{}
	e := newEngineForTest(rt, limiter, emitter,
		domain.ContainerRecord{TeamID: "team-bad", ContainerID: "cnt-bad", Status: domain.ContainerRunning},
		domain.ContainerRecord{TeamID: "team-good", ContainerID: "cnt-good", Status: domain.ContainerRunning},
	)

	e.pollOnce(context.Background())

	if emitter.count("team:team-good", "container:stats") != 1 {
		t.Fatal("healthy container was not sampled after a failing one")
	}
	if emitter.count("team:team-bad", "container:stats") != 0 {
		t.Fatal("failing container produced a stats event")
	}
}
