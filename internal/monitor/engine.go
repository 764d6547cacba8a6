package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/docker"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/repository"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

// Runtime is the container runtime surface the engine samples and remediates
// through.
type Runtime interface {
	SampleStats(ctx context.Context, containerID string) (domain.ContainerStats, error)
	Exec(ctx context.Context, containerID, command string, timeout time.Duration) (docker.ExecResult, error)
}

// Limiter applies resource ceilings to containers.
type Limiter interface {
	UpdateResources(ctx context.Context, containerID string, limits domain.ResourceLimits) error
}

var (
	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_monitor_anomalies_total",
		Help: "Anomalies detected by the monitoring engine.",
	}, []string{"type", "severity"})

	remediationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_monitor_remediations_total",
		Help: "Remediation actions taken against persistently critical containers.",
	}, []string{"action"})
)

// killTopProcessesCommand terminates the five largest memory consumers
// inside the container, sparing the init process.
const killTopProcessesCommand = `for pid in $(ps aux --sort=-%mem | awk 'NR>1 && NR<=6 && $2 != 1 {print $2}'); do kill -9 "$pid"; done`

// Engine polls every running container on a fixed interval, classifies the
// samples, and escalates anomalies that stay critical for the configured
// persistence window. Remediation happens only on the persistent path.
type Engine struct {
	containers repository.ContainerRepository
	runtime    Runtime
	limiter    Limiter
	events     ws.Emitter
	metrics    *MetricsCache
	logger     *slog.Logger

	interval        time.Duration
	persistDuration time.Duration
	thresholds      Thresholds
	throttle        domain.ResourceLimits

	mu       sync.Mutex
	timers   map[string]*time.Timer
	critical map[string]bool
	stopped  bool

	now func() time.Time
}

// NewEngine constructs a monitoring engine.
func NewEngine(containers repository.ContainerRepository, runtime Runtime, limiter Limiter, events ws.Emitter, metrics *MetricsCache, logger *slog.Logger, cfg config.ArenaConfig) *Engine {
	throttleCPU, throttleMem := cfg.ThrottleLimits()
	if logger != nil {
		logger = logger.With("component", "monitor")
	}
	return &Engine{
		containers:      containers,
		runtime:         runtime,
		limiter:         limiter,
		events:          events,
		metrics:         metrics,
		logger:          logger,
		interval:        cfg.MonitorInterval,
		persistDuration: cfg.CriticalPersistDuration,
		thresholds:      ThresholdsFromConfig(cfg),
		throttle:        domain.ResourceLimits{CPUNanos: throttleCPU, MemoryBytes: throttleMem},
		timers:          make(map[string]*time.Timer),
		critical:        make(map[string]bool),
		now:             time.Now,
	}
}

// Run drives the poll loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("monitoring engine started", "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

// Stop cancels all armed persistence timers. Further poll results are
// ignored once stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for key, timer := range e.timers {
		timer.Stop()
		delete(e.timers, key)
	}
	e.critical = make(map[string]bool)
}

func (e *Engine) pollOnce(ctx context.Context) {
	records, err := e.containers.ListRunningContainers(ctx)
	if err != nil {
		e.logger.Error("failed to list running containers", "error", err)
		return
	}

	for _, rec := range records {
		stats, err := e.runtime.SampleStats(ctx, rec.ContainerID)
		if err != nil {
			// One unreachable container must not starve the rest of the
			// fleet of monitoring.
			e.logger.Warn("stats sample failed", "team_id", rec.TeamID, "container_id", rec.ContainerID, "error", err)
			continue
		}

		e.metrics.Store(ctx, rec.TeamID, stats)
		e.events.EmitToTeam(rec.TeamID, "container:stats", stats)

		anomalies := Detect(stats, e.thresholds)
		e.handleAnomalies(rec.TeamID, rec.ContainerID, anomalies)
	}
}

func timerKey(teamID string, kind domain.AnomalyType) string {
	return teamID + ":" + string(kind)
}

func (e *Engine) handleAnomalies(teamID, containerID string, anomalies []domain.Anomaly) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	criticalNow := make(map[domain.AnomalyType]domain.Anomaly)
	for _, a := range anomalies {
		anomaliesTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		e.events.EmitToTeam(teamID, "container:anomaly", a)
		e.events.EmitToAdmins("container:anomaly", map[string]any{
			"teamId":  teamID,
			"anomaly": a,
		})
		if a.Severity == domain.SeverityCritical {
			criticalNow[a.Type] = a
		}
	}

	for kind, anomaly := range criticalNow {
		key := timerKey(teamID, kind)
		e.critical[key] = true
		if _, armed := e.timers[key]; armed {
			continue
		}
		a := anomaly
		e.timers[key] = time.AfterFunc(e.persistDuration, func() {
			e.onPersistenceElapsed(teamID, containerID, a)
		})
		e.logger.Warn("critical anomaly, persistence timer armed",
			"team_id", teamID, "type", kind, "value", anomaly.Value, "window", e.persistDuration)
	}

	// A sample below critical disarms the timer for that dimension; the
	// window requires the condition to hold across consecutive samples.
	for _, kind := range []domain.AnomalyType{domain.AnomalyCPU, domain.AnomalyMemory} {
		if _, still := criticalNow[kind]; still {
			continue
		}
		key := timerKey(teamID, kind)
		if timer, armed := e.timers[key]; armed {
			timer.Stop()
			delete(e.timers, key)
			e.logger.Info("critical anomaly cleared", "team_id", teamID, "type", kind)
		}
		delete(e.critical, key)
	}
}

func (e *Engine) onPersistenceElapsed(teamID, containerID string, anomaly domain.Anomaly) {
	e.mu.Lock()
	key := timerKey(teamID, anomaly.Type)
	delete(e.timers, key)
	if e.stopped || !e.critical[key] {
		e.mu.Unlock()
		return
	}
	delete(e.critical, key)
	e.mu.Unlock()

	e.logger.Error("critical anomaly persisted, remediating",
		"team_id", teamID, "container_id", containerID, "type", anomaly.Type, "value", anomaly.Value)
	e.events.EmitToAdmins("container:critical-persistent", map[string]any{
		"teamId":  teamID,
		"anomaly": anomaly,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch anomaly.Type {
	case domain.AnomalyCPU:
		e.throttleContainer(ctx, teamID, containerID)
	case domain.AnomalyMemory:
		e.killTopProcesses(ctx, teamID, containerID)
	}
}

func (e *Engine) throttleContainer(ctx context.Context, teamID, containerID string) {
	if err := e.limiter.UpdateResources(ctx, containerID, e.throttle); err != nil {
		e.logger.Error("failed to throttle container", "team_id", teamID, "container_id", containerID, "error", err)
		e.events.EmitToTeam(teamID, "container:remediation-failed", map[string]any{
			"action": "throttle",
		})
		return
	}
	remediationsTotal.WithLabelValues("throttle").Inc()
	e.logger.Warn("container throttled", "team_id", teamID, "container_id", containerID, "cpu_nanos", e.throttle.CPUNanos)
	e.events.EmitToTeam(teamID, "container:throttled", map[string]any{
		"reason": "sustained critical CPU usage",
	})
	e.events.EmitToAdmins("container:throttled", map[string]any{
		"teamId":      teamID,
		"containerId": containerID,
	})
}

func (e *Engine) killTopProcesses(ctx context.Context, teamID, containerID string) {
	result, err := e.runtime.Exec(ctx, containerID, killTopProcessesCommand, 10*time.Second)
	if err != nil {
		e.logger.Error("failed to kill top memory processes", "team_id", teamID, "container_id", containerID, "error", err)
		e.events.EmitToTeam(teamID, "container:remediation-failed", map[string]any{
			"action": "kill-process",
		})
		return
	}
	remediationsTotal.WithLabelValues("kill_process").Inc()
	e.logger.Warn("top memory processes killed", "team_id", teamID, "container_id", containerID, "exit_code", result.ExitCode)
	e.events.EmitToTeam(teamID, "container:process-killed", map[string]any{
		"reason": "sustained critical memory usage",
	})
	e.events.EmitToAdmins("container:process-killed", map[string]any{
		"teamId":      teamID,
		"containerId": containerID,
	})
}
