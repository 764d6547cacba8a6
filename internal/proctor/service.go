package proctor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	redis "github.com/redis/go-redis/v9"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

// Proctoring event types reported by contestant browsers.
const (
	EventTabSwitch          = "TAB_SWITCH"
	EventDevtoolsOpen       = "DEVTOOLS_OPEN"
	EventClipboardCopy      = "CLIPBOARD_COPY"
	EventClipboardPaste     = "CLIPBOARD_PASTE"
	EventFullscreenExit     = "FULLSCREEN_EXIT"
	EventFocusLoss          = "FOCUS_LOSS"
	EventSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
)

// thresholds is the per-user count at which an event type escalates to an
// admin alert. Zero-tolerance events alert on the first occurrence.
var thresholds = map[string]int64{
	EventTabSwitch:          3,
	EventDevtoolsOpen:       1,
	EventClipboardCopy:      3,
	EventClipboardPaste:     3,
	EventFullscreenExit:     3,
	EventFocusLoss:          8,
	EventSuspiciousActivity: 1,
}

var severities = map[string]string{
	EventTabSwitch:          "MEDIUM",
	EventDevtoolsOpen:       "HIGH",
	EventClipboardCopy:      "MEDIUM",
	EventClipboardPaste:     "MEDIUM",
	EventFullscreenExit:     "MEDIUM",
	EventFocusLoss:          "LOW",
	EventSuspiciousActivity: "HIGH",
}

var violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arena_proctor_violations_total",
	Help: "Proctoring violations recorded, by event type.",
}, []string{"event_type"})

// ThresholdFor returns the alert threshold for an event type.
func ThresholdFor(eventType string) (int64, bool) {
	t, ok := thresholds[eventType]
	return t, ok
}

// Breached reports whether a count has reached the event type's threshold.
func Breached(eventType string, count int64) bool {
	t, ok := thresholds[eventType]
	return ok && count >= t
}

// Violation is one recorded proctoring event with its running count.
type Violation struct {
	TeamID    string `json:"team_id"`
	UserID    string `json:"user_id"`
	EventType string `json:"event_type"`
	Severity  string `json:"severity"`
	Count     int64  `json:"count"`
	Breached  bool   `json:"breached"`
}

// Service tracks proctoring violation counts in Redis with a rolling TTL
// covering a contest session, and alerts admins once per user and event
// type when a threshold is crossed.
type Service struct {
	rdb    *redis.Client
	events ws.Emitter
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewService constructs a proctoring service.
func NewService(rdb *redis.Client, events ws.Emitter, logger *slog.Logger, cfg config.ArenaConfig) *Service {
	ttl := cfg.ViolationTTL
	if ttl <= 0 {
		ttl = 5 * time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "proctor")
	}
	return &Service{rdb: rdb, events: events, logger: logger, ttl: ttl, now: time.Now}
}

func userCountKey(teamID, userID, eventType string) string {
	return "violations:" + teamID + ":" + userID + ":" + eventType
}

func teamCountKey(teamID, eventType string) string {
	return "violations:team:" + teamID + ":" + eventType
}

func breachKey(teamID, userID, eventType string) string {
	return "violations:breach:" + teamID + ":" + userID + ":" + eventType
}

// RecordEvent increments the violation counters for one event and returns
// the updated violation. The first count of a key starts its session TTL.
func (s *Service) RecordEvent(ctx context.Context, teamID, userID, eventType string) (Violation, error) {
	if _, ok := thresholds[eventType]; !ok {
		return Violation{}, fmt.Errorf("unknown proctoring event type %q", eventType)
	}

	key := userCountKey(teamID, userID, eventType)
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Violation{}, fmt.Errorf("bump violation counter: %w", err)
	}
	if count == 1 {
		s.rdb.Expire(ctx, key, s.ttl)
	}

	teamKey := teamCountKey(teamID, eventType)
	if teamCount, err := s.rdb.Incr(ctx, teamKey).Result(); err == nil && teamCount == 1 {
		s.rdb.Expire(ctx, teamKey, s.ttl)
	}

	violationsTotal.WithLabelValues(eventType).Inc()
	v := Violation{
		TeamID:    teamID,
		UserID:    userID,
		EventType: eventType,
		Severity:  severities[eventType],
		Count:     count,
		Breached:  Breached(eventType, count),
	}
	s.logger.Info("proctoring event recorded",
		"team_id", teamID, "user_id", userID, "event_type", eventType, "count", count)

	if v.Breached {
		s.alertOnce(ctx, v)
	}
	return v, nil
}

// alertOnce raises the admin alert the first time a user crosses a
// threshold for an event type; repeat crossings stay silent.
func (s *Service) alertOnce(ctx context.Context, v Violation) {
	first, err := s.rdb.SetNX(ctx, breachKey(v.TeamID, v.UserID, v.EventType), "1", s.ttl).Result()
	if err != nil {
		s.logger.Error("failed to mark threshold breach", "team_id", v.TeamID, "user_id", v.UserID, "error", err)
		return
	}
	if !first {
		return
	}
	s.logger.Warn("proctoring threshold breached",
		"team_id", v.TeamID, "user_id", v.UserID, "event_type", v.EventType, "count", v.Count, "severity", v.Severity)
	s.events.EmitToAdmins("proctor:threshold-breach", v)
}

// UserViolations returns the current counts for one user across all event
// types, skipping types the user never triggered.
func (s *Service) UserViolations(ctx context.Context, teamID, userID string) ([]Violation, error) {
	var out []Violation
	for eventType := range thresholds {
		count, err := s.rdb.Get(ctx, userCountKey(teamID, userID, eventType)).Int64()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("load violation counter: %w", err)
		}
		out = append(out, Violation{
			TeamID:    teamID,
			UserID:    userID,
			EventType: eventType,
			Severity:  severities[eventType],
			Count:     count,
			Breached:  Breached(eventType, count),
		})
	}
	return out, nil
}
