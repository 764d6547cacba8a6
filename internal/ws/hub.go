package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Emitter publishes structured events to team and admin channels.
// All delivery is best-effort with no acknowledgement.
type Emitter interface {
	EmitToTeam(teamID, event string, data any)
	EmitToAdmins(event string, data any)
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send(payload []byte) error
	Close()
}

// AdminChannel is the channel operators subscribe to for alerts.
const AdminChannel = "admin"

// TeamChannel names the event channel for one team.
func TeamChannel(teamID string) string {
	return "team:" + teamID
}

// envelope is the wire form of every pushed event.
type envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans event envelopes out to subscribers grouped by channel name.
// Nobody blocks on a slow peer: a failed send drops the subscriber.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	channels map[string]map[Subscriber]struct{}
	closed   bool
}

var _ Emitter = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log.With("component", "ws"),
		now:      time.Now,
		channels: make(map[string]map[Subscriber]struct{}),
	}
}

// Subscribe adds a client to a channel. No-op once the hub is closed.
func (h *Hub) Subscribe(channel string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[Subscriber]struct{})
	}
	h.channels[channel][sub] = struct{}{}
}

// Unsubscribe removes a client from a channel.
func (h *Hub) Unsubscribe(channel string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// EmitToTeam pushes an event envelope to one team's channel.
func (h *Hub) EmitToTeam(teamID, event string, data any) {
	h.publish(TeamChannel(teamID), event, data)
}

// EmitToAdmins pushes an event envelope to the admin channel.
func (h *Hub) EmitToAdmins(event string, data any) {
	h.publish(AdminChannel, event, data)
}

func (h *Hub) publish(channel, event string, data any) {
	payload, err := json.Marshal(envelope{Event: event, Data: data, Timestamp: h.now().UnixMilli()})
	if err != nil {
		h.log.Warn("dropping unserializable event", "channel", channel, "event", event, "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.channels[channel]))
	for sub := range h.channels[channel] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Send(payload); err != nil {
			h.Unsubscribe(channel, sub)
			sub.Close()
		}
	}
}

// Close drops every subscriber and rejects further subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.channels {
		for sub := range subs {
			sub.Close()
		}
	}
	h.channels = make(map[string]map[Subscriber]struct{})
}
