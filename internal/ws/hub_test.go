package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	closes   int
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeSubscriber) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func TestEmitWrapsEventEnvelope(t *testing.T) {
	h := NewHub(nil)
	h.now = func() time.Time { return time.UnixMilli(1700000000000) }

	sub := &fakeSubscriber{}
	h.Subscribe(TeamChannel("team-1"), sub)

	h.EmitToTeam("team-1", "container:stats", map[string]int{"cpu": 42})

	if sub.received() != 1 {
		t.Fatalf("subscriber got %d payloads, want 1", sub.received())
	}
	var env envelope
	if err := json.Unmarshal(sub.payloads[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != "container:stats" {
		t.Errorf("event = %q, want container:stats", env.Event)
	}
	if env.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d, want fixed clock value", env.Timestamp)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["cpu"] != float64(42) {
		t.Errorf("data = %#v, want cpu 42", env.Data)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	h := NewHub(nil)
	team := &fakeSubscriber{}
	other := &fakeSubscriber{}
	admin := &fakeSubscriber{}
	h.Subscribe(TeamChannel("team-1"), team)
	h.Subscribe(TeamChannel("team-2"), other)
	h.Subscribe(AdminChannel, admin)

	h.EmitToTeam("team-1", "build:queued", nil)
	h.EmitToAdmins("proctor:threshold-breach", nil)

	if team.received() != 1 {
		t.Errorf("team-1 got %d events, want 1", team.received())
	}
	if other.received() != 0 {
		t.Errorf("team-2 got %d events, want 0", other.received())
	}
	if admin.received() != 1 {
		t.Errorf("admin got %d events, want 1", admin.received())
	}
}

func TestFailedSendDropsSubscriber(t *testing.T) {
	h := NewHub(nil)
	dead := &fakeSubscriber{sendErr: errors.New("broken pipe")}
	alive := &fakeSubscriber{}
	h.Subscribe(TeamChannel("team-1"), dead)
	h.Subscribe(TeamChannel("team-1"), alive)

	h.EmitToTeam("team-1", "files:changed", nil)
	h.EmitToTeam("team-1", "files:changed", nil)

	if dead.closes != 1 {
		t.Errorf("dead subscriber closed %d times, want 1", dead.closes)
	}
	if alive.received() != 2 {
		t.Errorf("healthy subscriber got %d events, want 2", alive.received())
	}
}

func TestCloseDropsEverything(t *testing.T) {
	h := NewHub(nil)
	sub := &fakeSubscriber{}
	h.Subscribe(AdminChannel, sub)

	h.Close()
	if sub.closes != 1 {
		t.Fatalf("subscriber closed %d times, want 1", sub.closes)
	}

	late := &fakeSubscriber{}
	h.Subscribe(AdminChannel, late)
	h.EmitToAdmins("container:anomaly", nil)
	if late.received() != 0 {
		t.Fatal("closed hub still delivers events")
	}
}
