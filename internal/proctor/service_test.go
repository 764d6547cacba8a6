package proctor

import "testing"

func TestThresholdFor(t *testing.T) {
	cases := []struct {
		event string
		want  int64
	}{
		{EventTabSwitch, 3},
		{EventDevtoolsOpen, 1},
		{EventClipboardCopy, 3},
		{EventClipboardPaste, 3},
		{EventFullscreenExit, 3},
		{EventFocusLoss, 8},
		{EventSuspiciousActivity, 1},
	}
	for _, tc := range cases {
		got, ok := ThresholdFor(tc.event)
		if !ok {
			t.Errorf("%s: no threshold registered", tc.event)
			continue
		}
		if got != tc.want {
			t.Errorf("%s threshold = %d, want %d", tc.event, got, tc.want)
		}
	}
	if _, ok := ThresholdFor("MADE_UP"); ok {
		t.Error("unknown event type has a threshold")
	}
}

func TestBreached(t *testing.T) {
	if Breached(EventTabSwitch, 2) {
		t.Error("2 tab switches flagged as breach")
	}
	if !Breached(EventTabSwitch, 3) {
		t.Error("3 tab switches not flagged")
	}
	if !Breached(EventTabSwitch, 10) {
		t.Error("count past threshold not flagged")
	}
	// Zero-tolerance events breach on first occurrence.
	if !Breached(EventDevtoolsOpen, 1) {
		t.Error("first devtools open not flagged")
	}
	if Breached("MADE_UP", 100) {
		t.Error("unknown event type flagged")
	}
}

func TestEveryEventHasSeverity(t *testing.T) {
	for event := range thresholds {
		if severities[event] == "" {
			t.Errorf("%s has no severity", event)
		}
	}
}
