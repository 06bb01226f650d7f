package session

import (
	"encoding/json"
	"testing"
	"time"
)

func testThresholds() Thresholds {
	return Thresholds{MaxTabSwitches: 10, MaxSoundAlerts: 30, MaxFullscreenWarnings: 3}
}

func TestNewSessionIsActive(t *testing.T) {
	now := time.Now()
	s := New("sess-1", testThresholds(), now)

	if !s.IsActive() {
		t.Error("new session should be active")
	}
	if s.IsTerminated() {
		t.Error("new session should not be terminated")
	}
	if s.Counters != (Counters{}) {
		t.Errorf("new session counters = %+v, want zero", s.Counters)
	}
	if !s.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, now)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	s := New("sess-1", testThresholds(), time.Now())
	at := time.Now()

	if !s.Terminate("first reason", at) {
		t.Fatal("first Terminate should report a transition")
	}
	if s.Terminate("second reason", at.Add(time.Second)) {
		t.Error("second Terminate should be a no-op")
	}

	if s.Status != Terminated {
		t.Errorf("Status = %v, want Terminated", s.Status)
	}
	if s.Violation.Message != "first reason" {
		t.Errorf("Violation.Message = %q, want the first message", s.Violation.Message)
	}
	if !s.TerminatedAt.Equal(at) {
		t.Errorf("TerminatedAt = %v, want %v", s.TerminatedAt, at)
	}
}

func TestTerminateCleanEnd(t *testing.T) {
	s := New("sess-1", testThresholds(), time.Now())
	s.Terminate("", time.Now())

	if s.Status != Terminated {
		t.Errorf("Status = %v, want Terminated", s.Status)
	}
	if s.Violation.Active {
		t.Error("clean end should not mark a violation")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("sess-1", testThresholds(), time.Now())
	s.Terminate("done", time.Now())

	c := s.Clone()
	c.Counters.TabSwitches = 99
	*c.TerminatedAt = c.TerminatedAt.Add(time.Hour)

	if s.Counters.TabSwitches != 0 {
		t.Error("clone counter mutation leaked into original")
	}
	if s.TerminatedAt.Equal(*c.TerminatedAt) {
		t.Error("clone TerminatedAt shares storage with original")
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	for _, st := range []Status{Inactive, Active, Terminated} {
		data, err := json.Marshal(st)
		if err != nil {
			t.Fatalf("marshal %v: %v", st, err)
		}
		var got Status
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if got != st {
			t.Errorf("round trip %v -> %s -> %v", st, data, got)
		}
	}
}

func TestSessionJSONShape(t *testing.T) {
	s := New("sess-1", testThresholds(), time.Unix(1700000000, 0).UTC())
	s.Counters.TabSwitches = 2

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["status"] != "active" {
		t.Errorf(`status = %v, want "active"`, decoded["status"])
	}
	counters, ok := decoded["counters"].(map[string]any)
	if !ok {
		t.Fatalf("counters missing: %s", data)
	}
	if counters["tabSwitches"] != float64(2) {
		t.Errorf("tabSwitches = %v, want 2", counters["tabSwitches"])
	}
}
