package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a monitoring session. A session is
// created Active and moves to Terminated at most once; there is no way
// back. A fresh attempt always means a fresh session object.
type Status int

const (
	Inactive Status = iota
	Active
	Terminated
)

var statusNames = map[Status]string{
	Inactive:   "inactive",
	Active:     "active",
	Terminated: "terminated",
}

var statusFromName = map[string]Status{
	"inactive":   Inactive,
	"active":     Active,
	"terminated": Terminated,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// Counters accumulate per-session violation tallies. They only ever
// increase while the session is active.
type Counters struct {
	TabSwitches        int `json:"tabSwitches"`
	SoundAlerts        int `json:"soundAlerts"`
	FullscreenWarnings int `json:"fullscreenWarnings"`
}

// Thresholds are the escalation limits fixed at session creation.
type Thresholds struct {
	MaxTabSwitches        int `json:"maxTabSwitches"`
	MaxSoundAlerts        int `json:"maxSoundAlerts"`
	MaxFullscreenWarnings int `json:"maxFullscreenWarnings"`
}

// Violation records the terminal outcome, if any.
type Violation struct {
	Active  bool   `json:"active"`
	Message string `json:"message,omitempty"`
}

// ProctorState is the merged view of per-frame results from the remote
// inference service. Fields follow last-value-wins semantics except
// ViolationDetected, which is sticky: once true it stays true for the
// rest of the session.
type ProctorState struct {
	FaceDetected      bool       `json:"faceDetected"`
	LookingAtScreen   bool       `json:"lookingAtScreen"`
	LookDirection     string     `json:"lookDirection"`
	EyesClosed        bool       `json:"eyesClosed"`
	BlinkDuration     float64    `json:"blinkDuration"`
	LongBlinkCount    int        `json:"longBlinkCount"`
	HeadPose          [3]float64 `json:"headPose"`
	EAR               float64    `json:"ear"`
	Warnings          int        `json:"warnings"`
	MaxWarnings       int        `json:"maxWarnings"`
	ViolationDetected bool       `json:"violationDetected"`
}

// MonitoringSession is the single aggregate the whole engine revolves
// around. The controller owns the active instance; the aggregator mutates
// counters, violation, and status; everything else reads snapshots.
type MonitoringSession struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	FormURL      string        `json:"formUrl,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	TerminatedAt *time.Time    `json:"terminatedAt,omitempty"`
	Counters     Counters      `json:"counters"`
	Thresholds   Thresholds    `json:"thresholds"`
	Violation    Violation     `json:"violation"`
	Proctor      ProctorState  `json:"proctor"`
	SoundLevel   float64       `json:"soundLevel"`
	HighSound    bool          `json:"highSound"`
	Fullscreen   bool          `json:"fullscreen"`
}

// New creates an active session with the given thresholds. StartedAt is
// stamped by the caller's clock so tests can inject time.
func New(id string, th Thresholds, startedAt time.Time) *MonitoringSession {
	return &MonitoringSession{
		ID:         id,
		Status:     Active,
		StartedAt:  startedAt,
		Thresholds: th,
	}
}

func (s *MonitoringSession) IsActive() bool {
	return s.Status == Active
}

func (s *MonitoringSession) IsTerminated() bool {
	return s.Status == Terminated
}

// Terminate moves the session to its terminal state. The first call wins:
// repeated calls (with any message) are no-ops, so racing escalation
// paths cannot overwrite the original reason. An empty message marks a
// clean end (manual stop, teardown) rather than a violation.
func (s *MonitoringSession) Terminate(message string, at time.Time) bool {
	if s.Status == Terminated {
		return false
	}
	s.Status = Terminated
	if message != "" {
		s.Violation = Violation{Active: true, Message: message}
	}
	t := at
	s.TerminatedAt = &t
	return true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *MonitoringSession) Clone() *MonitoringSession {
	c := *s
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		c.TerminatedAt = &t
	}
	return &c
}
