package ws

import (
	"time"

	"github.com/form-proctor/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot      MessageType = "snapshot"
	MsgUpdate        MessageType = "update"
	MsgAlert         MessageType = "alert"
	MsgTerminated    MessageType = "terminated"
	MsgProctorHealth MessageType = "proctor_health"
	MsgCommand       MessageType = "command"
	MsgError         MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload and UpdatePayload both carry the full session state;
// snapshot is the periodic full resync, update follows a state change.
type SnapshotPayload struct {
	Session *session.MonitoringSession `json:"session"`
}

type UpdatePayload struct {
	Session *session.MonitoringSession `json:"session"`
}

// AlertPayload is a sub-terminal warning shown to the subject: a sound
// alert or a fullscreen warning that did not (yet) end the session.
type AlertPayload struct {
	Kind         string  `json:"kind"` // "sound" or "fullscreen"
	Message      string  `json:"message"`
	Count        int     `json:"count"`
	Max          int     `json:"max,omitempty"`
	Level        float64 `json:"level,omitempty"`
	ClearAfterMS int64   `json:"clearAfterMs,omitempty"`
}

// TerminatedPayload announces the session's terminal outcome. Sent exactly
// once per logical termination; the presentation layer navigates away on it.
type TerminatedPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason"`
}

type ProctorHealthStatus string

const (
	StatusHealthy  ProctorHealthStatus = "healthy"
	StatusDegraded ProctorHealthStatus = "degraded"
	StatusFailed   ProctorHealthStatus = "failed"
)

// ProctorHealthPayload reports the state of the link to the remote
// inference service, derived from consecutive frame-submit failures.
type ProctorHealthPayload struct {
	Status              ProctorHealthStatus `json:"status"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastError           string              `json:"lastError,omitempty"`
	Timestamp           time.Time           `json:"timestamp"`
}

// CommandPayload instructs the attached runtime client, e.g. to re-enter
// fullscreen after an exit warning.
type CommandPayload struct {
	Action string `json:"action"` // "request_fullscreen" or "exit_fullscreen"
}

// ClientMessage is what a connected runtime client may send upstream over
// the websocket: ambient events, device grant results, audio magnitude
// batches, and captured frames. Byte slices travel base64-encoded per
// encoding/json convention.
type ClientMessage struct {
	Type       string  `json:"type"`                 // "signal", "devices", "audio", "frame"
	Event      string  `json:"event,omitempty"`      // for "signal"
	Fullscreen *bool   `json:"fullscreen,omitempty"` // for fullscreen_change signals
	Camera     string  `json:"camera,omitempty"`     // "granted" or "denied"
	Microphone string  `json:"microphone,omitempty"` // "granted" or "denied"
	Magnitudes []byte  `json:"magnitudes,omitempty"`
	Frame      []byte  `json:"frame,omitempty"`
}
