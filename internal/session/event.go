package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventStarted    EventType = iota // session created and active
	EventUpdate                      // counters or proctor state changed
	EventTerminated                  // session reached its terminal state
)

// Event carries a session state snapshot to observers. State is a clone
// and safe to retain.
type Event struct {
	Type  EventType
	State *MonitoringSession
}
