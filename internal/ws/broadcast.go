package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/form-proctor/backend/internal/session"
	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans session state and alerts out to connected websocket
// clients. State updates are coalesced under a throttle window: only the
// latest session snapshot is kept pending, since each update carries the
// full state. Alerts and termination messages bypass the throttle.
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	store          *session.Store
	throttle       time.Duration
	snapshotTicker *time.Ticker

	flushMu    sync.Mutex
	pending    *session.MonitoringSession
	flushTimer *time.Timer
}

func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		store:    store,
		throttle: throttle,
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// AddClient registers a websocket connection and immediately sends it the
// current session snapshot so it never starts from a blank state.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	sess, _ := b.store.Current()
	data, _ := json.Marshal(WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Session: sess},
	})

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueUpdate schedules a throttled state broadcast. The newest session
// snapshot replaces any still-pending one.
func (b *Broadcaster) QueueUpdate(sess *session.MonitoringSession) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending = sess

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// Alert broadcasts a sub-terminal warning immediately.
func (b *Broadcaster) Alert(payload AlertPayload) {
	b.Broadcast(WSMessage{Type: MsgAlert, Payload: payload})
}

// Terminated broadcasts the session's terminal outcome immediately.
func (b *Broadcaster) Terminated(payload TerminatedPayload) {
	b.Broadcast(WSMessage{Type: MsgTerminated, Payload: payload})
}

// ProctorHealth broadcasts an inference-link health transition.
func (b *Broadcaster) ProctorHealth(payload ProctorHealthPayload) {
	b.Broadcast(WSMessage{Type: MsgProctorHealth, Payload: payload})
}

// SendCommand instructs attached runtime clients (e.g. fullscreen
// re-entry). Returns whether any client was connected to receive it.
func (b *Broadcaster) SendCommand(action string) bool {
	b.mu.RLock()
	n := len(b.clients)
	b.mu.RUnlock()
	b.Broadcast(WSMessage{Type: MsgCommand, Payload: CommandPayload{Action: action}})
	return n > 0
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	sess := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if sess == nil {
		return
	}

	b.Broadcast(WSMessage{Type: MsgUpdate, Payload: UpdatePayload{Session: sess}})
}

func (b *Broadcaster) snapshotLoop() {
	for range b.snapshotTicker.C {
		sess, ok := b.store.Current()
		if !ok {
			continue
		}
		b.Broadcast(WSMessage{Type: MsgSnapshot, Payload: SnapshotPayload{Session: sess}})
	}
}

// Broadcast sends msg to every connected client, disconnecting clients
// whose send buffers are full.
func (b *Broadcaster) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
