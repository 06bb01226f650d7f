// Package bridge adapts a connected websocket client into the capture
// interfaces. The browser owns the real camera, microphone, and
// fullscreen element; it streams grant results, audio magnitudes, frames,
// and runtime events up the socket, and the bridge presents them to the
// monitor as local devices.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/form-proctor/backend/internal/capture"
	"github.com/form-proctor/backend/internal/ws"
)

// grant values reported by the client for a device request.
const (
	grantGranted = "granted"
	grantDenied  = "denied"
)

// Bridge implements capture.MediaDevices, capture.Runtime, and
// ws.Inbound over a single attached runtime client.
type Bridge struct {
	broadcaster *ws.Broadcaster

	// staleAfter bounds how old the latest frame may be for the video
	// stream to count as producing.
	staleAfter time.Duration

	mu         sync.Mutex
	camera     string // "", grantGranted, or grantDenied
	microphone string
	grantCh    chan struct{} // closed and replaced on each grant update
	magnitudes []byte
	frame      []byte
	frameAt    time.Time
	fullscreen bool

	handlers    map[capture.RuntimeEvent]map[int]func()
	nextHandler int
}

func New(broadcaster *ws.Broadcaster, staleAfter time.Duration) *Bridge {
	return &Bridge{
		broadcaster: broadcaster,
		staleAfter:  staleAfter,
		grantCh:     make(chan struct{}),
		handlers:    make(map[capture.RuntimeEvent]map[int]func()),
	}
}

// HandleClientMessage ingests one upstream message from the runtime
// client. Event handlers run outside the bridge lock; they feed probe
// channels and must not be able to deadlock against a concurrent ingest.
func (b *Bridge) HandleClientMessage(msg ws.ClientMessage) {
	switch msg.Type {
	case "signal":
		b.handleSignal(msg)
	case "devices":
		b.mu.Lock()
		if msg.Camera != "" {
			b.camera = msg.Camera
		}
		if msg.Microphone != "" {
			b.microphone = msg.Microphone
		}
		close(b.grantCh)
		b.grantCh = make(chan struct{})
		b.mu.Unlock()
	case "audio":
		b.mu.Lock()
		b.magnitudes = append(b.magnitudes[:0], msg.Magnitudes...)
		b.mu.Unlock()
	case "frame":
		if len(msg.Frame) == 0 {
			return
		}
		b.mu.Lock()
		b.frame = append(b.frame[:0], msg.Frame...)
		b.frameAt = time.Now()
		b.mu.Unlock()
	}
}

func (b *Bridge) handleSignal(msg ws.ClientMessage) {
	var event capture.RuntimeEvent
	switch msg.Event {
	case string(capture.EventVisibilityHidden):
		event = capture.EventVisibilityHidden
	case string(capture.EventWindowBlur):
		event = capture.EventWindowBlur
	case string(capture.EventFullscreenChange):
		event = capture.EventFullscreenChange
		if msg.Fullscreen != nil {
			b.mu.Lock()
			b.fullscreen = *msg.Fullscreen
			b.mu.Unlock()
		}
	default:
		return
	}
	b.dispatch(event)
}

func (b *Bridge) dispatch(event capture.RuntimeEvent) {
	b.mu.Lock()
	hs := make([]func(), 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

// AcquireVideo asks the attached client for camera access and waits for
// the grant result. The command goes to every connected client; only the
// runtime client acts on it.
func (b *Bridge) AcquireVideo(ctx context.Context, c capture.VideoConstraints) (capture.VideoStream, error) {
	if err := b.requestDevices(ctx); err != nil {
		return nil, err
	}
	grant, err := b.waitGrant(ctx, func() string { return b.camera })
	if err != nil {
		return nil, fmt.Errorf("camera grant: %w", err)
	}
	if grant != grantGranted {
		return nil, capture.ErrPermissionDenied
	}
	return &videoStream{b: b}, nil
}

// AcquireAudio waits for the microphone grant. The device request itself
// is shared with AcquireVideo; the client reports both grants in one
// message or two.
func (b *Bridge) AcquireAudio(ctx context.Context) (capture.AudioStream, error) {
	if err := b.requestDevices(ctx); err != nil {
		return nil, err
	}
	grant, err := b.waitGrant(ctx, func() string { return b.microphone })
	if err != nil {
		return nil, fmt.Errorf("microphone grant: %w", err)
	}
	if grant != grantGranted {
		return nil, capture.ErrPermissionDenied
	}
	return &audioStream{b: b}, nil
}

func (b *Bridge) requestDevices(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !b.broadcaster.SendCommand("acquire_devices") {
		return capture.ErrUnavailable
	}
	return nil
}

// waitGrant blocks until get() reports a grant decision or ctx expires.
// get reads a bridge field and runs under the lock.
func (b *Bridge) waitGrant(ctx context.Context, get func() string) (string, error) {
	for {
		b.mu.Lock()
		v := get()
		ch := b.grantCh
		b.mu.Unlock()
		if v != "" {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ch:
		}
	}
}

// Subscribe registers a handler for a runtime event. The returned cancel
// detaches it; cancelling twice is harmless.
func (b *Bridge) Subscribe(event capture.RuntimeEvent, handler func()) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]func())
	}
	id := b.nextHandler
	b.nextHandler++
	b.handlers[event][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

func (b *Bridge) IsFullscreen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fullscreen
}

func (b *Bridge) RequestFullscreen() bool {
	return b.broadcaster.SendCommand("request_fullscreen")
}

func (b *Bridge) ExitFullscreen() {
	b.broadcaster.SendCommand("exit_fullscreen")
}

// videoStream exposes the latest client-captured frame. Compression
// happens client-side at the configured quality; the quality argument is
// accepted for interface compatibility and the command relays it.
type videoStream struct {
	b *Bridge
}

func (v *videoStream) Ready() bool {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	return len(v.b.frame) > 0 && time.Since(v.b.frameAt) <= v.b.staleAfter
}

func (v *videoStream) CaptureJPEG(quality float64) ([]byte, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	if len(v.b.frame) == 0 {
		return nil, capture.ErrUnavailable
	}
	if time.Since(v.b.frameAt) > v.b.staleAfter {
		return nil, fmt.Errorf("bridge: last frame is %s old: %w", time.Since(v.b.frameAt).Round(time.Millisecond), capture.ErrUnavailable)
	}
	out := make([]byte, len(v.b.frame))
	copy(out, v.b.frame)
	return out, nil
}

func (v *videoStream) Stop() {
	v.b.release("release_camera")
	v.b.mu.Lock()
	v.b.camera = ""
	v.b.frame = nil
	v.b.frameAt = time.Time{}
	v.b.mu.Unlock()
}

// audioStream exposes the latest magnitude batch. Before the first batch
// arrives it reports silence rather than an error; an acquired stream
// with no data yet is quiet, not broken.
type audioStream struct {
	b *Bridge
}

func (a *audioStream) Magnitudes() ([]byte, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	out := make([]byte, len(a.b.magnitudes))
	copy(out, a.b.magnitudes)
	return out, nil
}

func (a *audioStream) Stop() {
	a.b.release("release_microphone")
	a.b.mu.Lock()
	a.b.microphone = ""
	a.b.magnitudes = nil
	a.b.mu.Unlock()
}

func (b *Bridge) release(action string) {
	// Best effort: a client that already disconnected has nothing to
	// release.
	b.broadcaster.SendCommand(action)
}
