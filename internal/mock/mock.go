// Package mock provides simulated devices, a simulated runtime, and a
// stand-in inference service, so the full monitoring pipeline can run
// without a browser client or the Python proctor backend. Used by the
// -mock flag and by tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/form-proctor/backend/internal/capture"
)

// Devices implements capture.MediaDevices with synthetic streams. The
// Deny fields make the corresponding acquisition fail with a permission
// error, for exercising the rollback paths.
type Devices struct {
	DenyCamera     bool
	DenyMicrophone bool

	mu    sync.Mutex
	audio *audioSim
}

func NewDevices() *Devices {
	return &Devices{}
}

func (d *Devices) AcquireVideo(ctx context.Context, c capture.VideoConstraints) (capture.VideoStream, error) {
	if d.DenyCamera {
		return nil, capture.ErrPermissionDenied
	}
	return &videoSim{}, nil
}

func (d *Devices) AcquireAudio(ctx context.Context) (capture.AudioStream, error) {
	if d.DenyMicrophone {
		return nil, capture.ErrPermissionDenied
	}
	a := &audioSim{baseline: 0.05}
	d.mu.Lock()
	d.audio = a
	d.mu.Unlock()
	return a, nil
}

// NoiseBurst raises the simulated sound level above baseline for the
// given duration. No-op when no audio stream is acquired.
func (d *Devices) NoiseBurst(level float64, duration time.Duration) {
	d.mu.Lock()
	a := d.audio
	d.mu.Unlock()
	if a == nil {
		return
	}
	a.burst(level, duration)
}

// videoSim produces small synthetic JPEG-framed payloads. The content
// only needs to be plausible bytes for the wire; the mock proctor server
// never decodes them.
type videoSim struct {
	mu      sync.Mutex
	stopped bool
	seq     byte
}

func (v *videoSim) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.stopped
}

func (v *videoSim) CaptureJPEG(quality float64) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return nil, capture.ErrUnavailable
	}
	v.seq++
	frame := make([]byte, 0, 64)
	frame = append(frame, 0xFF, 0xD8, 0xFF, 0xE0) // SOI + APP0
	for i := 0; i < 56; i++ {
		frame = append(frame, v.seq+byte(i))
	}
	frame = append(frame, 0xFF, 0xD9) // EOI
	return frame, nil
}

func (v *videoSim) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
}

// audioSim reports magnitude bins around a quiet baseline, with
// triggerable bursts.
type audioSim struct {
	mu         sync.Mutex
	stopped    bool
	baseline   float64
	burstLevel float64
	burstUntil time.Time
}

func (a *audioSim) Magnitudes() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil, capture.ErrUnavailable
	}
	level := a.baseline
	if time.Now().Before(a.burstUntil) {
		level = a.burstLevel
	}
	bins := make([]byte, 32)
	for i := range bins {
		jitter := (rand.Float64() - 0.5) * 0.02
		v := math.Max(0, math.Min(1, level+jitter))
		bins[i] = byte(v * 255)
	}
	return bins, nil
}

func (a *audioSim) burst(level float64, duration time.Duration) {
	a.mu.Lock()
	a.burstLevel = level
	a.burstUntil = time.Now().Add(duration)
	a.mu.Unlock()
}

func (a *audioSim) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

// Runtime implements capture.Runtime with triggerable events, standing
// in for the browser document and window.
type Runtime struct {
	mu         sync.Mutex
	fullscreen bool
	handlers   map[capture.RuntimeEvent]map[int]func()
	nextID     int
}

func NewRuntime() *Runtime {
	return &Runtime{handlers: make(map[capture.RuntimeEvent]map[int]func())}
}

func (r *Runtime) Subscribe(event capture.RuntimeEvent, handler func()) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[int]func())
	}
	id := r.nextID
	r.nextID++
	r.handlers[event][id] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers[event], id)
	}
}

func (r *Runtime) IsFullscreen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullscreen
}

func (r *Runtime) RequestFullscreen() bool {
	r.SetFullscreen(true)
	return true
}

func (r *Runtime) ExitFullscreen() {
	r.SetFullscreen(false)
}

// SetFullscreen changes the simulated fullscreen state and fires the
// change event on a transition.
func (r *Runtime) SetFullscreen(v bool) {
	r.mu.Lock()
	changed := r.fullscreen != v
	r.fullscreen = v
	r.mu.Unlock()
	if changed {
		r.Trigger(capture.EventFullscreenChange)
	}
}

// Trigger fires all handlers registered for the event.
func (r *Runtime) Trigger(event capture.RuntimeEvent) {
	r.mu.Lock()
	hs := make([]func(), 0, len(r.handlers[event]))
	for _, h := range r.handlers[event] {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

// Scenario periodically misbehaves: tab switches, fullscreen exits, and
// noise bursts on fixed schedules. Zero intervals disable that
// misbehavior.
type Scenario struct {
	Runtime *Runtime
	Devices *Devices

	TabSwitchEvery      time.Duration
	FullscreenExitEvery time.Duration
	NoiseBurstEvery     time.Duration
	NoiseLevel          float64
	NoiseBurstLen       time.Duration
}

func (s *Scenario) Run(ctx context.Context) {
	tick := func(d time.Duration) <-chan time.Time {
		if d <= 0 {
			return nil
		}
		t := time.NewTicker(d)
		go func() {
			<-ctx.Done()
			t.Stop()
		}()
		return t.C
	}
	tabs := tick(s.TabSwitchEvery)
	exits := tick(s.FullscreenExitEvery)
	noise := tick(s.NoiseBurstEvery)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tabs:
			s.Runtime.Trigger(capture.EventVisibilityHidden)
		case <-exits:
			s.Runtime.SetFullscreen(false)
		case <-noise:
			level := s.NoiseLevel
			if level == 0 {
				level = 0.6
			}
			burstLen := s.NoiseBurstLen
			if burstLen == 0 {
				burstLen = 500 * time.Millisecond
			}
			s.Devices.NoiseBurst(level, burstLen)
		}
	}
}

// ProctorServer is an in-process stand-in for the remote inference
// service, speaking its HTTP protocol on a loopback listener.
type ProctorServer struct {
	// ViolateAfter makes frame N and later report a detected violation;
	// zero means never.
	ViolateAfter int

	mu     sync.Mutex
	frames int
	srv    *http.Server
	url    string
}

// Start binds a loopback port and begins serving. The returned base URL
// is what the proctor client should be pointed at.
func (p *ProctorServer) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("mock proctor listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/start-exam", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.frames = 0
		p.mu.Unlock()
		writeJSON(w, map[string]string{"status": "exam started"})
	})
	mux.HandleFunc("/process-frame", p.handleFrame)
	mux.HandleFunc("/end-exam", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "exam ended"})
	})

	p.srv = &http.Server{Handler: mux}
	p.url = "http://" + ln.Addr().String()
	go p.srv.Serve(ln)
	return p.url, nil
}

func (p *ProctorServer) handleFrame(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.frames++
	n := p.frames
	p.mu.Unlock()

	violated := p.ViolateAfter > 0 && n >= p.ViolateAfter
	looking := !violated && n%7 != 0 // glance away every seventh frame
	writeJSON(w, map[string]any{
		"face_detected":      true,
		"looking_at_screen":  looking,
		"look_direction":     "center",
		"eyes_closed":        false,
		"blink_duration":     0.0,
		"long_blink_count":   0,
		"head_pose":          []float64{0, 0, 0},
		"ear":                0.31,
		"warnings":           0,
		"max_warnings":       3,
		"violation_detected": violated,
	})
}

func (p *ProctorServer) Stop(ctx context.Context) error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
