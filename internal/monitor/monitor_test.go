package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/form-proctor/backend/internal/capture"
	"github.com/form-proctor/backend/internal/config"
	"github.com/form-proctor/backend/internal/mock"
	"github.com/form-proctor/backend/internal/proctor"
	"github.com/form-proctor/backend/internal/session"
	"github.com/form-proctor/backend/internal/ws"
)

type fakeVideo struct {
	mu    sync.Mutex
	stops int
}

func (v *fakeVideo) Ready() bool { return true }

func (v *fakeVideo) CaptureJPEG(quality float64) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}, nil
}

func (v *fakeVideo) Stop() {
	v.mu.Lock()
	v.stops++
	v.mu.Unlock()
}

func (v *fakeVideo) stopCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops
}

type fakeAudio struct {
	mu    sync.Mutex
	stops int
}

func (a *fakeAudio) Magnitudes() ([]byte, error) {
	return make([]byte, 16), nil // silence
}

func (a *fakeAudio) Stop() {
	a.mu.Lock()
	a.stops++
	a.mu.Unlock()
}

func (a *fakeAudio) stopCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops
}

type fakeDevices struct {
	denyCamera bool
	denyMic    bool
	video      *fakeVideo
	audio      *fakeAudio
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{video: &fakeVideo{}, audio: &fakeAudio{}}
}

func (d *fakeDevices) AcquireVideo(ctx context.Context, c capture.VideoConstraints) (capture.VideoStream, error) {
	if d.denyCamera {
		return nil, capture.ErrPermissionDenied
	}
	return d.video, nil
}

func (d *fakeDevices) AcquireAudio(ctx context.Context) (capture.AudioStream, error) {
	if d.denyMic {
		return nil, capture.ErrPermissionDenied
	}
	return d.audio, nil
}

// proctorStub is a scripted stand-in for the inference service that
// counts calls per endpoint.
type proctorStub struct {
	mu           sync.Mutex
	starts       int
	frames       int
	ends         int
	failStart    bool
	violateAfter int // frame N and later report a violation; 0 = never

	srv *httptest.Server
}

func newProctorStub() *proctorStub {
	p := &proctorStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/start-exam", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.starts++
		fail := p.failStart
		p.mu.Unlock()
		if fail {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "exam started"})
	})
	mux.HandleFunc("/process-frame", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.frames++
		violated := p.violateAfter > 0 && p.frames >= p.violateAfter
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"face_detected":      true,
			"looking_at_screen":  true,
			"violation_detected": violated,
		})
	})
	mux.HandleFunc("/end-exam", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.ends++
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "exam ended"})
	})
	p.srv = httptest.NewServer(mux)
	return p
}

func (p *proctorStub) counts() (starts, frames, ends int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.frames, p.ends
}

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.MonitorConfig{
			MaxTabSwitches:          10,
			MaxSoundAlerts:          30,
			MaxFullscreenWarnings:   3,
			SoundThreshold:          0.3,
			SoundCheckInterval:      10 * time.Millisecond,
			FrameInterval:           10 * time.Millisecond,
			FullscreenCheckInterval: time.Hour,
			AlertDuration:           3 * time.Second,
			FrameJPEGQuality:        0.7,
			HealthWarningThreshold:  3,
			BroadcastThrottle:       10 * time.Millisecond,
			SnapshotInterval:        time.Hour,
		},
	}
}

type testRig struct {
	mon     *Monitor
	store   *session.Store
	devices *fakeDevices
	runtime *mock.Runtime
	stub    *proctorStub
	events  chan session.Event
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	stub := newProctorStub()
	t.Cleanup(stub.srv.Close)

	cfg := testConfig()
	store := session.NewStore()
	broadcaster := ws.NewBroadcaster(store, cfg.Monitor.BroadcastThrottle, cfg.Monitor.SnapshotInterval)
	devices := newFakeDevices()
	runtime := mock.NewRuntime()

	mon := NewMonitor(cfg, store, broadcaster, devices, runtime,
		proctor.NewClient(stub.srv.URL, time.Second))
	events := make(chan session.Event, 256)
	mon.SetEvents(events)

	t.Cleanup(func() { mon.Stop("test cleanup") })
	return &testRig{mon: mon, store: store, devices: devices, runtime: runtime, stub: stub, events: events}
}

func (r *testRig) waitTerminated(t *testing.T) *session.MonitoringSession {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Type == session.EventTerminated {
				return ev.State
			}
		case <-deadline:
			t.Fatal("no termination event observed")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartDeniedCameraRollsBack(t *testing.T) {
	rig := newTestRig(t)
	rig.devices.denyCamera = true

	err := rig.mon.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start error = %v, want permission denied", err)
	}
	if rig.mon.Running() {
		t.Error("monitor running after failed start")
	}
	if starts, _, _ := rig.stub.counts(); starts != 0 {
		t.Errorf("proctor session opened on a failed start (%d calls)", starts)
	}
}

func TestStartDeniedMicrophoneReleasesCamera(t *testing.T) {
	rig := newTestRig(t)
	rig.devices.denyMic = true

	err := rig.mon.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start error = %v, want permission denied", err)
	}
	if rig.devices.video.stopCount() != 1 {
		t.Errorf("camera stop count = %d, want 1", rig.devices.video.stopCount())
	}
}

func TestStartProctorFailureReleasesDevices(t *testing.T) {
	rig := newTestRig(t)
	rig.stub.failStart = true

	err := rig.mon.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded against a failing proctor")
	}
	if rig.devices.video.stopCount() != 1 || rig.devices.audio.stopCount() != 1 {
		t.Errorf("stop counts = video %d, audio %d, want 1 each",
			rig.devices.video.stopCount(), rig.devices.audio.stopCount())
	}
	if rig.mon.Running() {
		t.Error("monitor running after failed start")
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.mon.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rig.mon.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.mon.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rig.mon.Stop("manual")
	rig.mon.Stop("manual")

	if rig.devices.video.stopCount() != 1 || rig.devices.audio.stopCount() != 1 {
		t.Errorf("stop counts = video %d, audio %d, want 1 each",
			rig.devices.video.stopCount(), rig.devices.audio.stopCount())
	}
	if _, _, ends := rig.stub.counts(); ends != 1 {
		t.Errorf("end-exam calls = %d, want exactly 1", ends)
	}

	state, ok := rig.store.Current()
	if !ok || !state.IsTerminated() {
		t.Error("stored session not terminated after stop")
	}
	if state.Violation.Active {
		t.Errorf("manual stop recorded a violation: %q", state.Violation.Message)
	}
}

func TestTabSwitchFloodTerminatesSession(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.mon.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Let the probes attach their subscriptions before firing events.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 11; i++ {
		rig.runtime.Trigger(capture.EventVisibilityHidden)
	}

	state := rig.waitTerminated(t)
	if state.Violation.Message != MsgTabSwitchTerminated {
		t.Errorf("violation message = %q, want %q", state.Violation.Message, MsgTabSwitchTerminated)
	}
	waitFor(t, "monitor to stop", func() bool { return !rig.mon.Running() })
	waitFor(t, "end-exam", func() bool { _, _, ends := rig.stub.counts(); return ends == 1 })
}

func TestViolationFrameTerminatesAndStopsSubmitting(t *testing.T) {
	rig := newTestRig(t)
	rig.stub.violateAfter = 5

	if err := rig.mon.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	state := rig.waitTerminated(t)
	if state.Violation.Message != MsgIntegrityCompromised {
		t.Errorf("violation message = %q, want %q", state.Violation.Message, MsgIntegrityCompromised)
	}
	if !state.Proctor.ViolationDetected {
		t.Error("ViolationDetected not recorded on the terminal state")
	}

	waitFor(t, "monitor to stop", func() bool { return !rig.mon.Running() })
	_, framesAtStop, _ := rig.stub.counts()
	time.Sleep(100 * time.Millisecond)
	_, framesLater, _ := rig.stub.counts()
	if framesLater > framesAtStop+1 {
		t.Errorf("frames kept flowing after termination: %d -> %d", framesAtStop, framesLater)
	}
	if _, _, ends := rig.stub.counts(); ends != 1 {
		t.Errorf("end-exam calls = %d, want exactly 1", ends)
	}
}

func TestStartedEventCarriesActiveSession(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.mon.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-rig.events:
		if ev.Type != session.EventStarted {
			t.Fatalf("first event = %v, want started", ev.Type)
		}
		if !ev.State.IsActive() || ev.State.ID == "" {
			t.Errorf("started event state = %+v", ev.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no started event")
	}
}
