package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/form-proctor/backend/internal/capture"
	"github.com/form-proctor/backend/internal/config"
	"github.com/form-proctor/backend/internal/proctor"
	"github.com/form-proctor/backend/internal/session"
	"github.com/form-proctor/backend/internal/ws"
)

// ErrAlreadyRunning is returned by Start when a session is in progress.
var ErrAlreadyRunning = errors.New("monitor: a session is already running")

// errStoppedDuringStart marks a Start that lost the race against Stop.
var errStoppedDuringStart = errors.New("monitor: session stopped during start")

// FormProvider supplies the displayable form reference attached to a new
// session. Implemented by the quiz backend client; nil when no form
// service is configured.
type FormProvider interface {
	CreateForm(ctx context.Context) (string, error)
}

// Monitor orchestrates one monitoring session at a time: it acquires the
// capture resources, starts the remote proctor session, runs the signal
// probes, and feeds everything into the violation aggregator. All session
// mutations funnel through a single consumer loop, so the aggregator
// never sees interleaved updates.
type Monitor struct {
	cfg         *config.Config
	store       *session.Store
	broadcaster *ws.Broadcaster
	devices     capture.MediaDevices
	runtime     capture.Runtime
	proctor     *proctor.Client
	forms       FormProvider
	events      chan<- session.Event

	mu              sync.Mutex
	running         bool
	sess            *session.MonitoringSession
	agg             *Aggregator
	cancel          context.CancelFunc
	video           capture.VideoStream
	audio           capture.AudioStream
	endProctor      bool // proctor session opened; owe a best-effort end call
	terminationSent bool
	health          *linkHealth

	eventsDropped   int64
	eventsDropLogAt time.Time
}

func NewMonitor(cfg *config.Config, store *session.Store, broadcaster *ws.Broadcaster, devices capture.MediaDevices, runtime capture.Runtime, proctorClient *proctor.Client) *Monitor {
	return &Monitor{
		cfg:         cfg,
		store:       store,
		broadcaster: broadcaster,
		devices:     devices,
		runtime:     runtime,
		proctor:     proctorClient,
		health:      newLinkHealth(),
	}
}

// SetFormProvider configures the form service used to fetch the session's
// form URL at start. Pass nil to start sessions without a form reference.
func (m *Monitor) SetFormProvider(p FormProvider) {
	m.forms = p
}

// SetEvents configures a channel for session lifecycle events. Sends are
// non-blocking; a slow consumer drops events rather than stalling the
// controller. Pass nil to disable.
func (m *Monitor) SetEvents(ch chan<- session.Event) {
	m.events = ch
}

// Start acquires all capture resources, opens the remote proctor session,
// and begins monitoring. Acquisition is all-or-nothing: any failure
// releases whatever this attempt already holds before the error is
// returned, so a failed Start leaves nothing running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	abort := func(err error) error {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	formURL := ""
	if m.forms != nil {
		u, err := m.forms.CreateForm(ctx)
		if err != nil {
			return abort(fmt.Errorf("fetch form: %w", err))
		}
		formURL = u
	}

	video, err := m.devices.AcquireVideo(ctx, capture.VideoConstraints{Width: 640, Height: 480})
	if err != nil {
		return abort(fmt.Errorf("camera: %w", err))
	}
	audio, err := m.devices.AcquireAudio(ctx)
	if err != nil {
		video.Stop()
		return abort(fmt.Errorf("microphone: %w", err))
	}

	if !m.runtime.RequestFullscreen() {
		// Not fatal: the fullscreen probe will start issuing warnings,
		// which is the defined escalation path.
		log.Printf("[monitor] fullscreen request not honored")
	}

	if err := m.proctor.StartSession(ctx); err != nil {
		video.Stop()
		audio.Stop()
		m.runtime.ExitFullscreen()
		return abort(err)
	}

	maxTabs, maxSound, maxFullscreen := m.cfg.Thresholds()
	sess := session.New(uuid.NewString(), session.Thresholds{
		MaxTabSwitches:        maxTabs,
		MaxSoundAlerts:        maxSound,
		MaxFullscreenWarnings: maxFullscreen,
	}, time.Now())
	sess.FormURL = formURL
	sess.Fullscreen = m.runtime.IsFullscreen()

	sessCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if !m.running {
		// Stop was called while this start was still acquiring.
		m.mu.Unlock()
		cancel()
		video.Stop()
		audio.Stop()
		m.runtime.ExitFullscreen()
		endCtx, cancelEnd := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.proctor.EndSession(endCtx); err != nil {
			log.Printf("[monitor] end session: %v", err)
		}
		cancelEnd()
		return errStoppedDuringStart
	}
	m.sess = sess
	m.agg = NewAggregator(sess, &notifier{m: m}, m.cfg.Monitor.SoundThreshold, m.cfg.Monitor.AlertDuration)
	m.cancel = cancel
	m.video = video
	m.audio = audio
	m.endProctor = true
	m.terminationSent = false
	m.health = newLinkHealth()
	m.publishLocked(sess.Clone())
	m.mu.Unlock()

	m.emitEvent(session.EventStarted, sess.Clone())
	log.Printf("[monitor] session %s started", sess.ID)

	signals := make(chan Signal, 64)
	probes := []Probe{
		&VisibilityProbe{Runtime: m.runtime},
		&FocusProbe{Runtime: m.runtime},
		&FullscreenProbe{Runtime: m.runtime, PollInterval: m.cfg.Monitor.FullscreenCheckInterval},
		&AudioProbe{Stream: audio, Interval: m.cfg.Monitor.SoundCheckInterval, Threshold: m.cfg.Monitor.SoundThreshold},
		&FrameProbe{Stream: video, Interval: m.cfg.Monitor.FrameInterval, Quality: m.cfg.Monitor.FrameJPEGQuality},
	}
	for _, p := range probes {
		go p.Run(sessCtx, signals)
	}
	go m.loop(sessCtx, signals)

	return nil
}

// Stop tears the session down: probes cancelled, devices released,
// fullscreen exited, remote session ended best-effort. Idempotent, and
// safe to call concurrently with an in-flight Start. The end-session
// call and the termination broadcast each happen at most once per
// started session.
func (m *Monitor) Stop(reason string) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, video, audio := m.cancel, m.video, m.audio
	m.cancel, m.video, m.audio = nil, nil, nil
	endProctor := m.endProctor
	m.endProctor = false
	sess := m.sess

	var snap *session.MonitoringSession
	announce := false
	if sess != nil {
		sess.Terminate("", time.Now()) // no-op when a violation already terminated it
		if !m.terminationSent {
			m.terminationSent = true
			announce = true
		}
		snap = sess.Clone()
		m.publishLocked(snap)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if video != nil {
		video.Stop()
	}
	if audio != nil {
		audio.Stop()
	}
	m.runtime.ExitFullscreen()

	if endProctor {
		endCtx, cancelEnd := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.proctor.EndSession(endCtx); err != nil {
			log.Printf("[monitor] end session: %v", err)
		}
		cancelEnd()
	}

	if announce && snap != nil {
		m.broadcaster.Terminated(ws.TerminatedPayload{
			SessionID: snap.ID,
			Message:   snap.Violation.Message,
			Reason:    reason,
		})
		m.emitEvent(session.EventTerminated, snap)
	}
	log.Printf("[monitor] session stopped (reason=%s)", reason)
}

// Running reports whether a session is currently being monitored.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, signals <-chan Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			m.handle(ctx, sig)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, sig Signal) {
	if sig.Kind == SignalFrame {
		m.handleFrame(ctx, sig)
		return
	}

	m.mu.Lock()
	sess, agg := m.sess, m.agg
	if sess == nil || agg == nil {
		m.mu.Unlock()
		return
	}
	before := sess.Counters

	switch sig.Kind {
	case SignalTabHidden:
		agg.OnTabHidden(sig.At)
	case SignalWindowBlur:
		agg.OnWindowBlur(sig.At)
	case SignalFullscreen:
		agg.OnFullscreenChange(sig.Fullscreen, sig.At)
	case SignalAudioLevel:
		agg.OnAudioSample(sig.Audio)
	}

	m.finishMutationLocked(sess, before != sess.Counters)
}

// handleFrame submits a captured frame to the inference service and
// merges the result. The submit runs without the monitor lock so that
// Stop never waits on a network round trip; a result that lands after
// teardown is discarded, never mutating a torn-down session.
func (m *Monitor) handleFrame(ctx context.Context, sig Signal) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || !sess.IsActive() {
		m.mu.Unlock()
		return
	}
	health := m.health
	m.mu.Unlock()

	result, err := m.proctor.SubmitFrame(ctx, sig.Frame)
	if err != nil {
		if ctx.Err() != nil {
			return // torn down mid-flight
		}
		log.Printf("[monitor] frame submit: %v", err)
		health.recordFailure(err)
		m.maybeEmitHealth(health)
		return
	}
	health.recordSuccess()
	m.maybeEmitHealth(health)

	m.mu.Lock()
	if m.sess != sess || !sess.IsActive() {
		m.mu.Unlock()
		return
	}
	before := sess.Proctor
	m.agg.OnFrameResult(result, time.Now())
	m.finishMutationLocked(sess, before != sess.Proctor)
}

// finishMutationLocked publishes the post-mutation snapshot and, on the
// session's first terminal observation, fires the termination side
// effects. Called with m.mu held; always unlocks.
func (m *Monitor) finishMutationLocked(sess *session.MonitoringSession, changed bool) {
	terminal := sess.IsTerminated() && !m.terminationSent
	if terminal {
		m.terminationSent = true
	}
	snap := sess.Clone()
	m.publishLocked(snap)
	m.mu.Unlock()

	if changed && !terminal {
		m.emitEvent(session.EventUpdate, snap)
	}
	if terminal {
		log.Printf("[monitor] session %s terminated: %s", snap.ID, snap.Violation.Message)
		m.broadcaster.Terminated(ws.TerminatedPayload{
			SessionID: snap.ID,
			Message:   snap.Violation.Message,
			Reason:    "violation",
		})
		m.emitEvent(session.EventTerminated, snap)
		// Stop takes m.mu; run it off this call stack.
		go m.Stop("violation")
	}
}

// publishLocked commits a snapshot to the store and queues the broadcast
// under the store lock, so readers and websocket clients observe state
// changes in the same order. Caller holds m.mu.
func (m *Monitor) publishLocked(snap *session.MonitoringSession) {
	m.store.SetAndNotify(snap, func() {
		m.broadcaster.QueueUpdate(snap)
	})
}

func (m *Monitor) maybeEmitHealth(h *linkHealth) {
	status, failures, lastErr, changed := h.snapshotAndEmit(m.cfg.Monitor.HealthWarningThreshold)
	if !changed {
		return
	}
	m.broadcaster.ProctorHealth(ws.ProctorHealthPayload{
		Status:              status,
		ConsecutiveFailures: failures,
		LastError:           lastErr,
		Timestamp:           time.Now(),
	})
	log.Printf("[monitor] proctor link %s (failures=%d)", status, failures)
}

// emitEvent sends a lifecycle event to the configured channel without
// blocking. Drops are counted and logged at most once per 10 seconds.
func (m *Monitor) emitEvent(evType session.EventType, snap *session.MonitoringSession) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- session.Event{Type: evType, State: snap}:
	default:
		m.mu.Lock()
		m.eventsDropped++
		now := time.Now()
		if m.eventsDropLogAt.IsZero() || now.Sub(m.eventsDropLogAt) >= 10*time.Second {
			log.Printf("session events dropped: %d (channel full)", m.eventsDropped)
			m.eventsDropped = 0
			m.eventsDropLogAt = now
		}
		m.mu.Unlock()
	}
}

// notifier bridges the aggregator's sub-terminal effects to the outside
// world: websocket alerts and fullscreen re-entry.
type notifier struct {
	m *Monitor
}

func (n *notifier) SoundAlert(count int, level float64) {
	n.m.broadcaster.Alert(ws.AlertPayload{
		Kind:         "sound",
		Message:      "High sound level detected. Please reduce background noise.",
		Count:        count,
		Level:        level,
		ClearAfterMS: n.m.cfg.Monitor.AlertDuration.Milliseconds(),
	})
}

func (n *notifier) SoundAlertCleared() {
	n.m.broadcaster.Alert(ws.AlertPayload{Kind: "sound_cleared"})
}

func (n *notifier) FullscreenWarning(count, max int) {
	n.m.broadcaster.Alert(ws.AlertPayload{
		Kind:    "fullscreen",
		Message: fmt.Sprintf("Please stay in full screen mode. Warning %d/%d", count, max),
		Count:   count,
		Max:     max,
	})
}

func (n *notifier) RequestFullscreen() {
	n.m.runtime.RequestFullscreen()
}
