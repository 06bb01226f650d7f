package monitor

import (
	"time"

	"github.com/form-proctor/backend/internal/proctor"
	"github.com/form-proctor/backend/internal/session"
)

// User-facing violation messages. These exact strings reach the subject,
// so they are fixed here rather than assembled ad hoc.
const (
	MsgTabSwitchTerminated  = "Excessive tab switching detected. Your test session has been terminated."
	MsgNoiseTerminated      = "Excessive background noise detected. Your test session has been terminated."
	MsgFullscreenTerminated = "Test must be taken in full screen mode. Your session has been terminated."
	MsgIntegrityCompromised = "EXAM INTEGRITY COMPROMISED"
)

// Notifier receives the aggregator's sub-terminal effects. The aggregator
// itself never touches devices or the network; it asks the notifier for
// fullscreen re-entry and surfaces warnings through it.
type Notifier interface {
	// SoundAlert fires on each rising-edge noise detection.
	SoundAlert(count int, level float64)
	// SoundAlertCleared fires when the one-shot alert display expires.
	SoundAlertCleared()
	// FullscreenWarning fires on each sub-terminal fullscreen exit.
	FullscreenWarning(count, max int)
	// RequestFullscreen asks the runtime layer to re-enter fullscreen.
	RequestFullscreen()
}

// Aggregator is the sole owner of escalation policy: it turns raw signals
// and remote frame results into counter increments and, eventually, the
// session's terminal transition. It mutates only the session it is given
// and holds no locks; the caller serializes all invocations.
type Aggregator struct {
	sess     *session.MonitoringSession
	notifier Notifier

	soundThreshold float64
	alertDuration  time.Duration

	// alertUntil is the deadline of the currently displayed sound alert;
	// zero when no alert is showing.
	alertUntil time.Time
}

func NewAggregator(sess *session.MonitoringSession, notifier Notifier, soundThreshold float64, alertDuration time.Duration) *Aggregator {
	return &Aggregator{
		sess:           sess,
		notifier:       notifier,
		soundThreshold: soundThreshold,
		alertDuration:  alertDuration,
	}
}

// OnTabHidden handles a document-hidden transition.
func (a *Aggregator) OnTabHidden(at time.Time) {
	a.bumpTabSwitch(at)
}

// OnWindowBlur handles a window focus loss. Blur and hidden feed the same
// counter: a tab switch that raises both counts twice. That sensitivity
// is inherited behavior, kept until product says otherwise.
func (a *Aggregator) OnWindowBlur(at time.Time) {
	a.bumpTabSwitch(at)
}

func (a *Aggregator) bumpTabSwitch(at time.Time) {
	if !a.sess.IsActive() {
		return
	}
	a.sess.Counters.TabSwitches++
	if a.sess.Counters.TabSwitches > a.sess.Thresholds.MaxTabSwitches {
		a.sess.Terminate(MsgTabSwitchTerminated, at)
	}
}

// OnAudioSample merges one sound measurement. A hysteresis latch makes
// sure a single sustained noise counts once: the alert fires only on the
// rising edge, and the latch re-arms only after the level falls back to
// or below the threshold.
func (a *Aggregator) OnAudioSample(s AudioLevelSample) {
	if !a.sess.IsActive() {
		return
	}
	a.sess.SoundLevel = s.Level

	if !a.alertUntil.IsZero() && !s.At.Before(a.alertUntil) {
		a.alertUntil = time.Time{}
		a.notifier.SoundAlertCleared()
	}

	switch {
	case s.Level > a.soundThreshold && !a.sess.HighSound:
		a.sess.HighSound = true
		a.sess.Counters.SoundAlerts++
		a.alertUntil = s.At.Add(a.alertDuration)
		a.notifier.SoundAlert(a.sess.Counters.SoundAlerts, s.Level)
		if a.sess.Counters.SoundAlerts > a.sess.Thresholds.MaxSoundAlerts {
			a.sess.Terminate(MsgNoiseTerminated, s.At)
		}
	case s.Level <= a.soundThreshold && a.sess.HighSound:
		a.sess.HighSound = false
	}
}

// OnFullscreenChange records the observed fullscreen state. Exits count
// as warnings regardless of which path (change event or poll) observed
// them; below the limit each exit triggers a re-entry attempt plus a
// warning, at the limit the session terminates.
func (a *Aggregator) OnFullscreenChange(fullscreen bool, at time.Time) {
	if !a.sess.IsActive() {
		return
	}
	a.sess.Fullscreen = fullscreen
	if fullscreen {
		return
	}

	a.sess.Counters.FullscreenWarnings++
	if a.sess.Counters.FullscreenWarnings >= a.sess.Thresholds.MaxFullscreenWarnings {
		a.sess.Terminate(MsgFullscreenTerminated, at)
		return
	}
	a.notifier.RequestFullscreen()
	a.notifier.FullscreenWarning(a.sess.Counters.FullscreenWarnings, a.sess.Thresholds.MaxFullscreenWarnings)
}

// OnFrameResult merges a remote inference result into the session's
// proctor state. Every field is last-value-wins except ViolationDetected:
// the first true is terminal on the spot, no threshold, no reset.
func (a *Aggregator) OnFrameResult(r *proctor.FrameResult, at time.Time) {
	if !a.sess.IsActive() {
		return
	}
	p := &a.sess.Proctor
	if r.FaceDetected != nil {
		p.FaceDetected = *r.FaceDetected
	}
	if r.LookingAtScreen != nil {
		p.LookingAtScreen = *r.LookingAtScreen
	}
	if r.LookDirection != nil {
		p.LookDirection = *r.LookDirection
	}
	if r.EyesClosed != nil {
		p.EyesClosed = *r.EyesClosed
	}
	if r.BlinkDuration != nil {
		p.BlinkDuration = *r.BlinkDuration
	}
	if r.LongBlinkCount != nil {
		p.LongBlinkCount = *r.LongBlinkCount
	}
	if r.HeadPose != nil {
		p.HeadPose = *r.HeadPose
	}
	if r.EAR != nil {
		p.EAR = *r.EAR
	}
	if r.Warnings != nil {
		p.Warnings = *r.Warnings
	}
	if r.MaxWarnings != nil {
		p.MaxWarnings = *r.MaxWarnings
	}
	if r.ViolationDetected != nil && *r.ViolationDetected && !p.ViolationDetected {
		p.ViolationDetected = true
		a.sess.Terminate(MsgIntegrityCompromised, at)
	}
}

// Terminate ends the session with the given message. Idempotent: the
// first termination wins and later calls change nothing.
func (a *Aggregator) Terminate(message string, at time.Time) bool {
	return a.sess.Terminate(message, at)
}

// SoundAlertShowing reports whether the one-shot sound alert is still
// within its display window at the given instant.
func (a *Aggregator) SoundAlertShowing(at time.Time) bool {
	return !a.alertUntil.IsZero() && at.Before(a.alertUntil)
}
