package monitor

import (
	"context"
	"time"
)

// SignalKind identifies the raw monitoring signals the probes produce.
type SignalKind int

const (
	SignalTabHidden  SignalKind = iota // document became hidden
	SignalWindowBlur                   // window lost focus
	SignalFullscreen                   // fullscreen state observed (event or poll)
	SignalAudioLevel                   // periodic ambient sound sample
	SignalFrame                        // captured video frame ready for submission
)

var signalNames = map[SignalKind]string{
	SignalTabHidden:  "tab_hidden",
	SignalWindowBlur: "window_blur",
	SignalFullscreen: "fullscreen",
	SignalAudioLevel: "audio_level",
	SignalFrame:      "frame",
}

func (k SignalKind) String() string {
	if s, ok := signalNames[k]; ok {
		return s
	}
	return "unknown"
}

// AudioLevelSample is one ambient sound measurement. Level is the mean
// frequency magnitude normalized to [0,1]. Only the most recent sample
// matters; samples are never queued or replayed.
type AudioLevelSample struct {
	At             time.Time
	Level          float64
	AboveThreshold bool
}

// Signal is a single typed event flowing from a probe to the controller
// loop. Exactly one payload field is meaningful per kind.
type Signal struct {
	Kind       SignalKind
	At         time.Time
	Audio      AudioLevelSample // SignalAudioLevel
	Frame      []byte           // SignalFrame
	Fullscreen bool             // SignalFullscreen: current state
}

// Probe is an independent producer of monitoring signals. Probes carry
// no decision logic: they observe one source (a device stream, a runtime
// notification, a timer) and emit typed signals on out until ctx is
// cancelled. Run blocks for the probe's lifetime.
type Probe interface {
	Name() string
	Run(ctx context.Context, out chan<- Signal)
}

// emit delivers a signal unless the session context is already gone.
// Probes must never outlive teardown, so a blocked send is abandoned the
// moment ctx is cancelled.
func emit(ctx context.Context, out chan<- Signal, sig Signal) {
	select {
	case out <- sig:
	case <-ctx.Done():
	}
}
