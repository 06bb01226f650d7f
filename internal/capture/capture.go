// Package capture defines the contracts the monitoring engine requires
// from the runtime that actually owns the devices (a browser bridge in
// production, simulated devices in mock mode and tests). The engine never
// touches a device directly; it acquires streams through these interfaces
// and releases them on every exit path.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the subject refused device access.
	ErrPermissionDenied = errors.New("capture: permission denied")
	// ErrUnsupported means the runtime has no such device capability.
	ErrUnsupported = errors.New("capture: unsupported device")
	// ErrUnavailable means no runtime is currently attached.
	ErrUnavailable = errors.New("capture: runtime unavailable")
)

// VideoConstraints mirrors the acquisition hints passed to the runtime.
type VideoConstraints struct {
	Width  int
	Height int
}

// VideoStream is an acquired camera stream. Ready reports whether the
// source is currently producing frames; CaptureJPEG grabs the latest
// frame compressed at the given quality. Stop is idempotent.
type VideoStream interface {
	Ready() bool
	CaptureJPEG(quality float64) ([]byte, error)
	Stop()
}

// AudioStream is an acquired microphone stream with an analysis tap.
// Magnitudes returns the current frequency-domain magnitude bins, each
// in [0,255]. Stop is idempotent.
type AudioStream interface {
	Magnitudes() ([]byte, error)
	Stop()
}

// MediaDevices acquires device streams. Acquisition is fallible and may
// block on the subject granting permission, so both calls take a context.
type MediaDevices interface {
	AcquireVideo(ctx context.Context, c VideoConstraints) (VideoStream, error)
	AcquireAudio(ctx context.Context) (AudioStream, error)
}

// RuntimeEvent identifies a document/window-level notification.
type RuntimeEvent string

const (
	EventVisibilityHidden RuntimeEvent = "visibility_hidden"
	EventWindowBlur       RuntimeEvent = "window_blur"
	EventFullscreenChange RuntimeEvent = "fullscreen_change"
)

// Runtime abstracts the hosting environment's ambient notifications and
// fullscreen control. Subscriptions are explicit so their lifetime is
// owned by the controller, not by global listeners: the returned cancel
// func detaches the handler.
type Runtime interface {
	Subscribe(event RuntimeEvent, handler func()) (cancel func())
	IsFullscreen() bool
	RequestFullscreen() bool
	ExitFullscreen()
}
