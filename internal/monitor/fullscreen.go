package monitor

import (
	"context"
	"time"

	"github.com/form-proctor/backend/internal/capture"
)

// FullscreenProbe watches fullscreen state through two redundant paths:
// the runtime's change notification and a fixed-interval poll. Change
// events can be swallowed by some environments and the poll alone reacts
// up to a full interval late, so both stay wired and feed the same
// downstream counter.
type FullscreenProbe struct {
	Runtime      capture.Runtime
	PollInterval time.Duration
}

func (p *FullscreenProbe) Name() string { return "fullscreen" }

func (p *FullscreenProbe) Run(ctx context.Context, out chan<- Signal) {
	cancel := p.Runtime.Subscribe(capture.EventFullscreenChange, func() {
		emit(ctx, out, Signal{
			Kind:       SignalFullscreen,
			At:         time.Now(),
			Fullscreen: p.Runtime.IsFullscreen(),
		})
	})
	defer cancel()

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// The poll only reports exits. Re-entry is reported by the
			// change event; polling "still fullscreen" every tick would
			// just be noise.
			if !p.Runtime.IsFullscreen() {
				emit(ctx, out, Signal{Kind: SignalFullscreen, At: now, Fullscreen: false})
			}
		}
	}
}
