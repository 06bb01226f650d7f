package monitor

import (
	"context"
	"time"

	"github.com/form-proctor/backend/internal/capture"
)

// VisibilityProbe emits one SignalTabHidden per hidden transition of the
// document. The runtime fires its notification once per transition, not
// continuously, so no debouncing happens here.
type VisibilityProbe struct {
	Runtime capture.Runtime
}

func (p *VisibilityProbe) Name() string { return "visibility" }

func (p *VisibilityProbe) Run(ctx context.Context, out chan<- Signal) {
	cancel := p.Runtime.Subscribe(capture.EventVisibilityHidden, func() {
		emit(ctx, out, Signal{Kind: SignalTabHidden, At: time.Now()})
	})
	defer cancel()
	<-ctx.Done()
}

// FocusProbe emits one SignalWindowBlur per window blur. On many
// platforms a tab switch raises both blur and visibility-hidden; both
// probes stay wired and both feed the same counter downstream.
type FocusProbe struct {
	Runtime capture.Runtime
}

func (p *FocusProbe) Name() string { return "focus" }

func (p *FocusProbe) Run(ctx context.Context, out chan<- Signal) {
	cancel := p.Runtime.Subscribe(capture.EventWindowBlur, func() {
		emit(ctx, out, Signal{Kind: SignalWindowBlur, At: time.Now()})
	})
	defer cancel()
	<-ctx.Done()
}
