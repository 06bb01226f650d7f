package monitor

import (
	"context"
	"log"
	"time"

	"github.com/form-proctor/backend/internal/capture"
)

// FrameProbe captures a compressed frame from the video stream on a
// fixed interval. A tick that finds the source not yet producing frames
// is skipped outright, never queued, so a slow camera cannot build a
// backlog of stale captures.
type FrameProbe struct {
	Stream   capture.VideoStream
	Interval time.Duration
	Quality  float64
}

func (p *FrameProbe) Name() string { return "frames" }

func (p *FrameProbe) Run(ctx context.Context, out chan<- Signal) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !p.Stream.Ready() {
				continue
			}
			jpeg, err := p.Stream.CaptureJPEG(p.Quality)
			if err != nil {
				log.Printf("[frames] capture: %v", err)
				continue
			}
			if len(jpeg) == 0 {
				continue
			}
			emit(ctx, out, Signal{Kind: SignalFrame, At: now, Frame: jpeg})
		}
	}
}
