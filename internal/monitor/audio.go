package monitor

import (
	"context"
	"log"
	"time"

	"github.com/form-proctor/backend/internal/capture"
)

// AudioProbe samples the microphone's frequency-domain magnitudes on a
// fixed interval and emits normalized level samples. The probe measures;
// the aggregator decides what a "high" level means for the session.
type AudioProbe struct {
	Stream    capture.AudioStream
	Interval  time.Duration
	Threshold float64
}

func (p *AudioProbe) Name() string { return "audio" }

func (p *AudioProbe) Run(ctx context.Context, out chan<- Signal) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mags, err := p.Stream.Magnitudes()
			if err != nil {
				log.Printf("[audio] read magnitudes: %v", err)
				continue
			}
			level := meanLevel(mags)
			emit(ctx, out, Signal{
				Kind: SignalAudioLevel,
				At:   now,
				Audio: AudioLevelSample{
					At:             now,
					Level:          level,
					AboveThreshold: level > p.Threshold,
				},
			})
		}
	}
}

// meanLevel normalizes byte-valued magnitude bins to a single [0,1]
// level: mean of the bins divided by the 255 ceiling.
func meanLevel(mags []byte) float64 {
	if len(mags) == 0 {
		return 0
	}
	sum := 0
	for _, m := range mags {
		sum += int(m)
	}
	return float64(sum) / float64(len(mags)) / 255.0
}
