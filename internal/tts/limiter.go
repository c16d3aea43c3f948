package tts

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type limitedSynth struct {
	limiter *rate.Limiter
	synth   Synthesizer
}

// NewLimited allows at most perMinute calls per minute through to synth.
func NewLimited(synth Synthesizer, perMinute int) Synthesizer {
	if perMinute <= 0 {
		return synth
	}
	return &limitedSynth{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		synth:   synth,
	}
}

func (l *limitedSynth) Synthesize(ctx context.Context, req Request) (*Speech, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.synth.Synthesize(ctx, req)
}
