package tts

import (
	"context"
	"fmt"
	"time"
)

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a backend that encodes the request as bytes.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (*Speech, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return &Speech{
		Audio:       []byte(fmt.Sprintf("[%s]%s", req.Voice, req.Text)),
		ContentType: "audio/mpeg",
	}, nil
}
