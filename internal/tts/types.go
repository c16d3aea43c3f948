package tts

import "context"

// Request contains parameters to synthesize speech for one chunk of text.
type Request struct {
	Text  string
	Voice string
}

// Speech is the encoded audio returned by a backend.
type Speech struct {
	Audio       []byte
	ContentType string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Speech, error)
}
