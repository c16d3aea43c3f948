package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/lectern/internal/config"
)

// FromConfig builds the configured backend, wrapped in a rate limiter when one is set.
func FromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	var synth Synthesizer
	switch cfg.Mode {
	case "", "mock":
		synth = NewMockSynth(10 * time.Millisecond)
	case "exec":
		s, err := NewExecSynth(cfg.Command)
		if err != nil {
			return nil, err
		}
		synth = s
	case "openai":
		synth = NewOpenAISynth(cfg.Endpoint, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	return NewLimited(synth, cfg.RequestsPerMinute), nil
}
