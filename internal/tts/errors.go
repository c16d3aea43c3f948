package tts

import "errors"

var (
	// ErrEmptyText is returned when attempting to synthesize empty text.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrTextTooLong is returned when text exceeds the per-call input limit.
	ErrTextTooLong = errors.New("text exceeds maximum length")

	// ErrUnsupportedVoice is returned when the requested voice is not configured.
	ErrUnsupportedVoice = errors.New("unsupported voice")

	// ErrNoAudio is returned when every chunk of a narration failed.
	ErrNoAudio = errors.New("no audio produced")
)
