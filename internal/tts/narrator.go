package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ProgressFunc is called after each chunk with the number of chunks attempted so far.
type ProgressFunc func(done, total int)

// Narrator turns an ordered chunk sequence into one audio buffer.
//
// Chunks are synthesized strictly in order. A chunk that fails is logged and
// skipped; PaddingBytes zero bytes separate consecutive produced parts.
type Narrator struct {
	synth    Synthesizer
	padding  int
	maxInput int
	logger   *slog.Logger
	failures metric.Int64Counter
}

func NewNarrator(synth Synthesizer, paddingBytes, maxInput int, logger *slog.Logger) *Narrator {
	failures, err := otel.Meter("github.com/loqalabs/lectern/tts").Int64Counter(
		"lectern.audio.chunk_failures",
		metric.WithDescription("Chunks skipped after a synthesis failure"),
	)
	if err != nil {
		logger.Warn("failed to create chunk failure counter", slogError(err))
	}
	if paddingBytes < 0 {
		paddingBytes = 0
	}
	return &Narrator{
		synth:    synth,
		padding:  paddingBytes,
		maxInput: maxInput,
		logger:   logger.With(slog.String("component", "narrator")),
		failures: failures,
	}
}

// Narrate synthesizes chunks with voice. It fails only when the context is done
// or when no chunk produced audio.
func (n *Narrator) Narrate(ctx context.Context, chunks []string, voice string, progress ProgressFunc) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	var (
		out      []byte
		produced int
		lastErr  error
	)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		speech, err := n.synthesize(ctx, chunk, voice)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("synthesize chunk %d: %w", i+1, ctxErr)
			}
			lastErr = fmt.Errorf("synthesize chunk %d: %w", i+1, err)
			n.logger.Warn("skipping chunk after synthesis failure",
				slog.Int("chunk", i+1),
				slog.Int("total", len(chunks)),
				slogError(err))
			if n.failures != nil {
				n.failures.Add(ctx, 1)
			}
		} else if len(speech.Audio) > 0 {
			if produced > 0 && n.padding > 0 {
				out = append(out, make([]byte, n.padding)...)
			}
			out = append(out, speech.Audio...)
			produced++
		}
		if progress != nil {
			progress(i+1, len(chunks))
		}
	}
	if produced == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoAudio, lastErr)
		}
		return nil, ErrNoAudio
	}
	return out, nil
}

func (n *Narrator) synthesize(ctx context.Context, text, voice string) (*Speech, error) {
	if n.maxInput > 0 && utf8.RuneCountInString(text) > n.maxInput {
		return nil, ErrTextTooLong
	}
	speech, err := n.synth.Synthesize(ctx, Request{Text: text, Voice: voice})
	if err != nil {
		return nil, err
	}
	if speech == nil {
		return nil, errors.New("backend returned no speech")
	}
	return speech, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
