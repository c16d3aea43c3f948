package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator answers every prompt with a short deterministic completion.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	content := "[mock completion for " + firstLine(req.Prompt) + "]"
	return consumer(Chunk{
		Content: content,
		Partial: false,
		Latency: 20 * time.Millisecond,
	})
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
