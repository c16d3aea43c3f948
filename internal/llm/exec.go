package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	argv []string
}

type execInput struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// execLine is one JSON line written by the command.
type execLine struct {
	Content          string `json:"content"`
	Done             bool   `json:"done,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator runs command once per request. The request is written to
// stdin as JSON; the command answers with one or more JSON lines of the form
// {"content": "...", "done": false}. Content of every line is streamed in order.
func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command is empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execInput{
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}
	streamErr := g.stream(stdout, start, consumer)
	if streamErr != nil {
		// Keep the command from blocking on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm command failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("llm command failed: %w", waitErr)
	}
	return streamErr
}

func (g *execGenerator) stream(stdout io.Reader, start time.Time, consumer func(Chunk) error) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode llm command output: %w", err)
		}
		err := consumer(Chunk{
			Content:          msg.Content,
			Partial:          !msg.Done,
			PromptTokens:     msg.PromptTokens,
			CompletionTokens: msg.CompletionTokens,
			Latency:          time.Since(start),
		})
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}
