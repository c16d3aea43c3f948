package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

type ollamaGenerator struct {
	chatURL string
	model   string
	client  *http.Client
}

// NewOllamaGenerator streams chat completions from an Ollama server.
func NewOllamaGenerator(endpoint, model string) Generator {
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaGenerator{
		chatURL: strings.TrimRight(endpoint, "/") + "/api/chat",
		model:   model,
		client:  http.DefaultClient,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

// ollamaChatLine is one NDJSON line of a streamed chat response.
type ollamaChatLine struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) chatRequest(req Request) ollamaChatRequest {
	out := ollamaChatRequest{Model: g.model, Stream: true}
	if req.System != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	out.Messages = append(out.Messages, ollamaMessage{Role: "user", Content: req.Prompt})

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		out.Options = options
	}
	return out
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := json.Marshal(g.chatRequest(req))
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.chatURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama chat: status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	// Chapter bodies can arrive as very long single lines.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg ollamaChatLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode ollama chat line: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("ollama chat: %s", msg.Error)
		}
		err := consumer(Chunk{
			Content:          msg.Message.Content,
			Partial:          !msg.Done,
			PromptTokens:     msg.PromptEvalCount,
			CompletionTokens: msg.EvalCount,
			Latency:          time.Since(start),
		})
		if err != nil {
			return err
		}
		if msg.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ollama chat stream: %w", err)
	}
	return errors.New("ollama chat: stream ended before done")
}
