package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/lectern/internal/config"
)

func TestMockComplete(t *testing.T) {
	text, err := Complete(context.Background(), NewMockGenerator(), Request{Prompt: "Outline a course\nwith details"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "[mock completion for Outline a course]" {
		t.Fatalf("unexpected completion %q", text)
	}
}

func TestMockHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Complete(ctx, NewMockGenerator(), Request{Prompt: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type silentGenerator struct{}

func (silentGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	return consumer(Chunk{Content: "  "})
}

func TestCompleteRejectsEmpty(t *testing.T) {
	if _, err := Complete(context.Background(), silentGenerator{}, Request{}); !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "llm.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return script
}

func TestExecGenerator(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\n"+
		"printf '%s\\n' '{\"content\":\"1. Basics\\n\"}'\n"+
		"printf '%s\\n' '{\"content\":\"2. Advanced\",\"done\":true,\"completion_tokens\":4}'\n")
	gen, err := NewExecGenerator("sh " + script)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	var chunks []Chunk
	err = gen.Generate(context.Background(), Request{Prompt: "outline"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(chunks) != 2 || !chunks[0].Partial || chunks[1].Partial {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if chunks[0].Content+chunks[1].Content != "1. Basics\n2. Advanced" || chunks[1].CompletionTokens != 4 {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestExecGeneratorFailure(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho 'model missing' >&2\nexit 3\n")
	gen, err := NewExecGenerator("sh " + script)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	_, err = Complete(context.Background(), gen, Request{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" world"},"done":true,"eval_count":2,"prompt_eval_count":5}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "")
	text, err := Complete(context.Background(), gen, Request{Prompt: "greet", System: "be brief", MaxTokens: 64})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != defaultOllamaModel || !got.Stream || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Content != "greet" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if got.Options["num_predict"] != float64(64) {
		t.Fatalf("expected num_predict option, got %v", got.Options)
	}
}

func TestOllamaGeneratorStreamErrors(t *testing.T) {
	tests := map[string]string{
		"error line": `{"error":"model is loading"}`,
		"cut short":  `{"message":{"role":"assistant","content":"Hel"},"done":false}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, body)
			}))
			defer srv.Close()
			if _, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{Prompt: "x"}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOllamaGeneratorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	if _, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, "missing"), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}

func TestOpenAIGeneratorStreams(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Once ", "upon"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator(srv.URL+"/", "test-key", "story-model")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := Complete(ctx, gen, Request{Prompt: "tell a story", System: "narrator"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Once upon" {
		t.Fatalf("unexpected text %q", text)
	}
	if body["model"] != "story-model" {
		t.Fatalf("unexpected model in request %v", body["model"])
	}
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %v", body["messages"])
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().LLM
	if _, err := FromConfig(cfg); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Mode = "exec"
	if _, err := FromConfig(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	cfg.Mode = "oracle"
	if _, err := FromConfig(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestRequestFromConfig(t *testing.T) {
	req := RequestFromConfig(config.LLMConfig{MaxTokens: 100, Temperature: 0.2}, "sys", "prompt")
	if req.MaxTokens != 100 || req.Temperature != 0.2 || req.System != "sys" || req.Prompt != "prompt" {
		t.Fatalf("unexpected request %+v", req)
	}
}
