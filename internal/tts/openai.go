package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openAIMaxInput is the documented input limit of the speech endpoint.
const openAIMaxInput = 4096

type openAISynth struct {
	client openai.Client
	model  string
}

type speechParams struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// NewOpenAISynth calls an OpenAI-compatible /audio/speech endpoint.
func NewOpenAISynth(endpoint, apiKey, model string) Synthesizer {
	var opts []option.RequestOption
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = "tts-1"
	}
	return &openAISynth{client: openai.NewClient(opts...), model: model}
}

func (s *openAISynth) Synthesize(ctx context.Context, req Request) (*Speech, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}
	if utf8.RuneCountInString(req.Text) > openAIMaxInput {
		return nil, ErrTextTooLong
	}
	params := speechParams{
		Model:          s.model,
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: "mp3",
	}
	var resp *http.Response
	if err := s.client.Post(ctx, "audio/speech", params, &resp); err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &Speech{Audio: audio, ContentType: contentType}, nil
}
