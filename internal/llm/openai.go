package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openAIGenerator struct {
	completions openai.ChatCompletionService
	model       string
}

// NewOpenAIGenerator streams chat completions from an OpenAI-compatible endpoint.
func NewOpenAIGenerator(endpoint, apiKey, model string) Generator {
	var opts []option.RequestOption
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIGenerator{
		completions: openai.NewChatCompletionService(opts...),
		model:       model,
	}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	params := openai.ChatCompletionNewParams{
		Model: g.model,
	}
	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	params.Messages = append(params.Messages, openai.UserMessage(req.Prompt))
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	start := time.Now()
	stream := g.completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		out := Chunk{
			Partial:          true,
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			Latency:          time.Since(start),
		}
		if len(chunk.Choices) > 0 {
			out.Content = chunk.Choices[0].Delta.Content
			out.Partial = chunk.Choices[0].FinishReason == ""
		}
		if err := consumer(out); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai chat completion: %w", err)
	}
	return nil
}
