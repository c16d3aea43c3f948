package course

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/llm"
)

const instrumentation = "github.com/loqalabs/lectern/course"

// ErrInvalidRequest is returned for generation requests that cannot be served.
var ErrInvalidRequest = errors.New("invalid generation request")

// Request asks for a new course or book.
type Request struct {
	Topic    string `json:"topic"`
	Type     string `json:"type"`
	Chapters int    `json:"chapters"`
	Audience string `json:"audience"`
}

// Store persists generated items.
type Store interface {
	Create(ctx context.Context, item *content.Item) error
}

type timeouts struct {
	outline time.Duration
	chapter time.Duration
	summary time.Duration
	quiz    time.Duration
}

// Service writes courses and books with a language model.
type Service struct {
	cfg      config.CourseConfig
	llmCfg   config.LLMConfig
	gen      llm.Generator
	store    Store
	markdown goldmark.Markdown
	timeouts timeouts
	logger   *slog.Logger
}

func NewService(cfg config.CourseConfig, llmCfg config.LLMConfig, gen llm.Generator, store Store, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		llmCfg:   llmCfg,
		gen:      gen,
		store:    store,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		timeouts: timeouts{
			outline: seconds(cfg.OutlineTimeoutSeconds, 30*time.Second),
			chapter: seconds(cfg.ChapterTimeoutSeconds, 30*time.Minute),
			summary: seconds(cfg.SummaryTimeoutSeconds, 30*time.Second),
			quiz:    seconds(cfg.QuizTimeoutSeconds, 60*time.Second),
		},
		logger: logger.With(slog.String("component", "course-generator")),
	}
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// Generate writes the outline, every chapter, a summary and a quiz, then
// persists the result as a new item.
func (s *Service) Generate(ctx context.Context, req Request) (*content.Item, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer(instrumentation).Start(ctx, "course.generate", trace.WithAttributes(
		attribute.String("content.type", req.Type),
		attribute.Int("course.chapters", req.Chapters),
	))
	defer span.End()

	item, err := s.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("content.id", item.ID))
	return item, nil
}

func (s *Service) generate(ctx context.Context, req Request) (*content.Item, error) {
	log := s.logger.With(slog.String("topic", req.Topic), slog.String("type", req.Type))
	start := time.Now()

	raw, err := s.complete(ctx, "outline", s.timeouts.outline, systemOutline, outlinePrompt(req))
	if err != nil {
		return nil, err
	}
	title, titles := ParseOutline(raw)
	if title == "" {
		title = req.Topic
	}
	if len(titles) == 0 {
		return nil, fmt.Errorf("outline for %q has no chapters", req.Topic)
	}
	if len(titles) > req.Chapters {
		titles = titles[:req.Chapters]
	}
	if len(titles) < req.Chapters {
		log.Warn("outline shorter than requested", slog.Int("requested", req.Chapters), slog.Int("got", len(titles)))
	}

	item := &content.Item{Type: req.Type, Title: title}
	for i, chapterTitle := range titles {
		body, err := s.complete(ctx, fmt.Sprintf("chapter %d", i+1), s.timeouts.chapter, systemChapter,
			chapterPrompt(req, title, titles, i))
		if err != nil {
			return nil, err
		}
		html, err := s.render(body)
		if err != nil {
			return nil, fmt.Errorf("render chapter %d: %w", i+1, err)
		}
		item.Chapters = append(item.Chapters, content.Chapter{Title: chapterTitle, Content: html})
		log.Debug("chapter written", slog.Int("chapter", i+1), slog.Int("bytes", len(html)))
	}

	summary, err := s.complete(ctx, "summary", s.timeouts.summary, systemSummary, summaryPrompt(title, titles))
	if err != nil {
		return nil, err
	}
	item.Summary = summary

	quizText, err := s.complete(ctx, "quiz", s.timeouts.quiz, systemQuiz, quizPrompt(title, titles))
	if err != nil {
		return nil, err
	}
	quiz, err := ParseQuiz(quizText)
	if err != nil {
		log.Warn("quiz discarded", slog.String("error", err.Error()))
	}
	item.Quiz = quiz

	if err := s.store.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("save %s: %w", req.Type, err)
	}
	log.Info("content generated",
		slog.String("content_id", item.ID),
		slog.Int("chapters", len(item.Chapters)),
		slog.Int("quiz_questions", len(item.Quiz)),
		slog.Duration("elapsed", time.Since(start)))
	return item, nil
}

func (s *Service) normalize(req Request) (Request, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	req.Audience = strings.TrimSpace(req.Audience)
	if req.Topic == "" {
		return req, fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = content.TypeCourse
	}
	if !content.ValidType(req.Type) {
		return req, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}
	if req.Chapters == 0 {
		req.Chapters = s.cfg.DefaultChapters
	}
	if req.Chapters <= 0 || (s.cfg.MaxChapters > 0 && req.Chapters > s.cfg.MaxChapters) {
		return req, fmt.Errorf("%w: chapters must be between 1 and %d", ErrInvalidRequest, s.cfg.MaxChapters)
	}
	return req, nil
}

// complete runs one generation step bounded by timeout.
func (s *Service) complete(ctx context.Context, step string, timeout time.Duration, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	text, err := llm.Complete(ctx, s.gen, llm.RequestFromConfig(s.llmCfg, system, prompt))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("generate %s: timed out after %s: %w", step, timeout, err)
		}
		return "", fmt.Errorf("generate %s: %w", step, err)
	}
	return text, nil
}

func (s *Service) render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
