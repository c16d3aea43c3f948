package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loqalabs/lectern/internal/audiojob"
	"github.com/loqalabs/lectern/internal/combiner"
	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/course"
	"github.com/loqalabs/lectern/internal/eventstore"
	"github.com/loqalabs/lectern/internal/presence"
	"github.com/loqalabs/lectern/internal/protocol"
	"github.com/loqalabs/lectern/internal/textprep"
	"github.com/loqalabs/lectern/internal/tts"
)

// Contents reads and creates content items.
type Contents interface {
	Create(ctx context.Context, item *content.Item) error
	Get(ctx context.Context, id string) (*content.Item, error)
	List(ctx context.Context, contentType string) ([]content.Item, error)
}

// Audio starts and inspects narration work.
type Audio interface {
	StartChapter(ctx context.Context, contentType, id string, index int, voice string) (protocol.AudioJob, error)
	DeleteChapter(ctx context.Context, contentType, id string, index int) error
	Status(jobID string) (protocol.ProgressEvent, bool)
	Events(ctx context.Context, jobID string) ([]eventstore.Event, error)
	NarrateContent(ctx context.Context, contentType, id, voice string) (string, error)
}

// Combiner merges chapter audio.
type Combiner interface {
	Combine(ctx context.Context, contentType, id string, opts combiner.Options) (*combiner.Result, error)
}

// Generator writes new courses and books.
type Generator interface {
	Generate(ctx context.Context, req course.Request) (*content.Item, error)
}

// Workers lists audio workers seen on the bus.
type Workers interface {
	Workers() []presence.Worker
}

type Handler struct {
	contents  Contents
	audio     Audio
	combiner  Combiner
	generator Generator
	voices    tts.Voices
	workers   Workers
	logger    *slog.Logger
}

func New(contents Contents, audio Audio, comb Combiner, generator Generator, voices tts.Voices, logger *slog.Logger) *Handler {
	return &Handler{
		contents:  contents,
		audio:     audio,
		combiner:  comb,
		generator: generator,
		voices:    voices,
		logger:    logger.With(slog.String("component", "api")),
	}
}

// WithWorkers enables worker listing. Without it the list is always empty.
func (h *Handler) WithWorkers(workers Workers) *Handler {
	h.workers = workers
	return h
}

// Attach registers the API routes on r.
func (h *Handler) Attach(r chi.Router) {
	r.Get("/contents", h.handleListContents)
	r.Post("/contents", h.handleCreateContent)
	r.Post("/contents/generate", h.handleGenerate)
	r.Get("/contents/{id}", h.handleGetContent)

	r.Get("/audio/voices", h.handleVoices)
	r.Get("/audio/workers", h.handleWorkers)
	r.Get("/audio/jobs/{jobID}", h.handleJobStatus)
	r.Get("/audio/jobs/{jobID}/events", h.handleJobEvents)

	r.Post("/audio/{type}/{id}", h.handleNarrate)
	r.Post("/audio/{type}/{id}/combine", h.handleCombine)
	r.Post("/audio/{type}/{id}/chapters/{index}", h.handleStartChapter)
	r.Delete("/audio/{type}/{id}/chapters/{index}", h.handleDeleteChapter)
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

var errBadRequest = errors.New("bad request")

func writeJson(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	enc.Encode(v)
}

func writeData(w http.ResponseWriter, code int, message string, data any) {
	writeJson(w, code, envelope{Success: true, Message: message, Data: data})
}

// writeError maps err onto a status code. Server-side detail is logged, not returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	message := err.Error()
	switch code {
	case http.StatusInternalServerError:
		message = "internal server error"
	case http.StatusGatewayTimeout:
		message = "operation timed out"
	}
	level := slog.LevelInfo
	if code >= 500 {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", code),
		slogError(err))
	writeJson(w, code, envelope{Success: false, Message: message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errBadRequest),
		errors.Is(err, audiojob.ErrInvalidJob),
		errors.Is(err, audiojob.ErrNoText),
		errors.Is(err, course.ErrInvalidRequest),
		errors.Is(err, tts.ErrUnsupportedVoice),
		errors.Is(err, textprep.ErrUnrecognizedContent):
		return http.StatusBadRequest
	case errors.Is(err, content.ErrNotFound),
		errors.Is(err, eventstore.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, combiner.ErrMissingChapter),
		errors.Is(err, combiner.ErrNoChapterAudio):
		return http.StatusConflict
	case errors.Is(err, audiojob.ErrNoWorkers),
		errors.Is(err, audiojob.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
