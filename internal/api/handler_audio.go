package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loqalabs/lectern/internal/combiner"
	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/eventstore"
	"github.com/loqalabs/lectern/internal/presence"
)

type voiceRequest struct {
	Voice string `json:"voice"`
}

type jobEvent struct {
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// target reads and validates the {type} and {id} path parameters.
func target(r *http.Request) (string, string, error) {
	contentType := chi.URLParam(r, "type")
	if !content.ValidType(contentType) {
		return "", "", fmt.Errorf("%w: unknown type %q", errBadRequest, contentType)
	}
	return contentType, chi.URLParam(r, "id"), nil
}

func chapterIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: chapter index must be a non-negative integer", errBadRequest)
	}
	return index, nil
}

// readVoice accepts an empty body.
func readVoice(r *http.Request) (string, error) {
	var req voiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return req.Voice, nil
}

func (h *Handler) handleVoices(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "Supported voices", map[string]any{
		"voices":  h.voices.Names(),
		"default": h.voices.Default(),
	})
}

func (h *Handler) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := []presence.Worker{}
	if h.workers != nil {
		workers = h.workers.Workers()
	}
	writeData(w, http.StatusOK, fmt.Sprintf("%d workers", len(workers)), workers)
}

func (h *Handler) handleStartChapter(w http.ResponseWriter, r *http.Request) {
	contentType, id, err := target(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	index, err := chapterIndex(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	voice, err := readVoice(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.audio.StartChapter(r.Context(), contentType, id, index, voice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, fmt.Sprintf("Audio generation started for chapter %d", index+1), map[string]any{
		"jobId":        job.ID,
		"chapterIndex": job.ChapterIndex,
		"voice":        job.Voice,
	})
}

func (h *Handler) handleDeleteChapter(w http.ResponseWriter, r *http.Request) {
	contentType, id, err := target(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	index, err := chapterIndex(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.audio.DeleteChapter(r.Context(), contentType, id, index); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, fmt.Sprintf("Audio for chapter %d deleted", index+1), nil)
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ev, ok := h.audio.Status(jobID)
	if !ok {
		h.writeError(w, r, fmt.Errorf("%w: %s", eventstore.ErrJobNotFound, jobID))
		return
	}
	writeData(w, http.StatusOK, ev.Status, ev)
}

func (h *Handler) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	events, err := h.audio.Events(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]jobEvent, 0, len(events))
	for _, e := range events {
		out = append(out, jobEvent{
			Status:    e.Status,
			Progress:  e.Progress,
			Message:   e.Message,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	writeData(w, http.StatusOK, fmt.Sprintf("%d events", len(out)), out)
}

func (h *Handler) handleNarrate(w http.ResponseWriter, r *http.Request) {
	contentType, id, err := target(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	voice, err := readVoice(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	url, err := h.audio.NarrateContent(r.Context(), contentType, id, voice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Audio generated", map[string]string{"audioLocation": url})
}

func (h *Handler) handleCombine(w http.ResponseWriter, r *http.Request) {
	contentType, id, err := target(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var opts combiner.Options
	query := r.URL.Query()
	if v := query.Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			h.writeError(w, r, fmt.Errorf("%w: timeout must be a positive number of seconds", errBadRequest))
			return
		}
		opts.Timeout = time.Duration(secs) * time.Second
	}
	if v := query.Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: force must be a boolean", errBadRequest))
			return
		}
		opts.Force = force
	}

	res, err := h.combiner.Combine(r.Context(), contentType, id, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	message := "Combined audio created"
	if res.IsExisting {
		message = "Combined audio already exists"
	}
	writeData(w, http.StatusOK, message, res)
}
