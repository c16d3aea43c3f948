package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/course"
)

type createContentRequest struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Summary  string                 `json:"summary"`
	Chapters []content.Chapter      `json:"chapters"`
	Quiz     []content.QuizQuestion `json:"quiz"`
}

func (h *Handler) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	var req createContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	if req.Title == "" {
		h.writeError(w, r, fmt.Errorf("%w: title is required", errBadRequest))
		return
	}
	if !content.ValidType(req.Type) {
		h.writeError(w, r, fmt.Errorf("%w: unknown type %q", errBadRequest, req.Type))
		return
	}
	item := &content.Item{
		Type:     req.Type,
		Title:    req.Title,
		Summary:  req.Summary,
		Chapters: req.Chapters,
		Quiz:     req.Quiz,
	}
	if err := h.contents.Create(r.Context(), item); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "Content created", item)
}

func (h *Handler) handleListContents(w http.ResponseWriter, r *http.Request) {
	contentType := r.URL.Query().Get("type")
	if contentType != "" && !content.ValidType(contentType) {
		h.writeError(w, r, fmt.Errorf("%w: unknown type %q", errBadRequest, contentType))
		return
	}
	items, err := h.contents.List(r.Context(), contentType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []content.Item{}
	}
	writeData(w, http.StatusOK, fmt.Sprintf("%d items", len(items)), items)
}

func (h *Handler) handleGetContent(w http.ResponseWriter, r *http.Request) {
	item, err := h.contents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Content found", item)
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req course.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	item, err := h.generator.Generate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, fmt.Sprintf("%s generated", item.Type), item)
}
