// Package handler exposes the template store and search engine over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quickreply/quickreply/internal/analytics"
	"github.com/quickreply/quickreply/internal/engine"
	"github.com/quickreply/quickreply/internal/store"
	"github.com/quickreply/quickreply/internal/template"
	apperrors "github.com/quickreply/quickreply/pkg/errors"
	"github.com/quickreply/quickreply/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Tracker receives analytics events.
type Tracker interface {
	Track(event any)
}

type Handler struct {
	engine     *engine.Engine
	store      *store.Store
	sessions   *Sessions
	tracker    Tracker
	aggregator *analytics.Aggregator
	instance   string
	logger     *slog.Logger
}

type Options struct {
	// Tracker and Aggregator are optional.
	Tracker    Tracker
	Aggregator *analytics.Aggregator
	Instance   string
}

func New(e *engine.Engine, st *store.Store, sessions *Sessions, opts Options) *Handler {
	return &Handler{
		engine:     e,
		store:      st,
		sessions:   sessions,
		tracker:    opts.Tracker,
		aggregator: opts.Aggregator,
		instance:   opts.Instance,
		logger:     slog.Default().With("component", "api-handler"),
	}
}

// Register mounts every API route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)

	mux.HandleFunc("POST /api/v1/sessions/{id}/input", h.SessionInput)
	mux.HandleFunc("POST /api/v1/sessions/{id}/search", h.SessionSearch)
	mux.HandleFunc("GET /api/v1/sessions/{id}/result", h.SessionResult)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.CloseSession)

	mux.HandleFunc("GET /api/v1/categories", h.ListCategories)
	mux.HandleFunc("POST /api/v1/categories", h.AddCategory)
	mux.HandleFunc("PUT /api/v1/categories/{name}", h.RenameCategory)
	mux.HandleFunc("DELETE /api/v1/categories/{name}", h.DeleteCategory)
	mux.HandleFunc("GET /api/v1/categories/{name}/templates", h.ListTemplates)
	mux.HandleFunc("POST /api/v1/categories/{name}/templates", h.AddTemplate)
	mux.HandleFunc("PUT /api/v1/categories/{name}/templates/{pos}", h.EditTemplate)
	mux.HandleFunc("DELETE /api/v1/categories/{name}/templates/{pos}", h.DeleteTemplate)
	mux.HandleFunc("POST /api/v1/categories/{name}/templates/{pos}/pin", h.TogglePin)
	mux.HandleFunc("POST /api/v1/categories/{name}/templates/{pos}/copy", h.CopyTemplate)
	mux.HandleFunc("GET /api/v1/categories/{name}/top", h.TopUsed)
	mux.HandleFunc("POST /api/v1/stats/reset", h.ResetStats)

	mux.HandleFunc("GET /api/v1/category-type", h.GetCategoryType)
	mux.HandleFunc("PUT /api/v1/category-type", h.SwitchCategoryType)

	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/index/rebuild", h.RebuildIndex)
	mux.HandleFunc("POST /api/v1/flush", h.Flush)
	mux.HandleFunc("GET /api/v1/analytics", h.Analytics)
}

type searchResponse struct {
	Query     string              `json:"query"`
	Category  string              `json:"category"`
	Templates []template.Template `json:"templates"`
	LatencyMs int64               `json:"latency_ms"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	query := r.URL.Query().Get("q")
	category := r.URL.Query().Get("category")
	if category == "" {
		h.writeError(w, r, apperrors.Invalid("query parameter 'category' is required"))
		return
	}
	results, err := h.engine.Search(r.Context(), query, category)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, searchResponse{
		Query:     query,
		Category:  category,
		Templates: results,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

type sessionInput struct {
	Query    string `json:"query"`
	Category string `json:"category"`
}

func (h *Handler) SessionInput(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, false)
}

func (h *Handler) SessionSearch(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, true)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, immediate bool) {
	var in sessionInput
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if in.Category == "" {
		h.writeError(w, r, apperrors.Invalid("category is required"))
		return
	}
	p, err := h.sessions.Acquire(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]any{"status": "accepted"}
	if immediate {
		resp["seq"] = p.StartSearch(in.Query, in.Category)
	} else {
		p.Submit(in.Query, in.Category)
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) SessionResult(w http.ResponseWriter, r *http.Request) {
	p, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, ok := p.Poll()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"category_type": h.store.CategoryType(),
		"categories":    h.store.Categories(),
	})
}

func (h *Handler) AddCategory(w http.ResponseWriter, r *http.Request) {
	var in nameRequest
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.AddCategory(in.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"name": strings.TrimSpace(in.Name)})
}

func (h *Handler) RenameCategory(w http.ResponseWriter, r *http.Request) {
	var in nameRequest
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.RenameCategory(r.PathValue("name"), in.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"name": strings.TrimSpace(in.Name)})
}

func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteCategory(r.PathValue("name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTemplates serves the cached category list. The cache answers unknown
// categories with an empty list, so existence is checked against the store.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.hasCategory(name) {
		h.writeError(w, r, apperrors.ErrCategoryNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"category":  name,
		"templates": h.engine.Templates(name),
	})
}

type templateRequest struct {
	Title string   `json:"title"`
	Text  string   `json:"text"`
	Tags  []string `json:"tags,omitempty"`
}

func (t templateRequest) template() template.Template {
	return template.Template{Title: t.Title, Text: t.Text, Tags: t.Tags}
}

func (h *Handler) AddTemplate(w http.ResponseWriter, r *http.Request) {
	var in templateRequest
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	pos, err := h.store.AddTemplate(r.PathValue("name"), in.template())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]int{"position": pos})
}

func (h *Handler) EditTemplate(w http.ResponseWriter, r *http.Request) {
	pos, err := position(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in templateRequest
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.EditTemplate(r.PathValue("name"), pos, in.template()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"position": pos})
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	pos, err := position(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.DeleteTemplate(r.PathValue("name"), pos); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) TogglePin(w http.ResponseWriter, r *http.Request) {
	pos, err := position(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pinned, err := h.store.TogglePin(r.PathValue("name"), pos)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"pinned": pinned})
}

// CopyTemplate records one use of a template and returns its text for the
// caller to place on the clipboard.
func (h *Handler) CopyTemplate(w http.ResponseWriter, r *http.Request) {
	pos, err := position(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	category := r.PathValue("name")
	t, err := h.store.IncrementUsage(category, pos)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.tracker != nil {
		h.tracker.Track(analytics.UsageEvent{
			Type:         analytics.EventTemplateUsed,
			CategoryType: h.store.CategoryType(),
			Category:     category,
			Title:        t.Title,
			UsageCount:   t.Stats.UsageCount,
			Timestamp:    time.Now().UTC(),
			Instance:     h.instance,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"title":       t.Title,
		"text":        t.Text,
		"usage_count": t.Stats.UsageCount,
	})
}

func (h *Handler) TopUsed(w http.ResponseWriter, r *http.Request) {
	n := 5
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.writeError(w, r, apperrors.Invalid("n must be a positive integer"))
			return
		}
		n = parsed
	}
	top, err := h.store.TopUsed(r.PathValue("name"), n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": top})
}

func (h *Handler) ResetStats(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if err := h.store.ResetStats(category); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type categoryTypeRequest struct {
	CategoryType string `json:"category_type"`
}

func (h *Handler) GetCategoryType(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"category_type": h.store.CategoryType(),
		"available":     h.store.CategoryTypes(),
	})
}

func (h *Handler) SwitchCategoryType(w http.ResponseWriter, r *http.Request) {
	var in categoryTypeRequest
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.engine.SwitchCategoryType(r.Context(), in.CategoryType); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"category_type": h.store.CategoryType()})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if category := r.URL.Query().Get("category"); category != "" {
		h.engine.Invalidate(category)
	} else {
		h.engine.InvalidateAll()
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.CacheStats()
	total := stats.CategoryHits + stats.CategoryMisses
	var hitRate float64
	if total > 0 {
		hitRate = float64(stats.CategoryHits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"stats":             stats,
		"category_hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.BuildIndex(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"category_type": stats.CategoryType,
		"categories":    stats.Categories,
		"templates":     stats.Templates,
		"tokens":        stats.Tokens,
		"duration_ms":   stats.Duration.Milliseconds(),
	})
}

func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Flush(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	if h.aggregator == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.aggregator.Stats())
}

func (h *Handler) hasCategory(name string) bool {
	for _, c := range h.store.Categories() {
		if c == name {
			return true
		}
	}
	return false
}

func position(r *http.Request) (int, error) {
	pos, err := strconv.Atoi(r.PathValue("pos"))
	if err != nil || pos < 0 {
		return 0, apperrors.Invalid("position must be a non-negative integer")
	}
	return pos, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Invalid("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		message = "internal error"
	}
	h.writeJSON(w, status, map[string]string{"error": message})
}
