package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickreply/quickreply/internal/analytics"
	"github.com/quickreply/quickreply/internal/engine"
	"github.com/quickreply/quickreply/internal/store"
	"github.com/quickreply/quickreply/internal/template"
	"github.com/quickreply/quickreply/pkg/metrics"
)

type memPersister struct {
	mu    sync.Mutex
	docs  map[string]template.Snapshot
	saves int
}

func (m *memPersister) Load(ctx context.Context, categoryType string) (template.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.docs[categoryType]
	if !ok {
		return template.Snapshot{}, store.ErrNoDocument
	}
	return s.Clone(), nil
}

func (m *memPersister) Save(ctx context.Context, categoryType string, s template.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.docs[categoryType] = s.Clone()
	return nil
}

func (m *memPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type testServer struct {
	mux        *http.ServeMux
	store      *store.Store
	persister  *memPersister
	sessions   *Sessions
	aggregator *analytics.Aggregator
}

func newTestServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()
	m := metrics.NewUnregistered()
	p := &memPersister{docs: map[string]template.Snapshot{}}
	st, err := store.Open(context.Background(), p, store.Options{SaveDelay: time.Hour, Metrics: m})
	require.NoError(t, err)

	e, err := engine.New(st, engine.Options{Debounce: 5 * time.Millisecond, WorkerTimeout: time.Second, Metrics: m})
	require.NoError(t, err)
	_, err = e.BuildIndex(context.Background())
	require.NoError(t, err)

	sessions := NewSessions(e.NewPipeline, maxSessions, m)
	agg := analytics.NewAggregator()
	h := New(e, st, sessions, Options{Tracker: trackerFunc(agg.Record), Aggregator: agg, Instance: "test"})
	mux := http.NewServeMux()
	h.Register(mux)

	t.Cleanup(func() {
		sessions.CloseAll()
		e.Close()
		st.Close(context.Background())
	})
	return &testServer{mux: mux, store: st, persister: p, sessions: sessions, aggregator: agg}
}

type trackerFunc func(any)

func (f trackerFunc) Track(event any) { f(event) }

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestSearch(t *testing.T) {
	s := newTestServer(t, 4)

	rec := s.do(t, http.MethodGet, "/api/v1/search?q=hello&category=Greetings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp searchResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Templates, 1)
	assert.Equal(t, "Standard greeting", resp.Templates[0].Title)

	rec = s.do(t, http.MethodGet, "/api/v1/search?q=hello", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/search?q=hello&category=Nope", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Empty(t, resp.Templates)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, 4)

	rec := s.do(t, http.MethodGet, "/api/v1/sessions/a/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sessions/a/input", sessionInput{Query: "far", Category: "Farewells"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, s.sessions.Len())

	var result struct {
		Seq       uint64              `json:"seq"`
		Templates []template.Template `json:"templates"`
	}
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/api/v1/sessions/a/result", nil)
		if rec.Code == http.StatusNoContent {
			return false
		}
		decodeBody(t, rec, &result)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, result.Templates, 1)
	assert.Equal(t, "Standard farewell", result.Templates[0].Title)

	rec = s.do(t, http.MethodGet, "/api/v1/sessions/a/result", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/sessions/a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/v1/sessions/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionImmediateSearch(t *testing.T) {
	s := newTestServer(t, 4)

	rec := s.do(t, http.MethodPost, "/api/v1/sessions/b/search", sessionInput{Query: "", Category: "Greetings"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		Seq uint64 `json:"seq"`
	}
	decodeBody(t, rec, &accepted)
	assert.Equal(t, uint64(1), accepted.Seq)

	rec = s.do(t, http.MethodPost, "/api/v1/sessions/b/search", sessionInput{Query: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLimit(t *testing.T) {
	s := newTestServer(t, 1)

	rec := s.do(t, http.MethodPost, "/api/v1/sessions/one/input", sessionInput{Category: "Greetings"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/sessions/two/input", sessionInput{Category: "Greetings"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/sessions/one/input", sessionInput{Category: "Farewells"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSessionReap(t *testing.T) {
	s := newTestServer(t, 4)
	rec := s.do(t, http.MethodPost, "/api/v1/sessions/idle/input", sessionInput{Category: "Greetings"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, 0, s.sessions.Reap(time.Hour))
	assert.Equal(t, 1, s.sessions.Reap(0))
	assert.Equal(t, 0, s.sessions.Len())
}

func TestCategories(t *testing.T) {
	s := newTestServer(t, 4)

	rec := s.do(t, http.MethodPost, "/api/v1/categories", nameRequest{Name: " Support "})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/categories", nameRequest{Name: "Support"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/categories", nameRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/categories/Support", nameRequest{Name: "Help"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		CategoryType string   `json:"category_type"`
		Categories   []string `json:"categories"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, "clients", list.CategoryType)
	assert.Equal(t, []string{"Greetings", "Farewells", "Help"}, list.Categories)

	rec = s.do(t, http.MethodDelete, "/api/v1/categories/Help", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/v1/categories/Help", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/categories/Help/templates", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTemplateLifecycle(t *testing.T) {
	s := newTestServer(t, 4)
	base := "/api/v1/categories/Greetings/templates"

	rec := s.do(t, http.MethodPost, base, templateRequest{Title: "Morning", Text: "Good morning!"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, base, templateRequest{Title: "", Text: "no title"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/1/pin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pin map[string]bool
	decodeBody(t, rec, &pin)
	assert.True(t, pin["pinned"])

	rec = s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Templates []template.Template `json:"templates"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Templates, 2)
	assert.Equal(t, "Morning", list.Templates[0].Title)

	rec = s.do(t, http.MethodPut, base+"/0", templateRequest{Title: "Morning", Text: "Good morning, all!"})
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 2; i++ {
		rec = s.do(t, http.MethodPost, base+"/0/copy", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	var copied map[string]any
	decodeBody(t, rec, &copied)
	assert.Equal(t, "Good morning, all!", copied["text"])
	assert.Equal(t, float64(2), copied["usage_count"])
	assert.Equal(t, int64(2), s.aggregator.Stats().TemplatesCopied)

	rec = s.do(t, http.MethodGet, "/api/v1/categories/Greetings/top?n=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &list)
	require.Len(t, list.Templates, 1)
	assert.Equal(t, "Morning", list.Templates[0].Title)

	rec = s.do(t, http.MethodGet, "/api/v1/categories/Greetings/top?n=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/stats/reset?category=Greetings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/categories/Greetings/top", nil)
	decodeBody(t, rec, &list)
	assert.Empty(t, list.Templates)

	rec = s.do(t, http.MethodDelete, base+"/0", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, base+"/5", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, base+"/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCategoryTypeSwitch(t *testing.T) {
	s := newTestServer(t, 4)

	rec := s.do(t, http.MethodPut, "/api/v1/category-type", categoryTypeRequest{CategoryType: "strangers"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/category-type", categoryTypeRequest{CategoryType: "colleagues"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/category-type", nil)
	var resp struct {
		CategoryType string   `json:"category_type"`
		Available    []string `json:"available"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "colleagues", resp.CategoryType)
	assert.Equal(t, []string{"clients", "colleagues"}, resp.Available)

	rec = s.do(t, http.MethodGet, "/api/v1/search?q=things&category=Chat", nil)
	var search searchResponse
	decodeBody(t, rec, &search)
	assert.Len(t, search.Templates, 1)
}

func TestCacheIndexAndFlush(t *testing.T) {
	s := newTestServer(t, 4)

	s.do(t, http.MethodGet, "/api/v1/categories/Greetings/templates", nil)
	s.do(t, http.MethodGet, "/api/v1/categories/Greetings/templates", nil)

	rec := s.do(t, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Stats   engine.CacheStats `json:"stats"`
		HitRate string            `json:"category_hit_rate"`
	}
	decodeBody(t, rec, &stats)
	assert.Equal(t, int64(1), stats.Stats.CategoryHits)
	assert.Equal(t, "50.0%", stats.HitRate)

	rec = s.do(t, http.MethodPost, "/api/v1/cache/invalidate?category=Greetings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/cache/invalidate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/index/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var built map[string]any
	decodeBody(t, rec, &built)
	assert.Equal(t, float64(2), built["templates"])

	before := s.persister.saveCount()
	_, err := s.store.AddTemplate("Greetings", template.Template{Title: "New", Text: "Fresh"})
	require.NoError(t, err)
	rec = s.do(t, http.MethodPost, "/api/v1/flush", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, before+1, s.persister.saveCount())
	assert.False(t, s.store.Dirty())
}

func TestAnalytics(t *testing.T) {
	s := newTestServer(t, 4)
	s.do(t, http.MethodPost, "/api/v1/categories/Greetings/templates/0/copy", nil)

	rec := s.do(t, http.MethodGet, "/api/v1/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats analytics.AggregatedStats
	decodeBody(t, rec, &stats)
	assert.Equal(t, int64(1), stats.TemplatesCopied)
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t, 4)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/categories", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/categories", bytes.NewBufferString(`{"title":"x"}`))
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
