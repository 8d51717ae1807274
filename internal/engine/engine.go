// Package engine composes the search core: it owns the inverted index and
// both result caches, keeps them in step with store mutations and serves
// synchronous and pipelined searches.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quickreply/quickreply/internal/analytics"
	"github.com/quickreply/quickreply/internal/search/cache"
	"github.com/quickreply/quickreply/internal/search/index"
	"github.com/quickreply/quickreply/internal/search/pipeline"
	"github.com/quickreply/quickreply/internal/store"
	"github.com/quickreply/quickreply/internal/template"
	"github.com/quickreply/quickreply/pkg/logger"
	"github.com/quickreply/quickreply/pkg/metrics"
	"github.com/quickreply/quickreply/pkg/tracing"
)

// Search paths, used as metric and analytics labels.
const (
	PathCategory   = "category"
	PathIndex      = "index"
	PathQueryCache = "query_cache"
)

// Store is the part of the template store the engine reads and reacts to.
type Store interface {
	Templates(category string) ([]template.Template, error)
	Snapshot() (string, template.Snapshot)
	CategoryType() string
	SwitchType(ctx context.Context, categoryType string) error
	Subscribe(l store.Listener) func()
}

// Tracker receives analytics events.
type Tracker interface {
	Track(event any)
}

type Options struct {
	ResultCacheSize int
	Debounce        time.Duration
	WorkerTimeout   time.Duration
	// QueryCache is optional.
	QueryCache *cache.QueryCache
	// Tracker is optional.
	Tracker  Tracker
	Tracer   *tracing.Tracer
	Instance string
	Metrics  *metrics.Metrics
}

type Engine struct {
	store       Store
	index       *index.InvertedIndex
	results     *cache.ResultCache
	queries     *cache.QueryCache
	tracker     Tracker
	tracer      *tracing.Tracer
	instance    string
	debounce    time.Duration
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	buildMu     sync.Mutex
	unsubscribe func()
}

// New creates an engine over st and subscribes it to store mutations. The
// index starts empty; call BuildIndex once the store is loaded.
func New(st Store, opts Options) (*Engine, error) {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	size := opts.ResultCacheSize
	if size <= 0 {
		size = 256
	}
	results, err := cache.NewResultCache(st, size, m)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:    st,
		index:    index.New(),
		results:  results,
		queries:  opts.QueryCache,
		tracker:  opts.Tracker,
		tracer:   opts.Tracer,
		instance: opts.Instance,
		debounce: opts.Debounce,
		timeout:  opts.WorkerTimeout,
		metrics:  m,
		logger:   slog.Default().With("component", "search-engine"),
	}
	e.unsubscribe = st.Subscribe(e.onMutation)
	return e, nil
}

// BuildIndex rebuilds the index from the current store snapshot. Builds are
// serialised so a slower, older build never replaces a newer one.
func (e *Engine) BuildIndex(ctx context.Context) (index.BuildStats, error) {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if err := ctx.Err(); err != nil {
		return index.BuildStats{}, err
	}
	categoryType, snapshot := e.store.Snapshot()
	stats := e.index.Build(categoryType, snapshot)

	e.metrics.IndexBuildsTotal.Inc()
	e.metrics.IndexBuildDuration.Observe(stats.Duration.Seconds())
	e.metrics.IndexedTemplates.Set(float64(stats.Templates))
	e.metrics.IndexedTokens.Set(float64(stats.Tokens))
	e.logger.Info("index rebuilt",
		"category_type", stats.CategoryType,
		"templates", stats.Templates,
		"tokens", stats.Tokens,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// Search runs one synchronous search. An empty query lists the category
// from the result cache. A cancelled ctx returns ctx.Err().
func (e *Engine) Search(ctx context.Context, query, category string) ([]template.Template, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.search")
	defer span.End()
	span.SetAttr("category", category)

	var (
		results  []template.Template
		path     string
		cacheHit bool
		err      error
	)
	switch {
	case strings.TrimSpace(query) == "":
		path = PathCategory
		results = e.results.GetCategory(category)
	case e.queries != nil && e.index.Ready():
		path = PathQueryCache
		v := e.index.Version()
		key := cache.Key{
			CategoryType: v.CategoryType,
			Category:     category,
			Fingerprint:  v.Fingerprint,
			Query:        query,
		}
		results, cacheHit, err = e.cachedSearch(ctx, key)
	default:
		path = PathIndex
		results, _, err = e.searchIndex(ctx, query, category)
	}

	span.SetAttr("path", path)
	if err != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	latency := time.Since(start)
	e.metrics.SearchLatency.WithLabelValues(path).Observe(latency.Seconds())
	e.metrics.SearchResultsCount.Observe(float64(len(results)))
	if len(results) == 0 {
		e.metrics.SearchQueriesTotal.WithLabelValues("zero_results").Inc()
	} else {
		e.metrics.SearchQueriesTotal.WithLabelValues("results").Inc()
	}
	span.SetAttr("results", len(results))
	e.track(ctx, query, category, path, len(results), cacheHit, latency)

	logger.FromContext(ctx).Debug("search completed",
		"query", query,
		"category", category,
		"path", path,
		"results", len(results),
		"latency_ms", latency.Milliseconds(),
	)
	return results, nil
}

// cachedSearch serves key from the query cache, computing it on a miss.
// Results are cached only if the index still holds the content key names.
func (e *Engine) cachedSearch(ctx context.Context, key cache.Key) ([]template.Template, bool, error) {
	return e.queries.GetOrCompute(ctx, key, func() ([]template.Template, bool, error) {
		results, v, err := e.searchIndex(ctx, key.Query, key.Category)
		if err != nil {
			return nil, false, err
		}
		return results, v.CategoryType == key.CategoryType && v.Fingerprint == key.Fingerprint, nil
	})
}

func (e *Engine) searchIndex(ctx context.Context, query, category string) ([]template.Template, index.Version, error) {
	_, span := tracing.StartChildSpan(ctx, "index.search")
	defer span.End()
	results, v := e.index.SearchAt(ctx, query, category)
	if err := ctx.Err(); err != nil {
		return nil, v, err
	}
	span.SetAttr("results", len(results))
	return results, v, nil
}

func (e *Engine) track(ctx context.Context, query, category, path string, returned int, cacheHit bool, latency time.Duration) {
	if e.tracker == nil {
		return
	}
	eventType := analytics.EventSearch
	if returned == 0 {
		eventType = analytics.EventZeroResult
	}
	e.tracker.Track(analytics.SearchEvent{
		Type:         eventType,
		Query:        query,
		Category:     category,
		CategoryType: e.store.CategoryType(),
		Returned:     returned,
		LatencyMs:    latency.Milliseconds(),
		CacheHit:     cacheHit || path == PathCategory,
		Path:         path,
		Timestamp:    time.Now().UTC(),
		RequestID:    logger.RequestID(ctx),
		Instance:     e.instance,
	})
}

// NewPipeline opens a search session whose worker runs Search.
func (e *Engine) NewPipeline() *pipeline.Pipeline {
	return pipeline.New(e.Search, pipeline.Options{
		Debounce: e.debounce,
		Timeout:  e.timeout,
		Metrics:  e.metrics,
	})
}

// Templates returns a category's list through the result cache. Unknown
// categories yield an empty list.
func (e *Engine) Templates(category string) []template.Template {
	return e.results.GetCategory(category)
}

// Invalidate drops cached results of one category.
func (e *Engine) Invalidate(category string) {
	e.results.Invalidate(category)
	e.invalidateQueries(e.store.CategoryType(), category)
}

// InvalidateAll drops every cached result.
func (e *Engine) InvalidateAll() {
	e.results.InvalidateAll()
	e.invalidateQueries(e.store.CategoryType(), "")
}

func (e *Engine) invalidateQueries(categoryType, category string) {
	if e.queries == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.queries.Invalidate(ctx, categoryType, category); err != nil {
		// Keys embed the content fingerprint, so a missed invalidation
		// only leaves unreachable entries behind until their TTL.
		e.logger.Warn("query cache invalidation failed", "category", category, "error", err)
	}
}

// SwitchCategoryType makes another category type active. The index is
// discarded and rebuilt by the resulting mutation.
func (e *Engine) SwitchCategoryType(ctx context.Context, categoryType string) error {
	if err := e.store.SwitchType(ctx, categoryType); err != nil {
		return fmt.Errorf("switching category type: %w", err)
	}
	return nil
}

// onMutation keeps caches and index in step with the store: affected cache
// entries are dropped and the index is rebuilt wholesale.
func (e *Engine) onMutation(m store.Mutation) {
	categories := m.Categories()
	if categories == nil {
		if m.Kind == store.TypeSwitched {
			e.index.Reset()
		}
		e.results.InvalidateAll()
		e.invalidateQueries(m.CategoryType, "")
	} else {
		for _, c := range categories {
			e.results.Invalidate(c)
			e.invalidateQueries(m.CategoryType, c)
		}
	}
	if _, err := e.BuildIndex(context.Background()); err != nil {
		e.logger.Error("index rebuild failed", "kind", m.Kind, "error", err)
	}
}

// Ready reports whether the index has been built.
func (e *Engine) Ready() bool {
	return e.index.Ready()
}

// IndexStats describes the last index build.
func (e *Engine) IndexStats() index.BuildStats {
	return e.index.Stats()
}

type CacheStats struct {
	CategoryHits      int64 `json:"category_hits"`
	CategoryMisses    int64 `json:"category_misses"`
	CategoriesCached  int   `json:"categories_cached"`
	QueryCacheEnabled bool  `json:"query_cache_enabled"`
	QueryHits         int64 `json:"query_hits"`
	QueryMisses       int64 `json:"query_misses"`
}

func (e *Engine) CacheStats() CacheStats {
	stats := CacheStats{CategoriesCached: e.results.Len()}
	stats.CategoryHits, stats.CategoryMisses = e.results.Stats()
	if e.queries != nil {
		stats.QueryCacheEnabled = true
		stats.QueryHits, stats.QueryMisses = e.queries.Stats()
	}
	return stats
}

// PingQueryCache checks the Redis tier, if configured.
func (e *Engine) PingQueryCache(ctx context.Context) error {
	if e.queries == nil {
		return nil
	}
	return e.queries.Ping(ctx)
}

// Close detaches the engine from the store.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}
