package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/quickreply/quickreply/internal/template"
	apperrors "github.com/quickreply/quickreply/pkg/errors"
	"github.com/quickreply/quickreply/pkg/metrics"
)

// Source supplies the authoritative template list of a category in display
// order.
type Source interface {
	Templates(category string) ([]template.Template, error)
}

// ResultCache holds materialised per-category template lists. Entries are
// dropped on invalidation, never patched.
type ResultCache struct {
	source  Source
	mu      sync.Mutex
	entries *lru.Cache[string, []template.Template]
	gen     uint64
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewResultCache creates a cache holding at most size categories.
func NewResultCache(source Source, size int, m *metrics.Metrics) (*ResultCache, error) {
	entries, err := lru.New[string, []template.Template](size)
	if err != nil {
		return nil, fmt.Errorf("creating result cache: %w", err)
	}
	return &ResultCache{
		source:  source,
		entries: entries,
		metrics: m,
		logger:  slog.Default().With("component", "result-cache"),
	}, nil
}

// GetCategory returns a copy of the cached list for category, loading it from
// the source on a miss. A category the source does not know yields an empty
// list.
func (c *ResultCache) GetCategory(category string) []template.Template {
	c.mu.Lock()
	list, ok := c.entries.Get(category)
	gen := c.gen
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
		c.metrics.CacheHitsTotal.WithLabelValues("category").Inc()
		return template.CloneAll(list)
	}
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.WithLabelValues("category").Inc()

	key := fmt.Sprintf("%d/%s", gen, category)
	val, _, _ := c.group.Do(key, func() (interface{}, error) {
		list, err := c.source.Templates(category)
		if err != nil {
			if !errors.Is(err, apperrors.ErrCategoryNotFound) {
				c.logger.Error("loading category failed", "category", category, "error", err)
			}
			return []template.Template{}, nil
		}
		list = template.CloneAll(list)
		c.mu.Lock()
		if c.gen == gen {
			c.entries.Add(category, list)
		}
		c.mu.Unlock()
		return list, nil
	})
	return template.CloneAll(val.([]template.Template))
}

// Invalidate drops the cached list of one category.
func (c *ResultCache) Invalidate(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries.Remove(category)
}

// InvalidateAll drops every cached list.
func (c *ResultCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries.Purge()
}

// Len returns the number of cached categories.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

// Stats returns hit and miss counts since creation.
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
