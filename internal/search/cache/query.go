// Package cache provides the two result caches that sit in front of the
// inverted index: an in-process per-category list cache and an optional
// Redis tier for search results shared between processes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quickreply/quickreply/internal/search/tokenizer"
	"github.com/quickreply/quickreply/internal/template"
	"github.com/quickreply/quickreply/pkg/metrics"
	pkgredis "github.com/quickreply/quickreply/pkg/redis"
)

const keyPrefix = "qr:search:"

// QueryCache stores search results in Redis. Keys embed the fingerprint of
// the indexed snapshot, so a result computed against older content can never
// be served for newer content even if an invalidation is missed.
type QueryCache struct {
	client  *pkgredis.Client
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewQueryCache creates a QueryCache using client.
func NewQueryCache(client *pkgredis.Client, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Key identifies one cached search.
type Key struct {
	CategoryType string
	Category     string
	Fingerprint  string
	Query        string
}

func (c *QueryCache) Get(ctx context.Context, key Key) ([]template.Template, bool) {
	k := c.buildKey(key)
	data, err := c.client.Get(ctx, k)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", k, "error", err)
		}
		c.miss()
		return nil, false
	}
	var result []template.Template
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", k, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.WithLabelValues("query").Inc()
	c.logger.Debug("cache hit", "query", key.Query, "key", k)
	return result, true
}

func (c *QueryCache) Set(ctx context.Context, key Key, result []template.Template) {
	k := c.buildKey(key)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", k, "error", err)
		return
	}
	if err := c.client.Set(ctx, k, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", k, "error", err)
	}
}

// GetOrCompute returns the cached result for key or computes and returns
// it. The result is stored only when computeFn reports it still belongs to
// key. Concurrent misses for the same key share one computation.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	key Key,
	computeFn func() (result []template.Template, store bool, err error),
) ([]template.Template, bool, error) {
	if result, ok := c.Get(ctx, key); ok {
		return result, true, nil
	}
	val, err, _ := c.group.Do(c.buildKey(key), func() (interface{}, error) {
		result, store, err := computeFn()
		if err != nil {
			return nil, err
		}
		if store {
			c.Set(ctx, key, result)
		} else {
			c.logger.Debug("cache set skipped, content changed", "key", c.buildKey(key))
		}
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return template.CloneAll(val.([]template.Template)), false, nil
}

// Invalidate removes cached results of one category, or of the whole
// category type when category is empty.
func (c *QueryCache) Invalidate(ctx context.Context, categoryType, category string) error {
	pattern := keyPrefix + escapeGlob(categoryType) + ":"
	if category != "" {
		pattern += escapeGlob(category) + ":"
	}
	pattern += "*"
	deleted, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating query cache: %w", err)
	}
	c.logger.Debug("cache invalidate",
		"category_type", categoryType,
		"category", category,
		"keys_deleted", deleted,
	)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Ping checks the Redis connection.
func (c *QueryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.WithLabelValues("query").Inc()
}

func (c *QueryCache) buildKey(key Key) string {
	raw := key.Fingerprint + "|" + normalizeQuery(key.Query)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%s:%x", keyPrefix, key.CategoryType, key.Category, hash[:16])
}

// normalizeQuery maps queries that search identically to the same string:
// word order and repetition do not change an AND over words.
func normalizeQuery(query string) string {
	words := tokenizer.Words(query)
	sort.Strings(words)
	return strings.Join(words, ",")
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}
