package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quickreply/quickreply/pkg/kafka"
)

const maxLatencySamples = 10000

type AggregatedStats struct {
	TotalSearches     int64           `json:"total_searches"`
	CacheHits         int64           `json:"cache_hits"`
	CacheMisses       int64           `json:"cache_misses"`
	ZeroResultCount   int64           `json:"zero_result_count"`
	TemplatesCopied   int64           `json:"templates_copied"`
	AvgLatencyMs      float64         `json:"avg_latency_ms"`
	P50LatencyMs      int64           `json:"p50_latency_ms"`
	P95LatencyMs      int64           `json:"p95_latency_ms"`
	P99LatencyMs      int64           `json:"p99_latency_ms"`
	TopQueries        []QueryCount    `json:"top_queries"`
	ZeroResultQueries []QueryCount    `json:"zero_result_queries"`
	TopTemplates      []TemplateCount `json:"top_templates"`
	QueriesPerMinute  float64         `json:"queries_per_minute"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

type TemplateCount struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Count    int64  `json:"count"`
}

type templateKey struct {
	category string
	title    string
}

// Aggregator keeps running search and usage statistics. It is fed locally
// by the Collector and, in multi-instance setups, by the analytics topic.
type Aggregator struct {
	mu                sync.RWMutex
	totalSearches     atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	zeroResults       atomic.Int64
	templatesCopied   atomic.Int64
	latencies         []int64
	latencyNext       int
	queryCounts       map[string]int64
	zeroResultQueries map[string]int64
	templateCounts    map[templateKey]int64
	startTime         time.Time
	logger            *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:         make([]int64, 0, 1024),
		queryCounts:       make(map[string]int64),
		zeroResultQueries: make(map[string]int64),
		templateCounts:    make(map[templateKey]int64),
		startTime:         time.Now(),
		logger:            slog.Default().With("component", "analytics-aggregator"),
	}
}

// Record implements Recorder.
func (a *Aggregator) Record(event any) {
	switch e := event.(type) {
	case SearchEvent:
		a.recordSearchEvent(e)
	case UsageEvent:
		a.recordUsageEvent(e)
	}
}

// HandleEvent returns a consumer handler that aggregates events published by
// other instances. Events from self were already recorded locally.
func HandleEvent(agg *Aggregator, self string) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		env, err := kafka.DecodeJSON[envelope](value)
		if err != nil {
			return fmt.Errorf("analytics event: %w", err)
		}
		switch env.Type {
		case EventSearch, EventZeroResult:
			event, err := kafka.DecodeJSON[SearchEvent](value)
			if err != nil {
				return fmt.Errorf("search event: %w", err)
			}
			if event.Instance != self {
				agg.recordSearchEvent(event)
			}
		case EventTemplateUsed:
			event, err := kafka.DecodeJSON[UsageEvent](value)
			if err != nil {
				return fmt.Errorf("usage event: %w", err)
			}
			if event.Instance != self {
				agg.recordUsageEvent(event)
			}
		}
		return nil
	}
}

func (a *Aggregator) recordSearchEvent(event SearchEvent) {
	a.totalSearches.Add(1)

	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}

	if event.Returned == 0 {
		a.zeroResults.Add(1)
	}

	a.mu.Lock()
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.latencyNext] = event.LatencyMs
		a.latencyNext = (a.latencyNext + 1) % maxLatencySamples
	}
	if event.Query != "" {
		a.queryCounts[event.Query]++
		if event.Returned == 0 {
			a.zeroResultQueries[event.Query]++
		}
	}
	a.mu.Unlock()
}

func (a *Aggregator) recordUsageEvent(event UsageEvent) {
	a.templatesCopied.Add(1)
	a.mu.Lock()
	a.templateCounts[templateKey{category: event.Category, title: event.Title}]++
	a.mu.Unlock()
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalSearches:   a.totalSearches.Load(),
		CacheHits:       a.cacheHits.Load(),
		CacheMisses:     a.cacheMisses.Load(),
		ZeroResultCount: a.zeroResults.Load(),
		TemplatesCopied: a.templatesCopied.Load(),
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.ZeroResultQueries = topN(a.zeroResultQueries, 10)
	stats.TopTemplates = topTemplates(a.templateCounts, 10)
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalSearches) / elapsed
	}

	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}

func topTemplates(counts map[templateKey]int64, n int) []TemplateCount {
	result := make([]TemplateCount, 0, len(counts))
	for k, count := range counts {
		result = append(result, TemplateCount{Category: k.category, Title: k.title, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		if result[i].Category != result[j].Category {
			return result[i].Category < result[j].Category
		}
		return result[i].Title < result[j].Title
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
