// Package pipeline turns keystroke-rate input into at most one search per
// quiet period, runs each search on its own goroutine and hands the latest
// result back through a non-blocking poll.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quickreply/quickreply/internal/template"
	"github.com/quickreply/quickreply/pkg/metrics"
	"github.com/quickreply/quickreply/pkg/resilience"
)

// SearchFunc performs one synchronous search.
type SearchFunc func(ctx context.Context, query, category string) ([]template.Template, error)

// Result is one delivered search outcome. Failed is set when the search
// errored, panicked or timed out; Templates is then empty.
type Result struct {
	Seq       uint64              `json:"seq"`
	Query     string              `json:"query"`
	Category  string              `json:"category"`
	Templates []template.Template `json:"templates"`
	Failed    bool                `json:"failed,omitempty"`
	Duration  time.Duration       `json:"duration_ns"`
}

// Options configures a Pipeline.
type Options struct {
	Debounce time.Duration
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Pipeline is one search session. It is safe for concurrent use, though a
// single owner submitting input and polling results is the expected shape.
type Pipeline struct {
	search   SearchFunc
	debounce *Debouncer
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	seq      uint64
	cancel   context.CancelFunc
	query    string
	category string
	queued   bool
	closed   bool
	out      chan Result
	wg       sync.WaitGroup
}

// New creates a Pipeline that runs search for each dispatched query.
func New(search SearchFunc, opts Options) *Pipeline {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		search:   search,
		debounce: NewDebouncer(opts.Debounce),
		timeout:  opts.Timeout,
		metrics:  m,
		logger:   logger.With("component", "query-pipeline"),
		out:      make(chan Result, 1),
	}
}

// Submit records a keystroke: the query is dispatched once no further
// Submit arrives within the debounce delay. An in-flight search keeps
// running until the next dispatch supersedes it.
func (p *Pipeline) Submit(query, category string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.query, p.category = query, category
	p.queued = true
	p.mu.Unlock()
	p.debounce.Trigger(p.fire)
}

// StartSearch dispatches immediately, discarding any pending debounced
// input. It returns the sequence number of the dispatch.
func (p *Pipeline) StartSearch(query, category string) uint64 {
	p.debounce.Cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	p.query, p.category = query, category
	p.queued = false
	return p.dispatchLocked(query, category)
}

func (p *Pipeline) fire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.queued {
		return
	}
	p.queued = false
	p.dispatchLocked(p.query, p.category)
}

// dispatchLocked supersedes whatever was dispatched before: its context is
// cancelled and an undelivered result of it is dropped.
func (p *Pipeline) dispatchLocked(query, category string) uint64 {
	p.seq++
	seq := p.seq
	if p.cancel != nil {
		p.cancel()
	}
	p.drainLocked()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.metrics.PipelineDispatches.Inc()
	p.logger.Debug("search dispatched", "seq", seq, "query", query, "category", category)

	p.wg.Add(1)
	go p.run(ctx, seq, query, category)
	return seq
}

func (p *Pipeline) run(ctx context.Context, seq uint64, query, category string) {
	defer p.wg.Done()
	start := time.Now()

	var found []template.Template
	err := resilience.WithTimeout(ctx, p.timeout, "search", func(ctx context.Context) error {
		res, err := p.search(ctx, query, category)
		if err != nil {
			return err
		}
		found = res
		return nil
	})

	result := Result{
		Seq:      seq,
		Query:    query,
		Category: category,
		Duration: time.Since(start),
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.metrics.PipelineFailures.Inc()
			p.logger.Error("search failed", "seq", seq, "query", query, "category", category, "error", err)
		}
		result.Failed = true
		result.Templates = []template.Template{}
	} else {
		result.Templates = found
		if result.Templates == nil {
			result.Templates = []template.Template{}
		}
	}
	p.deliver(result)
}

func (p *Pipeline) deliver(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || r.Seq != p.seq {
		p.metrics.PipelineStale.Inc()
		p.logger.Debug("stale result discarded", "seq", r.Seq, "latest", p.seq)
		return
	}
	p.drainLocked()
	p.out <- r
}

func (p *Pipeline) drainLocked() {
	select {
	case <-p.out:
	default:
	}
}

// Poll returns the latest result if one is ready. Not ready is the normal
// state between dispatches.
func (p *Pipeline) Poll() (Result, bool) {
	select {
	case r := <-p.out:
		return r, true
	default:
		return Result{}, false
	}
}

// Results exposes the handoff channel for owners that prefer to select on
// it. It is never closed.
func (p *Pipeline) Results() <-chan Result {
	return p.out
}

// Pending reports whether input is waiting for the debounce delay.
func (p *Pipeline) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// Seq returns the sequence number of the latest dispatch.
func (p *Pipeline) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Close stops the debouncer, cancels the in-flight search and waits for its
// worker to exit. Nothing is delivered after Close.
func (p *Pipeline) Close() {
	p.debounce.Stop()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queued = false
	if p.cancel != nil {
		p.cancel()
	}
	p.drainLocked()
	p.mu.Unlock()
	p.wg.Wait()
}
