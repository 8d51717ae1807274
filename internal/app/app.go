// Package app is the composition root shared by every command: it turns a
// Config into a wired store, engine and their optional Redis, Kafka and
// Postgres collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/quickreply/quickreply/internal/analytics"
	"github.com/quickreply/quickreply/internal/engine"
	"github.com/quickreply/quickreply/internal/search/cache"
	"github.com/quickreply/quickreply/internal/store"
	"github.com/quickreply/quickreply/pkg/config"
	"github.com/quickreply/quickreply/pkg/health"
	"github.com/quickreply/quickreply/pkg/kafka"
	"github.com/quickreply/quickreply/pkg/metrics"
	"github.com/quickreply/quickreply/pkg/postgres"
	pkgredis "github.com/quickreply/quickreply/pkg/redis"
	"github.com/quickreply/quickreply/pkg/tracing"
)

const snapshotInterval = time.Minute

type Options struct {
	// RegisterMetrics exposes collectors on the default Prometheus registry.
	RegisterMetrics bool
	// Services enables the shared Redis cache, Kafka feeds and analytics
	// snapshots. One-shot commands leave it off.
	Services bool
}

type App struct {
	Config     *config.Config
	Instance   string
	Metrics    *metrics.Metrics
	Store      *store.Store
	Engine     *engine.Engine
	Aggregator *analytics.Aggregator
	Collector  *analytics.Collector
	Checker    *health.Checker

	watcher   *store.Watcher
	consumers []*kafka.Consumer
	snapshots *analytics.SnapshotStore
	closers   []func() error
	logger    *slog.Logger
}

// New wires the application. On error, everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{
		Config:     cfg,
		Instance:   uuid.NewString(),
		Aggregator: analytics.NewAggregator(),
		Checker:    health.NewChecker(5 * time.Second),
		logger:     slog.Default().With("component", "app"),
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	if opts.RegisterMetrics {
		a.Metrics = metrics.New(prometheus.DefaultRegisterer)
	} else {
		a.Metrics = metrics.NewUnregistered()
	}

	persister, pg, err := a.openPersister(ctx)
	if err != nil {
		return nil, err
	}

	a.Store, err = store.Open(ctx, persister, store.Options{
		Types:       cfg.Store.CategoryTypes,
		DefaultType: cfg.Store.DefaultCategoryType,
		SaveDelay:   cfg.Store.SaveDelay,
		Metrics:     a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("opening template store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.Store.Close(closeCtx)
	})

	var queryCache *cache.QueryCache
	if opts.Services && cfg.Redis.Enabled {
		queryCache = a.openQueryCache()
	}

	var publisher analytics.Publisher
	if opts.Services && cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
		a.closers = append(a.closers, producer.Close)
		publisher = producer
		a.Checker.Register("kafka", health.Optional(health.Ping(producer.Ping)))
	}
	a.Collector = analytics.NewCollector(publisher, a.Aggregator, cfg.Kafka.BufferSize)
	a.Collector.Start(context.Background())
	a.closers = append(a.closers, func() error {
		a.Collector.Close()
		return nil
	})

	a.Engine, err = engine.New(a.Store, engine.Options{
		ResultCacheSize: cfg.Search.ResultCacheSize,
		Debounce:        cfg.Search.DebounceDelay,
		WorkerTimeout:   cfg.Search.WorkerTimeout,
		QueryCache:      queryCache,
		Tracker:         a.Collector,
		Tracer:          tracing.NewTracer(cfg.Tracing.Enabled, cfg.Tracing.SampleRate),
		Instance:        a.Instance,
		Metrics:         a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("creating search engine: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.Engine.Close()
		return nil
	})
	if _, err := a.Engine.BuildIndex(ctx); err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}

	a.Checker.Register("index", health.Ready(a.Engine.Ready, "index not built"))
	if queryCache != nil {
		a.Checker.Register("redis", health.Optional(health.Ping(a.Engine.PingQueryCache)))
	}

	if opts.Services && cfg.Kafka.Enabled {
		a.wireKafka()
	}
	if opts.Services && pg != nil {
		a.snapshots = analytics.NewSnapshotStore(pg, a.Instance)
		if err := a.snapshots.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating analytics snapshots: %w", err)
		}
	}
	if fp, ok := persister.(*store.FilePersister); ok && opts.Services && cfg.Store.Watch {
		a.watcher = store.NewWatcher(fp.Dir(), a.Store, cfg.Store.WatchDebounce)
	}

	a.logger.Info("application wired",
		"instance", a.Instance,
		"backend", cfg.Store.Backend,
		"category_type", a.Store.CategoryType(),
		"query_cache", queryCache != nil,
		"kafka", opts.Services && cfg.Kafka.Enabled,
		"watch", a.watcher != nil,
	)
	return a, nil
}

func (a *App) openPersister(ctx context.Context) (store.Persister, *postgres.Client, error) {
	cfg := a.Config
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		p := store.NewPostgresPersister(pg)
		if err := p.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		a.Checker.Register("store", health.Ping(pg.Ping))
		return p, pg, nil
	default:
		p, err := store.NewFilePersister(cfg.Store.DataDir, cfg.Store.LockTimeout)
		if err != nil {
			return nil, nil, err
		}
		a.Checker.Register("store", health.Ping(func(ctx context.Context) error {
			_, err := os.Stat(p.Dir())
			return err
		}))
		return p, nil, nil
	}
}

// openQueryCache connects to Redis. An unreachable server disables the
// shared cache rather than failing startup.
func (a *App) openQueryCache() *cache.QueryCache {
	client, err := pkgredis.NewClient(a.Config.Redis)
	if err != nil {
		a.logger.Warn("redis unavailable, shared query cache disabled", "error", err)
		return nil
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("shared query cache enabled",
		"addr", a.Config.Redis.Addr,
		"ttl", a.Config.Redis.CacheTTL,
	)
	return cache.NewQueryCache(client, a.Config.Redis.CacheTTL, a.Metrics)
}

// wireKafka connects the change feed and the cluster-wide analytics
// consumer. Both consumers use an instance-specific group so every
// instance sees every message.
func (a *App) wireKafka() {
	cfg := a.Config.Kafka
	changes := kafka.NewProducer(cfg, cfg.Topics.TemplateChanges)
	a.closers = append(a.closers, changes.Close)

	feed := analytics.NewChangeFeed(changes, a.Store, a.Instance)
	unsubscribe := a.Store.Subscribe(feed.OnMutation)
	a.closers = append(a.closers, func() error {
		unsubscribe()
		return nil
	})

	group := fmt.Sprintf("%s-%s", cfg.ConsumerGroup, a.Instance)
	a.consumers = append(a.consumers,
		kafka.NewConsumer(cfg, kafka.Subscription{
			Feed:  "changes",
			Topic: cfg.Topics.TemplateChanges,
			Group: group + "-changes",
		}, feed.Handler()),
		kafka.NewConsumer(cfg, kafka.Subscription{
			Feed:  "analytics",
			Topic: cfg.Topics.AnalyticsEvents,
			Group: group + "-analytics",
		}, analytics.HandleEvent(a.Aggregator, a.Instance)),
	)
}

// Run drives the background workers until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range a.consumers {
		g.Go(func() error { return c.Start(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	if a.snapshots != nil {
		g.Go(func() error {
			a.snapshots.Run(ctx, a.Aggregator, snapshotInterval)
			return nil
		})
	}
	<-ctx.Done()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close flushes pending template changes and analytics events, then
// releases every connection.
func (a *App) Close() error {
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
