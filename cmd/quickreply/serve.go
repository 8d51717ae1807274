package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quickreply/quickreply/internal/api/handler"
	"github.com/quickreply/quickreply/internal/app"
	"github.com/quickreply/quickreply/pkg/metrics"
	"github.com/quickreply/quickreply/pkg/middleware"
)

const (
	sessionReapInterval = time.Minute
	sessionIdleTimeout  = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{RegisterMetrics: cfg.Metrics.Enabled, Services: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	sessions := handler.NewSessions(a.Engine.NewPipeline, cfg.Search.MaxSessions, a.Metrics)
	h := handler.New(a.Engine, a.Store, sessions, handler.Options{
		Tracker:    a.Collector,
		Aggregator: a.Aggregator,
		Instance:   a.Instance,
	})

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", a.Checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", a.Checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(a.Metrics)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Port, a.Instance)
		g.Go(func() error { return ms.Run(gctx, cfg.Server.ShutdownTimeout) })
	}
	g.Go(func() error {
		sessions.Run(gctx, sessionReapInterval, sessionIdleTimeout)
		return nil
	})
	g.Go(func() error {
		slog.Info("quickreply listening",
			"addr", server.Addr,
			"category_type", a.Store.CategoryType(),
			"instance", a.Instance,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("quickreply stopped")
	return nil
}
