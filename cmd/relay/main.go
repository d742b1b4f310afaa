// Command relay forwards message inserts from PostgreSQL to NATS.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/campusbazaar/chat-app/internal/changefeed"
	"github.com/campusbazaar/chat-app/internal/config"
	"github.com/campusbazaar/chat-app/internal/messaging"
	"github.com/campusbazaar/chat-app/internal/metrics"
	"github.com/campusbazaar/chat-app/internal/obs"
)

func main() {
	cfg := config.MustLoadRelay()
	logger := obs.NewLogger(cfg.Env, cfg.Log.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsClient, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-relay",
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	relay := changefeed.NewRelay(changefeed.Config{
		DSN:                  cfg.Postgres.DSN,
		MinReconnectInterval: cfg.Relay.MinReconnect,
		MaxReconnectInterval: cfg.Relay.MaxReconnect,
		PingInterval:         cfg.Relay.PingInterval,
	}, natsClient, logger)

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              cfg.Relay.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("relay starting", "nats_url", cfg.NATS.URL, "metrics_addr", cfg.Relay.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
