// Command chatd runs the marketplace chat gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/campusbazaar/chat-app/internal/auth"
	"github.com/campusbazaar/chat-app/internal/changefeed"
	"github.com/campusbazaar/chat-app/internal/config"
	"github.com/campusbazaar/chat-app/internal/gateway"
	"github.com/campusbazaar/chat-app/internal/messaging"
	"github.com/campusbazaar/chat-app/internal/obs"
	"github.com/campusbazaar/chat-app/internal/presence"
	"github.com/campusbazaar/chat-app/internal/ratelimit"
	"github.com/campusbazaar/chat-app/internal/store"
)

func main() {
	tokenFor := flag.String("token-for", "", "print a signed token for this user id and exit")
	withRelay := flag.Bool("with-relay", false, "also run the change-feed relay in this process")
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage: %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(out, "\n%s\n", config.Usage())
	}
	flag.Parse()

	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.Env, cfg.Log.Level)
	slog.SetDefault(logger)

	authManager := auth.New(cfg.Auth.Secret, cfg.Auth.TokenTTL)

	if *tokenFor != "" {
		token, expiresAt, err := authManager.Issue(*tokenFor)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
		return
	}

	if err := run(cfg, authManager, *withRelay, logger); err != nil {
		logger.Error("chatd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, authManager *auth.Manager, withRelay bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := store.New(ctx, store.Config{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Postgres.Migrate {
		if err := db.Migrate(); err != nil {
			return err
		}
	}

	// --- NATS ---
	natsClient, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Limits fail open and presence writes are best-effort.
		logger.Warn("redis unavailable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	serverName := cfg.Gateway.Name
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chatd-1"
	}

	gwConfig := gateway.DefaultServerConfig()
	gwConfig.ListenAddr = cfg.Gateway.Addr
	gwConfig.MaxConnections = cfg.Gateway.MaxConnections
	gwConfig.MarkReadTimeout = cfg.Gateway.ReadTimeout
	gwConfig.Heartbeat = gateway.HeartbeatConfig{
		Interval: cfg.Gateway.HeartbeatInterval,
		Timeout:  cfg.Gateway.PongTimeout,
	}

	server := gateway.NewServer(gwConfig, gateway.Deps{
		Store:    db,
		Realtime: natsClient,
		Auth:     authManager,
		Limiter:  ratelimit.NewLimiter(rdb, logger),
		Presence: presence.NewStore(rdb, serverName),
	}, logger)

	logger.Info("chatd starting",
		"addr", cfg.Gateway.Addr,
		"server_name", serverName,
		"nats_url", cfg.NATS.URL,
		"redis_addr", cfg.Redis.Addr,
		"with_relay", withRelay,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if withRelay {
		relay := changefeed.NewRelay(changefeed.Config{
			DSN:                  cfg.Postgres.DSN,
			MinReconnectInterval: cfg.Relay.MinReconnect,
			MaxReconnectInterval: cfg.Relay.MaxReconnect,
			PingInterval:         cfg.Relay.PingInterval,
		}, natsClient, logger)
		g.Go(func() error { return relay.Run(gctx) })
	}

	return g.Wait()
}
