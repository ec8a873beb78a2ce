package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/ban"
	"github.com/whisper/presence-relay/internal/config"
	"github.com/whisper/presence-relay/internal/messaging"
	"github.com/whisper/presence-relay/internal/notify"
	"github.com/whisper/presence-relay/internal/presence"
	"github.com/whisper/presence-relay/internal/ratelimit"
	"github.com/whisper/presence-relay/internal/relay"
	"github.com/whisper/presence-relay/internal/room"
	"github.com/whisper/presence-relay/internal/router"
	"github.com/whisper/presence-relay/internal/session"
	"github.com/whisper/presence-relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay exited", zap.Error(err))
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("presence relay starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.String("server_name", cfg.ServerName),
		zap.String("notify_store", cfg.NotifyStore),
		zap.Bool("redis", cfg.RedisEnabled),
		zap.Bool("nats", cfg.NATSEnabled))

	// --- Redis: presence mirror, blocklist, rate limits ---
	var (
		rdb       *redis.Client
		mirror    *session.Store
		blocklist auth.Blocklist
		limiter   *ratelimit.Limiter
	)
	if cfg.RedisEnabled {
		var err error
		mirror, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return err
		}
		defer mirror.Close()

		rdb = mirror.Client()
		blocklist = ban.NewStore(rdb)
		limiter = ratelimit.NewLimiter(rdb, logger)

		// Entries left behind by an unclean exit of this server.
		if err := mirror.Purge(ctx); err != nil {
			logger.Warn("purge stale presence", zap.Error(err))
		}
	}

	// --- Notification store ---
	store, err := notify.Open(ctx, notify.StoreOptions{
		Kind:        cfg.NotifyStore,
		Redis:       rdb,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Dispatcher ---
	hub := relay.NewHub(cfg.Hub(), presence.NewRegistry(), room.NewManager(room.NewHistory()), store, logger)
	if mirror != nil {
		hub.SetMirror(mirror)
	}
	if limiter != nil {
		hub.SetLimiter(limiter)
	}

	// --- NATS ---
	if cfg.NATSEnabled {
		nc, err := messaging.NewNATSClient(cfg.NATS(), logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		hub.SetPublisher(nc)
		err = nc.SubscribeDeliver(func(ev messaging.NotificationEvent) {
			if err := hub.DeliverExternal(ev); err != nil {
				var verr *router.ValidationError
				if errors.As(err, &verr) {
					logger.Warn("external notification rejected", zap.String("code", verr.Code), zap.String("id", ev.ID))
					return
				}
				logger.Warn("external notification rejected", zap.String("id", ev.ID), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}

	// --- WebSocket server ---
	gateway := auth.NewGateway(cfg.Auth(), blocklist, logger)
	server := ws.NewServer(cfg.Server(), gateway, hub.WSHandler(), logger)
	server.SetStats(hub)
	if limiter != nil {
		server.SetLimiter(limiter)
	}

	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		stop()
		<-hubDone
		return err
	}

	// The hub tells every client why it is going away before the transport
	// is torn down.
	if err := <-hubDone; err != nil {
		logger.Warn("dispatcher stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}

	if mirror != nil {
		if err := mirror.Purge(shutdownCtx); err != nil {
			logger.Warn("purge presence", zap.Error(err))
		}
	}

	logger.Info("presence relay stopped")
	return nil
}
