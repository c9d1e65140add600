package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/soundwave/backend/internal/config"
	"github.com/zhouzirui/soundwave/backend/internal/handler"
	"github.com/zhouzirui/soundwave/backend/internal/handler/auth"
	"github.com/zhouzirui/soundwave/backend/internal/logging"
	"github.com/zhouzirui/soundwave/backend/internal/metrics"
	"github.com/zhouzirui/soundwave/backend/internal/service/presence"
	"github.com/zhouzirui/soundwave/backend/internal/service/relay"
	"github.com/zhouzirui/soundwave/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close message store", zap.Error(err))
		}
	}()

	mirror, closeMirror := openMirror(ctx, cfg.Redis, logger)
	defer closeMirror()

	if !cfg.Auth.Enabled() {
		logger.Warn("AUTH_JWT_SECRET 未配置，进入开发模式，直接信任请求中的用户 ID")
	}

	m := metrics.New()
	registry := presence.NewRegistry()
	rl := relay.New(registry, store, relay.Options{
		Mirror:           mirror,
		Metrics:          m,
		Logger:           logger,
		MaxContentLength: cfg.Realtime.MaxContentLength,
	})
	hub := relay.NewHub(rl, relay.HubOptions{
		EventBuffer: cfg.Realtime.EventBuffer,
		LaneBuffer:  cfg.Realtime.LaneBuffer,
		Logger:      logger,
	})

	router := handler.NewRouter(handler.Dependencies{
		Config:   cfg,
		Verifier: auth.NewVerifier(cfg.Auth),
		Sender:   rl,
		History:  store,
		Registry: registry,
		Hub:      hub,
		Metrics:  m,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Soundwave backend listening", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage.Driver))
		return runServer(gctx, srv)
	})
	return g.Wait()
}

// openMirror 配置了 Redis 时把在线状态同步过去，连接失败则退回到不同步。
func openMirror(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (presence.Mirror, func()) {
	if !cfg.Enabled() {
		logger.Info("REDIS_ADDR 未配置，跳过在线状态镜像")
		return presence.NopMirror{}, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, presence mirror disabled", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = client.Close()
		return presence.NopMirror{}, func() {}
	}

	logger.Info("presence mirror enabled", zap.String("addr", cfg.Addr))
	return presence.NewRedisMirror(client), func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis client", zap.Error(err))
		}
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
