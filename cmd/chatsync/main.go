// Package main is the entry point for the chatsync server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/config"
	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/handler"
	natsclient "github.com/capitalize-ai/chatsync/internal/nats"
	redisfeed "github.com/capitalize-ai/chatsync/internal/redis"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/internal/store/memory"
	"github.com/capitalize-ai/chatsync/internal/store/postgres"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting chatsync",
		zap.String("gateway", cfg.GatewayDriver),
		zap.String("feed", cfg.FeedDriver),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		shutdown, err := tracing.InitTracer(ctx, "chatsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer shutdown(context.Background())
		}
	}

	checks := map[string]handler.Checker{}

	transport, err := openFeed(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer transport.Close()
	checks["feed"] = transport

	store, closeStore, err := openGateway(ctx, cfg, transport, log, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	gw := gateway.NewRetrying(gateway.NewInstrumented(store), gateway.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		CallTimeout:     cfg.GatewayTimeout,
	}, log)

	manager := service.NewManager(service.Deps{
		Gateway:         gw,
		Feed:            transport,
		Logger:          log,
		RefreshInterval: cfg.DirectoryRefreshInterval,
		RefreshBurst:    cfg.DirectoryRefreshBurst,
		ReadTimeout:     cfg.GatewayTimeout,
	})
	defer manager.Shutdown()

	router := handler.NewRouter(handler.RouterConfig{
		Manager:           manager,
		Logger:            log,
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Checks:            checks,
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: cfg.ServerReadTimeout,
		// Event streams stay open; zero disables the write deadline.
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	// Sessions go first so open event streams see their views close.
	manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func openFeed(ctx context.Context, cfg *config.Config, log *logger.Logger) (feed.Transport, error) {
	switch cfg.FeedDriver {
	case config.DriverNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "chatsync",
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		streams := natsclient.NewStreamManager(client, log)
		if err := streams.EnsureStream(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
		return streams, nil
	case config.DriverRedis:
		f, err := redisfeed.NewFeed(ctx, redisfeed.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return f, nil
	default:
		return feed.NewBus(log), nil
	}
}

func openGateway(ctx context.Context, cfg *config.Config, publisher feed.Publisher, log *logger.Logger, checks map[string]handler.Checker) (gateway.Gateway, func(), error) {
	switch cfg.GatewayDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate: %w", err)
		}
		checks["database"] = handler.CheckFunc(func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		})
		return postgres.NewStore(pool, publisher, log), pool.Close, nil
	default:
		return memory.NewStore(publisher, log), func() {}, nil
	}
}
