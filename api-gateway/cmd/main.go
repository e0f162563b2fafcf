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

	"github.com/nats-io/nats.go"

	"github.com/aaronwang/live-auction/api-gateway/internal/events"
	"github.com/aaronwang/live-auction/api-gateway/internal/handlers"
	"github.com/aaronwang/live-auction/api-gateway/internal/postgres"
	redisClient "github.com/aaronwang/live-auction/api-gateway/internal/redis"
	"github.com/aaronwang/live-auction/api-gateway/internal/scheduler"
	"github.com/aaronwang/live-auction/api-gateway/internal/service"
	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/logging"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("api-gateway", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("API Gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config, logger *slog.Logger) error {
	logger.Info("Starting API Gateway", "store", cfg.StoreBackend)

	// Redis carries live events to the broadcast service whichever store is used
	redis, err := redisClient.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisStrategy)
	if err != nil {
		return err
	}
	defer redis.Close()
	logger.Info("Connected to Redis", "addr", cfg.RedisAddr, "bid_strategy", redis.Strategy())

	var st store.Store = redis
	if cfg.StoreBackend == BackendPostgres {
		pg, err := postgres.Open(cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
		logger.Info("Connected to PostgreSQL")
	}

	sinks := events.Multi{liveSink(cfg, redis, logger)}
	if cfg.NatsURL != "" {
		natsConn, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsConn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		publisher, err := events.NewNATSPublisher(ctx, natsConn)
		cancel()
		if err != nil {
			return err
		}
		sinks = append(sinks, publisher)
		logger.Info("Connected to NATS", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS_URL is empty, events will not be archived")
	}

	sched := scheduler.New(st, sinks,
		scheduler.WithLogger(logger),
		scheduler.WithFireTimeout(cfg.TransitionTimeout))
	defer sched.Shutdown()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sched.Initialize(initCtx); err != nil {
		logger.Error("Some auctions could not be scheduled", "error", err)
	}
	cancel()

	bidding := service.NewBiddingService(st, sinks, service.WithLogger(logger))
	auctions := service.NewAuctionService(st, sinks, sched, service.WithLogger(logger))

	handler := handlers.NewHandler(bidding, auctions, logger)
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler.SetupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API Gateway listening", "addr", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// liveSink returns the Redis Pub/Sub sink unless live fan-out is turned off,
// e.g. for a gateway instance that only serves archival traffic
func liveSink(cfg *Config, redis events.Sink, logger *slog.Logger) events.Sink {
	if !cfg.PublishLive {
		logger.Warn("PUBLISH_LIVE is off, broadcast clients will not see events")
		return events.Discard{}
	}
	return redis
}
