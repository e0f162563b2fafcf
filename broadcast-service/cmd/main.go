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

	redisClient "github.com/aaronwang/live-auction/broadcast-service/internal/redis"
	wsHandler "github.com/aaronwang/live-auction/broadcast-service/internal/websocket"
	"github.com/aaronwang/live-auction/shared/config"
	"github.com/aaronwang/live-auction/shared/logging"
	"github.com/aaronwang/live-auction/shared/models"
)

// Config holds application configuration
type Config struct {
	ServerAddr    string `yaml:"server_addr"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("broadcast-service", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("Broadcast Service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subscriber, err := redisClient.NewSubscriber(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return err
	}
	defer subscriber.Close()

	// Subscribe to all auction events using pattern matching
	if err := subscriber.SubscribeToPattern(ctx, models.RedisChannelPattern); err != nil {
		return err
	}
	logger.Info("Subscribed to auction events", "pattern", models.RedisChannelPattern)

	wsManager := wsHandler.NewManager(logger)
	go wsManager.Run(ctx)

	messages := make(chan *redisClient.Message, 256)
	go func() {
		if err := subscriber.Listen(ctx, messages); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Redis listener stopped", "error", err)
		}
		close(messages)
	}()

	// Redis Pub/Sub -> WebSocket rooms
	go func() {
		for msg := range messages {
			wsManager.Broadcast(msg.AuctionID, []byte(msg.Payload))
		}
	}()

	server := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     wsHandler.NewHandler(wsManager).SetupRoutes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Broadcast Service listening", "addr", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// loadConfig reads CONFIG_FILE if set, then applies environment overrides
func loadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddr: ":8081",
		RedisAddr:  "localhost:6379",
		LogLevel:   "info",
		LogFormat:  "text",
	}
	if err := config.LoadFile(config.GetEnv("CONFIG_FILE", ""), cfg); err != nil {
		return nil, err
	}

	cfg.ServerAddr = config.GetEnv("SERVER_ADDR", cfg.ServerAddr)
	cfg.RedisAddr = config.GetEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = config.GetEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = config.GetEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.LogLevel = config.GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = config.GetEnv("LOG_FORMAT", cfg.LogFormat)
	return cfg, nil
}
