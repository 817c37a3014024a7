package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"todo-pipeline/internal/cache"
	"todo-pipeline/internal/config"
	"todo-pipeline/internal/controller"
	"todo-pipeline/internal/database"
	"todo-pipeline/internal/queue"
	"todo-pipeline/internal/repository"
	"todo-pipeline/internal/routes"
	"todo-pipeline/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		logger.Error(ctx, "API exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, "api")
	if err := cfg.ValidateAPI(); err != nil {
		return err
	}

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.MigrateOrCreateSchema(ctx, db); err != nil {
		return fmt.Errorf("schema migration: %w", err)
	}
	repo := repository.New(db, cfg.DBTimeout)

	c, err := cache.Open(ctx, cfg.RedisURL, cfg.RedisPoolSize, cfg.CacheTTLDuration(), cfg.CacheTimeout)
	if err != nil {
		return err
	}
	if closer, ok := c.(io.Closer); ok {
		defer closer.Close()
	}

	qopts := queue.OptionsFromConfig(cfg)
	if err := queue.EnsureTopics(ctx, qopts); err != nil {
		logger.Warn(ctx, "Kafka topics not ensured", "error", err)
	}
	publisher := queue.NewKafkaPublisher(qopts)
	defer publisher.Close()

	server := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: routes.Router(routes.API{
			Todos:     controller.New(repo, c, publisher, cfg.DBTimeout),
			JWTSecret: []byte(cfg.JWTSecret),
			Checks: []controller.Check{
				{Name: "store", Ping: repo.Ping},
				{Name: "cache", Ping: c.Ping},
				{Name: "queue", Ping: publisher.Ping},
			},
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "HTTP server listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-quit:
	}

	logger.Info(ctx, "Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Server shutdown error", "error", err)
	}
	logger.Info(ctx, "Server stopped")
	return nil
}
