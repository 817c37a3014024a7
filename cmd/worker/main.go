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
	"todo-pipeline/internal/worker"
	"todo-pipeline/pkg/logger"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		logger.Error(ctx, "Worker exited", "error", err)
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
	logger.Setup(cfg.LogLevel, "worker")

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
	workers := make([]*worker.Worker, cfg.WorkerPoolSize)
	for i := range workers {
		workers[i] = worker.New(queue.NewKafkaConsumer(qopts), repo, c, cfg.WorkerBatchSize)
	}
	pool := worker.NewPool(workers...)

	server := &http.Server{
		Addr: ":" + cfg.WorkerHTTPPort,
		Handler: routes.HealthRouter("worker",
			controller.Check{Name: "store", Ping: repo.Ping},
			controller.Check{Name: "cache", Ping: c.Ping},
			controller.Check{Name: "queue", Ping: func(ctx context.Context) error { return queue.Ping(ctx, qopts.Brokers) }},
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "Worker pool starting", "consumers", cfg.WorkerPoolSize,
			"topic", qopts.Topic, "group", qopts.GroupID, "batch_size", cfg.WorkerBatchSize)
		return pool.Run(gctx)
	})
	g.Go(func() error {
		logger.Info(gctx, "Health server listening", "port", cfg.WorkerHTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info(ctx, "Worker stopped", "stats", pool.Stats())
	return err
}
