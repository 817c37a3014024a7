// Seed enqueues create operations for the worker to apply. Run from project root: go run ./scripts/seed
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"todo-pipeline/internal/config"
	"todo-pipeline/internal/models"
	"todo-pipeline/internal/queue"
	"todo-pipeline/pkg/logger"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	total := flag.Int("n", 10_000, "number of todos to create")
	concurrency := flag.Int("concurrency", 32, "parallel publishes")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Config failed:", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, "seed")

	ctx := context.Background()
	qopts := queue.OptionsFromConfig(cfg)
	if err := queue.EnsureTopics(ctx, qopts); err != nil {
		logger.Warn(ctx, "Kafka topics not ensured", "error", err)
	}
	publisher := queue.NewKafkaPublisher(qopts)
	defer publisher.Close()

	start := time.Now()
	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 1; i <= *total; i++ {
		g.Go(func() error {
			title := fmt.Sprintf("Todo %d", i)
			description := fmt.Sprintf("Description for todo %d", i)
			priority := models.PriorityMedium
			completed := false
			op := &models.WriteOperation{
				OperationID: uuid.NewString(),
				Operation:   models.OperationCreate,
				Fields: models.Fields{
					Title:       &title,
					Description: &description,
					Completed:   &completed,
					Priority:    &priority,
				},
				IssuedAt: time.Now().UTC(),
			}
			if err := publisher.Publish(gctx, op); err != nil {
				return err
			}
			if n := sent.Add(1); n%500 == 0 {
				fmt.Printf("\rEnqueued %d / %d", n, *total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "\nPublish failed:", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone: %d create operations in %v\n", sent.Load(), time.Since(start))
}
