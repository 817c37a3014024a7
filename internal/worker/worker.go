package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"todo-pipeline/internal/cache"
	"todo-pipeline/internal/errs"
	"todo-pipeline/internal/models"
	"todo-pipeline/internal/queue"
	"todo-pipeline/internal/repository"
	"todo-pipeline/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// receiveBackoff is the pause after a failed Receive.
const receiveBackoff = time.Second

// State is where a delivery is in its processing.
type State string

const (
	StateReceived  State = "received"
	StateApplying  State = "applying"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Applier applies a write operation to the store atomically and idempotently.
type Applier interface {
	Apply(ctx context.Context, op *models.WriteOperation) (*repository.Result, error)
}

// Stats counts settled deliveries.
type Stats struct {
	Committed    int64
	Failed       int64
	DeadLettered int64
}

// Worker consumes write operations: apply, invalidate, ack.
type Worker struct {
	consumer  queue.Consumer
	store     Applier
	cache     cache.Cache
	batchSize int

	committed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

func New(consumer queue.Consumer, store Applier, c cache.Cache, batchSize int) *Worker {
	return &Worker{consumer: consumer, store: store, cache: c, batchSize: batchSize}
}

// Run processes batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		_, err := w.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error(ctx, "Worker receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
		}
	}
}

// ProcessBatch receives one batch and handles each delivery in order.
// It returns how many deliveries were received.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	batch, err := w.consumer.Receive(ctx, w.batchSize)
	for _, d := range batch {
		w.Handle(ctx, d)
	}
	return len(batch), err
}

// Handle runs one delivery through received -> applying -> committed|failed.
// Acknowledgement happens only after the store write and the cache
// invalidation both succeeded.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) State {
	ctx = logger.With(ctx, "attempt", d.Attempt)
	logger.Debug(ctx, "Delivery state", "state", StateReceived)

	op, err := queue.Decode(d.Body)
	if err != nil {
		return w.deadLetter(ctx, d, err)
	}
	ctx = logger.With(ctx, "operation_id", op.OperationID, "operation", op.Operation)
	logger.Debug(ctx, "Delivery state", "state", StateApplying)

	res, err := w.store.Apply(ctx, op)
	if err != nil {
		if errors.Is(err, errs.ErrPoison) {
			return w.deadLetter(ctx, d, err)
		}
		return w.nack(ctx, d, err)
	}
	ctx = logger.With(ctx, "todo_id", res.TodoID)

	// Duplicates invalidate too: an earlier delivery may have committed the
	// write and then failed here.
	err = w.cache.Invalidate(ctx, cache.TodoKey(res.TodoID), cache.Key{Scope: cache.ListScope})
	if err != nil {
		return w.nack(ctx, d, err)
	}

	if err := d.Ack(ctx); err != nil {
		logger.Error(ctx, "Ack failed, message will be redelivered", "error", err)
		w.failed.Add(1)
		return StateFailed
	}
	w.committed.Add(1)
	logger.Info(ctx, "Operation committed",
		"state", StateCommitted, "changed", res.Changed, "duplicate", res.Duplicate,
		"notifications", res.Notifications)
	return StateCommitted
}

func (w *Worker) nack(ctx context.Context, d *queue.Delivery, cause error) State {
	logger.Warn(ctx, "Operation failed, requesting redelivery", "state", StateFailed, "error", cause)
	if err := d.Nack(ctx, cause); err != nil {
		logger.Error(ctx, "Nack failed", "error", err)
	}
	w.failed.Add(1)
	return StateFailed
}

func (w *Worker) deadLetter(ctx context.Context, d *queue.Delivery, cause error) State {
	logger.Error(ctx, "Poison message, dead-lettering", "state", StateFailed, "error", cause)
	if err := d.DeadLetter(ctx, cause); err != nil {
		logger.Error(ctx, "Dead-letter failed", "error", err)
	}
	w.failed.Add(1)
	w.deadLettered.Add(1)
	return StateFailed
}

func (w *Worker) Stats() Stats {
	return Stats{
		Committed:    w.committed.Load(),
		Failed:       w.failed.Load(),
		DeadLettered: w.deadLettered.Load(),
	}
}

// Pool runs workers concurrently, one consumer each.
type Pool struct {
	workers []*Worker
}

func NewPool(workers ...*Worker) *Pool {
	return &Pool{workers: workers}
}

// Run blocks until ctx is cancelled, then closes every consumer.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range p.workers {
		g.Go(func() error {
			wctx := logger.With(ctx, "consumer", i)
			logger.Info(wctx, "Consumer started")
			err := w.Run(wctx)
			if cerr := w.consumer.Close(); cerr != nil {
				logger.Warn(wctx, "Consumer close failed", "error", cerr)
			}
			logger.Info(wctx, "Consumer stopped", "stats", w.Stats())
			return err
		})
	}
	return g.Wait()
}

// Stats sums the stats of every worker.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, w := range p.workers {
		ws := w.Stats()
		s.Committed += ws.Committed
		s.Failed += ws.Failed
		s.DeadLettered += ws.DeadLettered
	}
	return s
}
