// Package queuetest provides an in-memory queue with the redelivery and
// dead-letter behavior of the Kafka queue, for tests.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"todo-pipeline/internal/errs"
	"todo-pipeline/internal/models"
	"todo-pipeline/internal/queue"
)

// DeadLetter is a message moved to the dead-letter queue.
type DeadLetter struct {
	Body    []byte
	Attempt int
	Cause   string
}

type message struct {
	body    []byte
	attempt int
}

// idleWait is how long Receive waits on an empty queue before returning.
const idleWait = 5 * time.Millisecond

// Queue is a Publisher and Consumer backed by memory.
type Queue struct {
	// MaxDeliveries bounds deliveries per message; zero means 5.
	MaxDeliveries int

	mu         sync.Mutex
	pending    []message
	dead       []DeadLetter
	published  []*models.WriteOperation
	acked      int
	publishErr error
	closed     bool
}

func New() *Queue {
	return &Queue{MaxDeliveries: 5}
}

// FailPublish makes every later Publish return err; nil restores publishing.
func (q *Queue) FailPublish(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishErr = err
}

func (q *Queue) Publish(_ context.Context, op *models.WriteOperation) error {
	body, err := queue.Encode(op)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return errors.Join(errs.ErrUnavailable, q.publishErr)
	}
	q.pending = append(q.pending, message{body: body, attempt: 1})
	q.published = append(q.published, op)
	return nil
}

// PublishRaw enqueues body as-is, bypassing encoding.
func (q *Queue) PublishRaw(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, message{body: body, attempt: 1})
}

func (q *Queue) Receive(ctx context.Context, limit int) ([]*queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Pending() == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(idleWait):
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.New("queue closed")
	}
	n := min(limit, len(q.pending))
	out := make([]*queue.Delivery, 0, n)
	for _, m := range q.pending[:n] {
		out = append(out, queue.NewDelivery(m.body, m.attempt, m, q))
	}
	q.pending = q.pending[n:]
	return out, nil
}

func (q *Queue) Ack(_ context.Context, _ *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked++
	return nil
}

func (q *Queue) Nack(_ context.Context, d *queue.Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	limit := q.MaxDeliveries
	if limit <= 0 {
		limit = 5
	}
	if d.Attempt >= limit {
		q.dead = append(q.dead, deadLetter(d, cause))
		return nil
	}
	q.pending = append(q.pending, message{body: d.Body, attempt: d.Attempt + 1})
	return nil
}

func (q *Queue) DeadLetter(_ context.Context, d *queue.Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, deadLetter(d, cause))
	return nil
}

func deadLetter(d *queue.Delivery, cause error) DeadLetter {
	dl := DeadLetter{Body: d.Body, Attempt: d.Attempt}
	if cause != nil {
		dl.Cause = cause.Error()
	}
	return dl
}

func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.publishErr
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Published returns the operations accepted by Publish, in order.
func (q *Queue) Published() []*models.WriteOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.WriteOperation(nil), q.published...)
}

// Pending returns the number of messages waiting to be received.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}
