// Package queue carries write operations from the api to the worker.
//
// Delivery is at-least-once. A consumer hands out Deliveries; each must end
// in exactly one of Ack, Nack (redeliver, or dead-letter once the delivery
// budget is spent) or DeadLetter (never retry).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"todo-pipeline/internal/errs"
	"todo-pipeline/internal/models"

	"github.com/go-playground/validator/v10"
)

// Publisher enqueues write operations.
type Publisher interface {
	Publish(ctx context.Context, op *models.WriteOperation) error
}

// Consumer receives batches of deliveries. Receive returns an empty batch
// when nothing arrived within the consumer's wait time.
type Consumer interface {
	Receive(ctx context.Context, limit int) ([]*Delivery, error)
	Close() error
}

// Acker settles deliveries on behalf of the consumer that produced them.
type Acker interface {
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, cause error) error
	DeadLetter(ctx context.Context, d *Delivery, cause error) error
}

// Delivery is one received message.
type Delivery struct {
	Body []byte
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int

	receipt any
	acker   Acker
}

// NewDelivery is used by Consumer implementations. receipt is whatever the
// acker needs to settle the message.
func NewDelivery(body []byte, attempt int, receipt any, a Acker) *Delivery {
	return &Delivery{Body: body, Attempt: attempt, receipt: receipt, acker: a}
}

func (d *Delivery) Receipt() any { return d.receipt }

func (d *Delivery) Ack(ctx context.Context) error { return d.acker.Ack(ctx, d) }

func (d *Delivery) Nack(ctx context.Context, cause error) error { return d.acker.Nack(ctx, d, cause) }

func (d *Delivery) DeadLetter(ctx context.Context, cause error) error {
	return d.acker.DeadLetter(ctx, d, cause)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode validates op and serializes it for the wire.
func Encode(op *models.WriteOperation) ([]byte, error) {
	if err := check(op); err != nil {
		return nil, err
	}
	return json.Marshal(op)
}

// Decode parses and validates a message body. Any failure wraps errs.ErrPoison:
// a body that does not decode now never will.
func Decode(body []byte) (*models.WriteOperation, error) {
	var op models.WriteOperation
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPoison, err)
	}
	if err := check(&op); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPoison, err)
	}
	return &op, nil
}

func check(op *models.WriteOperation) error {
	if err := validate.Struct(op); err != nil {
		return err
	}
	switch op.Operation {
	case models.OperationCreate:
		if op.TodoID != nil {
			return fmt.Errorf("create must not carry todo_id")
		}
	default:
		if op.TodoID == nil {
			return fmt.Errorf("%s requires todo_id", op.Operation)
		}
	}
	return nil
}

// MessageKey returns the partitioning key of op. Operations on the same todo
// share a key, so they are delivered in publish order.
func MessageKey(op *models.WriteOperation) string {
	if op.TodoID != nil {
		return "todo:" + strconv.FormatInt(*op.TodoID, 10)
	}
	return "op:" + op.OperationID
}
