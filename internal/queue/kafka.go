package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"todo-pipeline/internal/config"
	"todo-pipeline/internal/errs"
	"todo-pipeline/internal/models"
	"todo-pipeline/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Message headers.
const (
	HeaderDeliveryCount = "delivery-count"
	HeaderNotBefore     = "not-before"
	HeaderError         = "error"
)

// fetchLinger bounds how long Receive waits for each message after the first.
const fetchLinger = 50 * time.Millisecond

var errRewinding = errors.New("consumer is rewinding to the last committed offset")

// Options configures the Kafka producer and consumer.
type Options struct {
	Brokers         []string
	Topic           string
	DLQTopic        string
	GroupID         string
	Partitions      int
	Timeout         time.Duration
	WaitTime        time.Duration
	MaxDeliveries   int
	RedeliveryDelay time.Duration
}

// OptionsFromConfig maps service configuration to queue Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Brokers:         cfg.KafkaBrokers,
		Topic:           cfg.KafkaTopic,
		DLQTopic:        cfg.KafkaDLQTopic,
		GroupID:         cfg.KafkaGroupID,
		Partitions:      cfg.KafkaPartitions,
		Timeout:         cfg.QueueTimeout,
		WaitTime:        cfg.QueueWaitTime,
		MaxDeliveries:   cfg.QueueMaxDeliveries,
		RedeliveryDelay: cfg.QueueRedeliveryDelay,
	}
}

// EnsureTopics creates the operation topic and its dead-letter topic.
// Existing topics are left as they are.
func EnsureTopics(ctx context.Context, o Options) error {
	if len(o.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", o.Brokers[0])
	if err != nil {
		return fmt.Errorf("dialing kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("looking up kafka controller: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dialing kafka controller: %w", err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(
		kafka.TopicConfig{Topic: o.Topic, NumPartitions: o.Partitions, ReplicationFactor: 1},
		kafka.TopicConfig{Topic: o.DLQTopic, NumPartitions: 1, ReplicationFactor: 1},
	)
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("creating topics: %w", err)
	}
	logger.Info(ctx, "Kafka topics ensured", "topic", o.Topic, "dlq_topic", o.DLQTopic, "partitions", o.Partitions)
	return nil
}

// Ping checks that the first broker accepts connections.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// newWriter returns a synchronous writer with retries disabled. Topic is set
// per message so the same writer serves the main and dead-letter topics.
func newWriter(o Options) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(o.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 2 * time.Millisecond,
		WriteTimeout: o.Timeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
	}
}

// KafkaPublisher publishes write operations to the operation topic.
type KafkaPublisher struct {
	opts   Options
	writer *kafka.Writer
}

func NewKafkaPublisher(o Options) *KafkaPublisher {
	return &KafkaPublisher{opts: o, writer: newWriter(o)}
}

// Publish makes one bounded attempt to enqueue op. A returned error means the
// operation was not enqueued, or that the broker could not confirm it was.
func (p *KafkaPublisher) Publish(ctx context.Context, op *models.WriteOperation) error {
	body, err := Encode(op)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.opts.Topic,
		Key:     []byte(MessageKey(op)),
		Value:   body,
		Headers: []kafka.Header{{Key: HeaderDeliveryCount, Value: []byte("1")}},
	})
	if err != nil {
		return fmt.Errorf("%w: publishing %s operation: %v", errs.ErrUnavailable, op.Operation, err)
	}
	return nil
}

func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return Ping(ctx, p.opts.Brokers)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads the operation topic as a member of a consumer group.
//
// Kafka has no per-message redelivery, so Nack re-publishes the message with
// an incremented delivery count and commits the original. If that publish
// fails the consumer refuses further commits and, on the next Receive,
// re-creates its reader from the last committed offset.
type KafkaConsumer struct {
	opts   Options
	writer *kafka.Writer
	now    func() time.Time

	mu     sync.Mutex
	reader *kafka.Reader
	dirty  bool
}

func NewKafkaConsumer(o Options) *KafkaConsumer {
	return &KafkaConsumer{
		opts:   o,
		writer: newWriter(o),
		now:    time.Now,
		reader: newReader(o),
	}
}

func newReader(o Options) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        o.Brokers,
		GroupID:        o.GroupID,
		Topic:          o.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// Receive returns up to limit deliveries. It waits up to the configured wait
// time for the first message and returns an empty batch if none arrives.
func (c *KafkaConsumer) Receive(ctx context.Context, limit int) ([]*Delivery, error) {
	reader, err := c.currentReader(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Delivery
	for len(out) < limit {
		wait := fetchLinger
		if len(out) == 0 {
			wait = c.opts.WaitTime
		}
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		m, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			if len(out) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("fetching message: %w", err)
		}

		if err := c.waitUntil(ctx, notBefore(m)); err != nil {
			return out, err
		}
		out = append(out, NewDelivery(m.Value, deliveryCount(m), m, c))
	}
	return out, nil
}

func (c *KafkaConsumer) currentReader(ctx context.Context) (*kafka.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return c.reader, nil
	}
	if err := c.reader.Close(); err != nil {
		logger.Warn(ctx, "Closing kafka reader before rewind failed", "error", err)
	}
	c.reader = newReader(c.opts)
	c.dirty = false
	logger.Warn(ctx, "Kafka consumer rewound to last committed offset", "topic", c.opts.Topic)
	return c.reader, nil
}

func (c *KafkaConsumer) waitUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(c.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *KafkaConsumer) Ack(ctx context.Context, d *Delivery) error {
	return c.commit(ctx, d)
}

// Nack schedules another delivery, or dead-letters d once it has been
// delivered MaxDeliveries times.
func (c *KafkaConsumer) Nack(ctx context.Context, d *Delivery, cause error) error {
	m, ok := d.Receipt().(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery was not produced by a kafka consumer")
	}
	if exhausted(d.Attempt, c.opts.MaxDeliveries) {
		logger.Warn(ctx, "Delivery budget exhausted, dead-lettering", "attempt", d.Attempt, "error", cause)
		return c.DeadLetter(ctx, d, cause)
	}
	next := kafka.Message{
		Topic: c.opts.Topic,
		Key:   m.Key,
		Value: m.Value,
		Headers: withHeaders(m.Headers,
			kafka.Header{Key: HeaderDeliveryCount, Value: []byte(strconv.Itoa(d.Attempt + 1))},
			kafka.Header{Key: HeaderNotBefore, Value: []byte(c.now().Add(c.opts.RedeliveryDelay).UTC().Format(time.RFC3339Nano))},
		),
	}
	return c.forward(ctx, d, next)
}

// DeadLetter moves d to the dead-letter topic without further retries.
func (c *KafkaConsumer) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	m, ok := d.Receipt().(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery was not produced by a kafka consumer")
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	dead := kafka.Message{
		Topic: c.opts.DLQTopic,
		Key:   m.Key,
		Value: m.Value,
		Headers: withHeaders(m.Headers,
			kafka.Header{Key: HeaderDeliveryCount, Value: []byte(strconv.Itoa(d.Attempt))},
			kafka.Header{Key: HeaderError, Value: []byte(reason)},
		),
	}
	if err := c.forward(ctx, d, dead); err != nil {
		return err
	}
	logger.Error(ctx, "Message dead-lettered", "dlq_topic", c.opts.DLQTopic, "key", string(m.Key),
		"attempt", d.Attempt, "error", reason)
	return nil
}

// forward publishes next and then commits the original delivery.
func (c *KafkaConsumer) forward(ctx context.Context, d *Delivery, next kafka.Message) error {
	wctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := c.writer.WriteMessages(wctx, next); err != nil {
		c.markDirty()
		return fmt.Errorf("%w: forwarding to %s: %v", errs.ErrUnavailable, next.Topic, err)
	}
	return c.commit(ctx, d)
}

func (c *KafkaConsumer) commit(ctx context.Context, d *Delivery) error {
	m, ok := d.Receipt().(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery was not produced by a kafka consumer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty {
		return errRewinding
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("committing offset %d: %w", m.Offset, err)
	}
	return nil
}

func (c *KafkaConsumer) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

func (c *KafkaConsumer) Ping(ctx context.Context) error {
	return Ping(ctx, c.opts.Brokers)
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.reader.Close(), c.writer.Close())
}

// exhausted reports whether a message delivered attempt times may not be
// delivered again.
func exhausted(attempt, maxDeliveries int) bool {
	return attempt >= maxDeliveries
}

func header(m kafka.Message, key string) (string, bool) {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if m.Headers[i].Key == key {
			return string(m.Headers[i].Value), true
		}
	}
	return "", false
}

func deliveryCount(m kafka.Message) int {
	v, ok := header(m, HeaderDeliveryCount)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func notBefore(m kafka.Message) time.Time {
	v, ok := header(m, HeaderNotBefore)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// withHeaders returns base with the given headers replacing any of the same key.
func withHeaders(base []kafka.Header, set ...kafka.Header) []kafka.Header {
	out := make([]kafka.Header, 0, len(base)+len(set))
	for _, h := range base {
		replaced := false
		for _, s := range set {
			if s.Key == h.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, h)
		}
	}
	return append(out, set...)
}
