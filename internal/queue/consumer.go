package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrMalformed marks a message that can never be processed
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body
type Handler func(ctx context.Context, body []byte) error

// AccessHandler decodes AccessGrantedEvent messages for fn
func AccessHandler(fn func(ctx context.Context, ev *AccessGrantedEvent) error) Handler {
	return func(ctx context.Context, body []byte) error {
		var ev AccessGrantedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if ev.UserID <= 0 {
			return fmt.Errorf("%w: missing user id", ErrMalformed)
		}
		return fn(ctx, &ev)
	}
}

// RenderedHandler decodes CertificateRendered messages for fn
func RenderedHandler(fn func(ctx context.Context, res *CertificateRendered) error) Handler {
	return func(ctx context.Context, body []byte) error {
		var res CertificateRendered
		if err := json.Unmarshal(body, &res); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return fn(ctx, &res)
	}
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers  int           // Number of concurrent workers
	Prefetch int           // Prefetch count per worker
	Timeout  time.Duration // Per-message handler deadline
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:  3,
		Prefetch: 1, // Process one at a time per worker for fairness
		Timeout:  30 * time.Second,
	}
}

// Consumer feeds one queue to a handler through a worker pool
type Consumer struct {
	conn       *Connection
	queue      string
	handler    Handler
	workers    int
	prefetch   int
	timeout    time.Duration
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewConsumer creates a new queue consumer
func NewConsumer(conn *Connection, queue string, handler Handler, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		queue:    queue,
		handler:  handler,
		workers:  cfg.Workers,
		prefetch: cfg.Prefetch,
		timeout:  cfg.Timeout,
		logger:   logger.With("queue", queue),
	}
}

// Start subscribes to the queue and starts the workers. The subscription
// is renewed after every reconnect until Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	msgs, err := c.subscribe()
	if err != nil {
		c.cancelFunc()
		return err
	}

	c.logger.Info("starting queue consumer", "workers", c.workers, "prefetch", c.prefetch)

	c.wg.Add(1)
	go c.supervise(ctx, msgs)
	return nil
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrClosed
	}

	if err := ch.Qos(c.prefetch*c.workers, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queue,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (manual ack for reliability)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", c.queue, err)
	}
	return msgs, nil
}

// supervise runs a worker pool per subscription and resubscribes when the
// delivery channel closes.
func (c *Consumer) supervise(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		var pool sync.WaitGroup
		for i := 0; i < c.workers; i++ {
			pool.Add(1)
			go func(id int) {
				defer pool.Done()
				c.worker(ctx, id, msgs)
			}(i)
		}
		pool.Wait()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("delivery channel closed, waiting for reconnect")

		msgs = c.resubscribe(ctx)
		if msgs == nil {
			return
		}
		c.logger.Info("queue consumer resubscribed")
	}
}

// resubscribe blocks until a subscription succeeds or ctx ends
func (c *Consumer) resubscribe(ctx context.Context) <-chan amqp.Delivery {
	for {
		wait := c.conn.NotifyReconnect()
		if c.conn.IsConnected() {
			msgs, err := c.subscribe()
			if err == nil {
				return msgs
			}
			c.logger.Error("resubscribe failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wait:
		}
	}
}

// worker processes messages until the channel closes or ctx ends
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage handles a single delivery. Malformed messages are dropped;
// a failing handler gets one redelivery before the message is dropped.
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	start := time.Now()

	msgCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.handleSafely(msgCtx, msg.Body)
	duration := time.Since(start)

	switch {
	case err == nil:
		if err := msg.Ack(false); err != nil {
			c.logger.Error("failed to ack message", "worker_id", workerID, "error", err)
		}

	case errors.Is(err, ErrMalformed):
		c.logger.Error("dropping malformed message", "worker_id", workerID, "error", err)
		_ = msg.Reject(false)

	case !msg.Redelivered:
		c.logger.Warn("message processing failed, requeueing",
			"worker_id", workerID,
			"error", err,
			"duration", duration,
		)
		_ = msg.Nack(false, true)

	default:
		c.logger.Error("message failed after redelivery, dropping",
			"worker_id", workerID,
			"error", err,
			"duration", duration,
		)
		_ = msg.Reject(false)
	}
}

func (c *Consumer) handleSafely(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, body)
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	if c.logger != nil {
		c.logger.Info("consumer stopped")
	}
}
