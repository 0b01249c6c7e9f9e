package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned when publishing on a closed connection
var ErrClosed = errors.New("queue connection closed")

// ReconnectConfig bounds the reconnection backoff
type ReconnectConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectConfig retries for roughly five minutes
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  12,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Connection manages the RabbitMQ connection with automatic reconnection
type Connection struct {
	url     string
	logger  *slog.Logger
	retrier retry.Retry[struct{}]

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	reconnected chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	reconnects atomic.Int64
}

// NewConnection dials url and declares the queue topology
func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	return NewConnectionWithConfig(url, DefaultReconnectConfig(), logger)
}

// NewConnectionWithConfig is NewConnection with explicit reconnect bounds
func NewConnectionWithConfig(url string, cfg ReconnectConfig, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultReconnectConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		url:         url,
		logger:      logger,
		reconnected: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  cfg.InitialDelay,
			MaxDelay:      cfg.MaxDelay,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
		}),
	}

	if err := c.connect(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// connect dials, opens a channel, declares queues and starts watching for
// connection loss.
func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(ch, Topology); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		ch.Close()
		conn.Close()
		return ErrClosed
	}
	c.conn, c.channel = conn, ch
	c.mu.Unlock()

	go c.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))

	c.logger.Info("connected to RabbitMQ", "url", sanitizeURL(c.url))
	return nil
}

func declare(ch *amqp.Channel, topology []QueueSpec) error {
	for _, q := range topology {
		_, err := ch.QueueDeclare(
			q.Name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			queueArgs(q),
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}
	return nil
}

func queueArgs(q QueueSpec) amqp.Table {
	if q.TTL <= 0 {
		return nil
	}
	return amqp.Table{"x-message-ttl": int32(q.TTL / time.Millisecond)}
}

// watch waits for the connection or its channel to drop and reconnects
// with backoff.
func (c *Connection) watch(conn *amqp.Connection, connClosed, chClosed <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
		// A channel exception leaves the connection up; recycle it.
		if amqpErr != nil && !conn.IsClosed() {
			conn.Close()
		}
	}
	if amqpErr == nil || c.ctx.Err() != nil {
		return
	}

	c.logger.Warn("RabbitMQ connection lost, reconnecting",
		"error", amqpErr,
		"reconnects", c.reconnects.Load(),
	)

	attempts := 0
	_, err := c.retrier.Do(c.ctx, func(context.Context) (struct{}, error) {
		attempts++
		err := c.connect()
		if err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Error("reconnection failed", "error", err, "attempt", attempts)
		}
		return struct{}{}, err
	})
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("giving up on RabbitMQ", "attempts", attempts, "error", err)
		}
		return
	}

	c.reconnects.Add(1)
	c.logger.Info("reconnected to RabbitMQ", "attempts", attempts)

	c.mu.Lock()
	close(c.reconnected)
	c.reconnected = make(chan struct{})
	c.mu.Unlock()
}

// NotifyReconnect returns a channel closed after the next successful
// reconnection.
func (c *Connection) NotifyReconnect() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// Reconnects reports how often the connection was re-established
func (c *Connection) Reconnects() int64 {
	return c.reconnects.Load()
}

// Channel returns the current channel (thread-safe)
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Close stops reconnection and closes the connection
func (c *Connection) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// IsConnected checks if the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx.Err() == nil && c.conn != nil && !c.conn.IsClosed()
}

// PublishJSON publishes a persistent JSON message to a queue
func (c *Connection) PublishJSON(ctx context.Context, queue string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if !c.IsConnected() {
		return ErrClosed
	}
	ch := c.Channel()

	return ch.PublishWithContext(
		ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// sanitizeURL hides the password of an AMQP URL for logging
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if len(raw) > 20 {
			return raw[:20] + "..."
		}
		return raw
	}
	return u.Redacted()
}
