package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"
)

// ErrRateLimited is returned when the outbound message budget is spent.
var ErrRateLimited = errors.New("outbound rate limit exceeded")

// ResilientMessenger wraps a Messenger with resilience patterns from fortify.
// Only transient failures are retried and counted by the circuit breaker;
// blocked recipients and vanished messages pass straight through.
type ResilientMessenger struct {
	next           Messenger
	circuitBreaker circuitbreaker.CircuitBreaker[domain.MessageID]
	retrier        retry.Retry[domain.MessageID]
	bulkhead       bulkhead.Bulkhead[domain.MessageID]
	rateLimit      ratelimit.RateLimiter
	logger         *slog.Logger
}

// ResilientConfig holds configuration for the resilient messenger
type ResilientConfig struct {
	EnableCircuitBreaker bool
	EnableRetry          bool
	EnableBulkhead       bool
	EnableRateLimit      bool

	// MaxConcurrent for bulkhead (default: 8)
	MaxConcurrent int

	// RatePerSecond for outbound calls (default: 25, below the platform's 30/s)
	RatePerSecond int

	// MaxAttempts per call including the first (default: 4)
	MaxAttempts int

	Logger *slog.Logger
}

// DefaultResilientConfig returns defaults tuned for a chat bot API
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		EnableCircuitBreaker: true,
		EnableRetry:          true,
		EnableBulkhead:       true,
		EnableRateLimit:      true,
		MaxConcurrent:        8,
		RatePerSecond:        25,
		MaxAttempts:          4,
	}
}

// NewResilientMessenger wraps next with the configured patterns
func NewResilientMessenger(next Messenger, cfg ResilientConfig) *ResilientMessenger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rm := &ResilientMessenger{next: next, logger: logger}

	if cfg.EnableCircuitBreaker {
		rm.circuitBreaker = circuitbreaker.New[domain.MessageID](circuitbreaker.Config{
			MaxRequests: 2,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("messenger circuit breaker state change",
					"from", from.String(),
					"to", to.String())
			},
		})
	}

	if cfg.EnableRetry {
		attempts := cfg.MaxAttempts
		if attempts <= 0 {
			attempts = 4
		}
		rm.retrier = retry.New[domain.MessageID](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable:   IsTransient,
		})
	}

	if cfg.EnableBulkhead {
		maxConcurrent := cfg.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 8
		}
		rm.bulkhead = bulkhead.New[domain.MessageID](bulkhead.Config{
			MaxConcurrent: maxConcurrent,
			MaxQueue:      maxConcurrent * 4,
			QueueTimeout:  30 * time.Second,
		})
	}

	if cfg.EnableRateLimit {
		rate := cfg.RatePerSecond
		if rate <= 0 {
			rate = 25
		}
		rm.rateLimit = ratelimit.New(&ratelimit.Config{
			Rate:     rate,
			Burst:    rate,
			Interval: time.Second,
		})
	}

	return rm
}

// IsTransient reports whether err may succeed on retry
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}

// Send delivers msg through the resilience chain
func (m *ResilientMessenger) Send(ctx context.Context, user domain.UserID, msg OutgoingMessage) (domain.MessageID, error) {
	return m.execute(ctx, func(ctx context.Context) (domain.MessageID, error) {
		return m.next.Send(ctx, user, msg)
	})
}

// Edit replaces a message's text and keyboard
func (m *ResilientMessenger) Edit(ctx context.Context, user domain.UserID, id domain.MessageID, msg OutgoingMessage) error {
	_, err := m.execute(ctx, func(ctx context.Context) (domain.MessageID, error) {
		return id, m.next.Edit(ctx, user, id, msg)
	})
	return err
}

// DeleteMessage retracts a message
func (m *ResilientMessenger) DeleteMessage(ctx context.Context, user domain.UserID, id domain.MessageID) error {
	_, err := m.execute(ctx, func(ctx context.Context) (domain.MessageID, error) {
		return id, m.next.DeleteMessage(ctx, user, id)
	})
	return err
}

// AnswerCallback acknowledges a button press
func (m *ResilientMessenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_, err := m.execute(ctx, func(ctx context.Context) (domain.MessageID, error) {
		return 0, m.next.AnswerCallback(ctx, callbackID, text)
	})
	return err
}

// execute runs op inside bulkhead, retry and circuit breaker. Permanent
// errors are carried out of band so they never trip the breaker.
func (m *ResilientMessenger) execute(ctx context.Context, op func(context.Context) (domain.MessageID, error)) (domain.MessageID, error) {
	var permanent error

	operation := func(ctx context.Context) (domain.MessageID, error) {
		if m.rateLimit != nil && !m.rateLimit.Allow(ctx, "outbound") {
			return 0, ErrRateLimited
		}
		id, err := op(ctx)
		if err != nil && !IsTransient(err) {
			permanent = err
			return id, nil
		}
		return id, err
	}

	if m.bulkhead != nil {
		inner := operation
		operation = func(ctx context.Context) (domain.MessageID, error) {
			return m.bulkhead.Execute(ctx, inner)
		}
	}

	if m.retrier != nil {
		inner := operation
		operation = func(ctx context.Context) (domain.MessageID, error) {
			return m.retrier.Do(ctx, inner)
		}
	}

	var (
		id  domain.MessageID
		err error
	)
	if m.circuitBreaker != nil {
		id, err = m.circuitBreaker.Execute(ctx, operation)
	} else {
		id, err = operation(ctx)
	}

	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			m.logger.Warn("outbound rate limit exhausted retries")
		}
		if !IsTransient(err) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return 0, err
	}
	if permanent != nil {
		return 0, permanent
	}
	return id, nil
}

// Close releases the rate limiter
func (m *ResilientMessenger) Close() error {
	if m.rateLimit != nil {
		return m.rateLimit.Close()
	}
	return nil
}
