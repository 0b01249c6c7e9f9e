package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
)

// Guarded wraps a backend with a per-call timeout, one retry and a circuit
// breaker. Unrecognized audio is a valid outcome and never trips the breaker.
type Guarded struct {
	next           Transcriber
	circuitBreaker circuitbreaker.CircuitBreaker[string]
	retrier        retry.Retry[string]
	timeout        time.Duration
}

// NewGuarded wraps next
func NewGuarded(next Transcriber, timeout time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Guarded{
		next:    next,
		timeout: timeout,
		circuitBreaker: circuitbreaker.New[string](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("speech circuit breaker state change",
					"from", from.String(),
					"to", to.String())
			},
		}),
		retrier: retry.New[string](retry.Config{
			MaxAttempts:   2,
			InitialDelay:  time.Second,
			MaxDelay:      5 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			IsRetryable: func(err error) bool {
				return !errors.Is(err, ErrUnavailable) && !errors.Is(err, context.Canceled)
			},
		}),
	}
}

// Transcribe runs the wrapped backend
func (g *Guarded) Transcribe(ctx context.Context, audio Audio) (string, error) {
	var unrecognized error

	text, err := g.circuitBreaker.Execute(ctx, func(ctx context.Context) (string, error) {
		return g.retrier.Do(ctx, func(ctx context.Context) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()

			text, err := g.next.Transcribe(callCtx, audio)
			if errors.Is(err, ErrUnrecognized) {
				unrecognized = err
				return "", nil
			}
			return text, err
		})
	})
	switch {
	case err != nil && errors.Is(err, ErrUnavailable):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	case unrecognized != nil:
		return "", unrecognized
	}
	return text, nil
}
