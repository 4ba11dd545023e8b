// Package retry runs operations with exponential backoff on transient errors.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/facepay/internal/logging"
)

// Policy controls the number of attempts and the backoff between them.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable decides whether an error is worth another attempt.
	// IsTransient is used when nil.
	Retryable func(error) bool
}

// Default mirrors what the storage and cache layers use in production.
func Default() Policy {
	return Policy{Attempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
}

// Do calls fn until it succeeds, returns a non-retryable error or the policy
// runs out of attempts. Failures are returned as *logging.OperationError.
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation, subject string, fn func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	if p.Attempts <= 1 {
		return logging.NewOperationError(operation, subject, fn())
	}

	backoff := p.InitialBackoff
	opLogger := logging.WithOperation(logger, operation, subject)
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, subject, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !retryable(err) || attempt == p.Attempts-1 {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, subject, err)
		}

		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, subject, err)
}

// IsTransient reports whether err looks like a timeout or temporary failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
