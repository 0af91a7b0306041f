package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrInvalidMaxAttempts = errors.New("MaxAttempts must be greater than 0")

// Error is returned when all attempts are exhausted. It carries the last
// cause and the number of attempts made.
type Error struct {
	Op       string
	Attempts int
	LastErr  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.LastErr)
}

func (e *Error) Unwrap() error {
	return e.LastErr
}

// Policy defines parameters for jittered exponential backoff retries.
type Policy struct {
	// Maximum number of attempts, including the first
	MaxAttempts int
	// Delay before the first retry
	BaseDelay time.Duration
	// Multiplier applied to the delay on each retry
	ExponentialBase float64
	// Cap on the delay between retries
	MaxDelay time.Duration
	// Adds uniform jitter in +/- JitterFactor*delay when set
	Jitter       bool
	JitterFactor float64
	// Retriable reports whether an error should trigger another attempt.
	// A nil Retriable retries every error.
	Retriable func(error) bool
}

// Bus is the policy for broker connect and publish operations.
func Bus() Policy {
	return Policy{
		MaxAttempts:     5,
		BaseDelay:       500 * time.Millisecond,
		ExponentialBase: 2,
		MaxDelay:        30 * time.Second,
		Jitter:          true,
		JitterFactor:    0.1,
	}
}

// Database is the policy for persistence operations.
func Database() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		ExponentialBase: 2,
		MaxDelay:        10 * time.Second,
		Jitter:          true,
		JitterFactor:    0.1,
	}
}

// DelayFor calculates the backoff delay before the given attempt number,
// where attempt 1 is the first retry.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.ExponentialBase
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := (rand.Float64()*2 - 1) * p.JitterFactor * delay
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

func (p Policy) retriable(err error) bool {
	if p.Retriable == nil {
		return true
	}
	return p.Retriable(err)
}

// Do invokes op until it succeeds, a non-retriable error is returned, the
// context is canceled, or MaxAttempts is reached. Exhaustion returns *Error
// wrapping the last cause.
func Do(ctx context.Context, p Policy, log logrus.FieldLogger, name string, op func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 && log != nil {
				log.Infof("%s succeeded on attempt %d", name, attempt)
			}
			return nil
		}

		if !p.retriable(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.DelayFor(attempt)
		if log != nil {
			log.Warnf("attempt %d of %s failed: %v, retrying in %s", attempt, name, lastErr, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &Error{Op: name, Attempts: p.MaxAttempts, LastErr: lastErr}
}
