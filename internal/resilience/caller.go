// Package resilience wraps outbound calls with a timeout, retries and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrTimeout indicates the call did not finish within the policy timeout.
var ErrTimeout = errors.New("call timed out")

// ErrCircuitOpen indicates the breaker rejected the call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Policy configures a Caller.
type Policy struct {
	Timeout     time.Duration // overall budget, retries included
	MaxRetries  uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MinRequests uint32  // breaker only evaluates after this many requests
	FailureRate float64 // breaker trips at or above this failure ratio
	OpenTimeout time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     5 * time.Second,
		MaxRetries:  2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		MinRequests: 10,
		FailureRate: 0.5,
		OpenTimeout: 10 * time.Second,
	}
}

// Caller decorates calls to one downstream dependency.
type Caller struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker
}

// NewCaller creates a caller whose breaker is named after the dependency.
func NewCaller(name string, p Policy, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     p.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < p.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= p.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Caller{policy: p, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn under the policy. fn receives a context that expires with the
// overall timeout. The returned error wraps ErrTimeout or ErrCircuitOpen when
// those were the reason for failing.
func (c *Caller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
	}

	backoff := retry.NewExponential(c.policy.BaseDelay)
	if c.policy.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(c.policy.MaxDelay, backoff)
	}
	backoff = retry.WithMaxRetries(c.policy.MaxRetries, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
		case ctx.Err() != nil:
			return err
		default:
			return retry.RetryableError(err)
		}
	})
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// State reports the breaker state.
func (c *Caller) State() gobreaker.State {
	return c.breaker.State()
}
