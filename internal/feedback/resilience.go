package feedback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig shapes the delay between attempts. A zero InitialInterval
// disables the delay entirely.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default delay policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackOff builds the policy for one task. The attempt budget is enforced
// by the loop, so the policy itself never gives up on elapsed time.
func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	if c.InitialInterval <= 0 {
		return backoff.WithContext(&backoff.ZeroBackOff{}, ctx)
	}
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = c.InitialInterval
	if c.MaxInterval > 0 {
		p.MaxInterval = c.MaxInterval
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	p.RandomizationFactor = c.RandomizationFactor
	p.MaxElapsedTime = 0
	p.Reset()
	return backoff.WithContext(p, ctx)
}

// wait sleeps for the policy's next delay, returning early with the context
// error when ctx ends.
func wait(ctx context.Context, b backoff.BackOff) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("backoff policy stopped")
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerConfig configures the per-executor circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // failures in a row that open the breaker
	OpenTimeout         time.Duration // how long it stays open before probing
	HalfOpenRequests    uint32        // probes allowed while half-open
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// BreakerRegistry hands out one circuit breaker per executor tag, so a
// misbehaving tool stops being hammered while other executors keep working.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. logger may be nil.
func NewBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	return &BreakerRegistry{cfg: cfg, logger: logger, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Get returns the breaker for executorTag, creating it on first use.
func (r *BreakerRegistry) Get(executorTag string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[executorTag]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        executorTag,
		MaxRequests: r.cfg.HalfOpenRequests,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("executor", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the executor's health.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[executorTag] = cb
	return cb
}

// pollInterval is how often a deferred attempt checks whether its breaker
// admits calls again.
func (r *BreakerRegistry) pollInterval() time.Duration {
	timeout := r.cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second // gobreaker's default open period
	}
	d := timeout / 10
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

// await blocks until cb has left the open state or ctx ends.
func (r *BreakerRegistry) await(ctx context.Context, cb *gobreaker.CircuitBreaker) error {
	t := time.NewTicker(r.pollInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if cb.State() != gobreaker.StateOpen {
			return nil
		}
	}
}
