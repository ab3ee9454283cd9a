package reliability

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retry behavior for a repeatable step.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
	// OnRetry is called before sleeping with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Do executes fn until it succeeds, the error is not retryable, or attempts run out.
// The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !p.ShouldRetry(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if delay := p.Jitter(p.Backoff(attempt)); delay > 0 {
			if serr := p.Sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
}

// Backoff is the delay after the given failed attempt before jitter:
// BaseDelay doubled per attempt and capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	p.MaxAttempts = max(p.MaxAttempts, 1)
	if p.Sleep == nil {
		p.Sleep = SleepWithContext
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = DefaultShouldRetry
	}
	if p.Jitter == nil {
		p.Jitter = defaultJitter
	}
	return p
}

// DefaultShouldRetry retries everything except cancellation and an open breaker.
func DefaultShouldRetry(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrCircuitOpen)
}

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// OnStateChange observes every transition. It runs with the breaker locked and must not call back into it.
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker rejects calls with ErrCircuitOpen after MaxFailures consecutive
// failures. After ResetTimeout a single trial call is let through; its result
// closes or reopens the circuit.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	onChange   func(from, to BreakerState)

	state    BreakerState
	failures int
	openedAt time.Time
	trialOut bool
}

// NewCircuitBreaker constructs a breaker. MaxFailures below 1 becomes 1 and a
// non-positive ResetTimeout becomes 2s.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	c := &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: cfg.ResetTimeout,
		now:        cfg.Now,
		onChange:   cfg.OnStateChange,
	}
	if c.resetAfter <= 0 {
		c.resetAfter = 2 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// State reports the current position without advancing an expired open circuit.
func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn unless the circuit rejects it.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	now := c.now()
	if !c.allow(now) {
		return ErrCircuitOpen
	}
	err := fn()
	c.record(now, err)
	return err
}

func (c *CircuitBreaker) allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen {
		if now.Sub(c.openedAt) < c.resetAfter {
			return false
		}
		c.setState(BreakerHalfOpen)
	}
	if c.state == BreakerHalfOpen {
		if c.trialOut {
			return false
		}
		c.trialOut = true
	}
	return true
}

func (c *CircuitBreaker) record(now time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	trial := c.state == BreakerHalfOpen
	c.trialOut = false

	switch {
	case err == nil:
		c.failures = 0
		c.setState(BreakerClosed)
	case trial:
		c.failures = 0
		c.openedAt = now
		c.setState(BreakerOpen)
	default:
		c.failures++
		if c.failures >= c.maxFails {
			c.openedAt = now
			c.setState(BreakerOpen)
		}
	}
}

// setState must be called with mu held.
func (c *CircuitBreaker) setState(next BreakerState) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	if c.onChange != nil {
		c.onChange(prev, next)
	}
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu     sync.Mutex
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
// onWait, when set, observes every wait the limiter imposes.
func NewRateLimiter(rate time.Duration, burst int, onWait func(time.Duration)) *RateLimiter {
	limiter := &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		sleep:  SleepWithContext,
		onWait: onWait,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available or the context ends.
// A nil limiter, or one with a non-positive rate or burst, never waits.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := r.take()
		if wait == 0 {
			return nil
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes a token and returns 0, or returns how long until the next refill.
func (r *RateLimiter) take() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if elapsed := now.Sub(r.last); elapsed >= r.rate {
		refills := elapsed / r.rate
		r.tokens = min(r.tokens+int(refills), r.burst)
		r.last = r.last.Add(refills * r.rate)
	}
	if r.tokens > 0 {
		r.tokens--
		return 0
	}
	return max(r.rate-now.Sub(r.last), time.Nanosecond)
}

// Guard runs fn behind an optional limiter and breaker.
func Guard(ctx context.Context, limiter *RateLimiter, breaker *CircuitBreaker, fn func() error) error {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return breaker.Execute(fn)
}

// SleepWithContext sleeps for d or until ctx ends.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
