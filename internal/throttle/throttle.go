// Package throttle provides the per-endpoint request spacer and the retry
// backoff used by the crawl stages. Both are safe for concurrent use by
// worker-pool goroutines.
package throttle

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// minInterval is the floor applied after jitter so an endpoint is never
// hammered even with aggressive configuration.
const minInterval = 100 * time.Millisecond

// Limiter enforces a minimum inter-request interval per endpoint name, with
// uniform jitter so concurrent workers do not fall into lockstep.
type Limiter struct {
	mu     sync.Mutex
	last   map[string]time.Time
	jitter float64 // 0..1, fraction of the interval
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// NewLimiter creates a limiter with the given jitter fraction. Values outside
// [0,1] are clamped.
func NewLimiter(jitter float64) *Limiter {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Limiter{
		last:   make(map[string]time.Time),
		jitter: jitter,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Wait blocks until at least one jittered interval has passed since the last
// request to endpoint, then records the new request time. The effective
// interval is interval ± interval·jitter/2, floored at 100ms.
func (l *Limiter) Wait(ctx context.Context, endpoint string, interval time.Duration) error {
	adjusted := l.adjust(interval)

	l.mu.Lock()
	now := l.now()
	wait := time.Duration(0)
	if prev, ok := l.last[endpoint]; ok {
		if elapsed := now.Sub(prev); elapsed < adjusted {
			wait = adjusted - elapsed
		}
	}
	// Reserve the slot before sleeping so concurrent callers queue behind it.
	l.last[endpoint] = now.Add(wait)
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) adjust(interval time.Duration) time.Duration {
	d := float64(interval)
	if l.jitter > 0 {
		d += d * l.jitter * (rand.Float64() - 0.5)
	}
	adjusted := time.Duration(d)
	if adjusted < minInterval {
		adjusted = minInterval
	}
	return adjusted
}

// Backoff schedules exponential retry delays per endpoint. WaitBeforeRetry
// returns false once the retry budget for an endpoint is spent.
type Backoff struct {
	mu         sync.Mutex
	counts     map[string]int
	maxRetries int
	initial    time.Duration
	max        time.Duration
	factor     float64
	sleep      func(context.Context, time.Duration) error
}

// NewBackoff creates a backoff controller. factor < 1 is treated as 2.
func NewBackoff(maxRetries int, initial, max time.Duration, factor float64) *Backoff {
	if factor < 1 {
		factor = 2
	}
	return &Backoff{
		counts:     make(map[string]int),
		maxRetries: maxRetries,
		initial:    initial,
		max:        max,
		factor:     factor,
		sleep:      sleepCtx,
	}
}

// WaitBeforeRetry sleeps min(max, initial·factor^count)·(1 ± 0.1) and
// increments the endpoint's counter. It returns false without sleeping when
// the counter has reached maxRetries, and propagates context cancellation
// through the return value by reporting false.
func (b *Backoff) WaitBeforeRetry(ctx context.Context, endpoint string) bool {
	b.mu.Lock()
	count := b.counts[endpoint]
	if count >= b.maxRetries {
		b.mu.Unlock()
		return false
	}
	b.counts[endpoint] = count + 1
	b.mu.Unlock()

	delay := float64(b.initial) * math.Pow(b.factor, float64(count))
	if capped := float64(b.max); delay > capped {
		delay = capped
	}
	delay *= 1 + 0.2*(rand.Float64()-0.5)

	if err := b.sleep(ctx, time.Duration(delay)); err != nil {
		return false
	}
	return true
}

// Reset clears the retry counter for an endpoint after a success.
func (b *Backoff) Reset(endpoint string) {
	b.mu.Lock()
	delete(b.counts, endpoint)
	b.mu.Unlock()
}

// Attempts reports how many retries have been consumed for an endpoint.
func (b *Backoff) Attempts(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[endpoint]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
