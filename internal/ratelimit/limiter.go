// Package ratelimit throttles transfer workers with a decaying byte bucket.
//
// Every tick the consumed counter decays by a tenth of the ceiling. Workers
// charge the bytes they moved and wait while the counter sits above the
// ceiling, so a burst can overshoot by at most one charge.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tickInterval = 100 * time.Millisecond
	pollInterval = 10 * time.Millisecond
)

// Limiter is shared by all workers of one task.
type Limiter struct {
	limit    int64
	consumed atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New returns a limiter with a ceiling in bytes per second. A ceiling of
// zero or less disables throttling.
func New(limit int64) *Limiter {
	return &Limiter{limit: limit}
}

// Limit returns the configured ceiling in bytes per second.
func (l *Limiter) Limit() int64 {
	return l.limit
}

// Running reports whether the decay loop is active.
func (l *Limiter) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Consumed returns the current counter value.
func (l *Limiter) Consumed() int64 {
	return l.consumed.Load()
}

// Start begins the decay loop. It is a no-op when already running or when
// the ceiling is disabled.
func (l *Limiter) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running || l.limit <= 0 {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	go l.decay(l.stopCh)
}

// Stop halts the decay loop and releases any waiting workers.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.running = false
	close(l.stopCh)
}

// Charge adds n bytes to the counter and blocks until the counter is back
// under the ceiling. It returns early when ctx is done or the limiter stops.
func (l *Limiter) Charge(ctx context.Context, n int64) error {
	l.mu.Lock()
	running, stopCh := l.running, l.stopCh
	l.mu.Unlock()

	if !running {
		return nil
	}

	if l.consumed.Add(n) <= l.limit {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for l.consumed.Load() > l.limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func (l *Limiter) decay(stopCh <-chan struct{}) {
	step := l.limit / 10
	if step < 1 {
		step = 1
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			for {
				cur := l.consumed.Load()
				next := cur - step
				if next < 0 {
					next = 0
				}
				if l.consumed.CompareAndSwap(cur, next) {
					break
				}
			}
		}
	}
}
