package client

import (
	"context"
	"sync"

	"github.com/cargolink/cargolink-go/internal/metrics"
)

// limiter bounds in-flight requests. Saturated callers queue FIFO and are
// handed the freed slot directly, so admission order matches arrival order.
type limiter struct {
	mu      sync.Mutex
	free    int
	active  int
	waiters []chan struct{}
}

func newLimiter(n int) *limiter {
	if n <= 0 {
		n = 5
	}
	return &limiter{free: n}
}

func (l *limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.free > 0 {
		l.free--
		l.active++
		l.mu.Unlock()
		metrics.RequestsInFlight.Inc()
		return nil
	}
	w := make(chan struct{})
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()
	metrics.RequestsQueued.Inc()
	defer metrics.RequestsQueued.Dec()

	select {
	case <-w:
		metrics.RequestsInFlight.Inc()
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, q := range l.waiters {
			if q == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// slot was granted concurrently with cancellation; give it back
		<-w
		metrics.RequestsInFlight.Inc()
		l.release()
		return ctx.Err()
	}
}

func (l *limiter) release() {
	metrics.RequestsInFlight.Dec()
	l.mu.Lock()
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(w)
		return
	}
	l.active--
	l.free++
	l.mu.Unlock()
}

// inFlight returns the number of requests currently holding a slot.
func (l *limiter) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
