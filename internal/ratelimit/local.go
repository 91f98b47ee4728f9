package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Local is an in-process token bucket used by the CLI and in tests, where
// no Redis is available. One bucket per key, all with the same rate.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewLocal builds a local limiter allowing perSecond events with the given
// burst capacity.
func NewLocal(perSecond float64, burst int) *Local {
	if burst < 1 {
		burst = 1
	}
	return &Local{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow reports whether one event may proceed for key.
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// Forget drops the bucket for key, releasing its state once a job is done.
func (l *Local) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
