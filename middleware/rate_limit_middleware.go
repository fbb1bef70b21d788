package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tunnel-rpc/message"
)

// RateLimitMiddleware applies one token bucket to every call.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.Fault(req, FaultRateLimited)
			}
			return next(ctx, req)
		}
	}
}

// KeyedRateLimitMiddleware applies a separate token bucket per method name.
// Buckets idle for longer than idleTTL are evicted.
func KeyedRateLimitMiddleware(r float64, burst int, idleTTL time.Duration) Middleware {
	limiter := newKeyedLimiter(r, burst, idleTTL)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.allow(req.ServiceMethod, time.Now()) {
				return message.Fault(req, FaultRateLimited)
			}
			return next(ctx, req)
		}
	}
}

type keyedLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(r float64, burst int, idleTTL time.Duration) *keyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &keyedLimiter{
		limit:   rate.Limit(r),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*bucket),
	}
}

func (l *keyedLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
