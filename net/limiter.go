package net

import (
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// TokenLimiter is a token bucket throttling message dispatch of one socket.
// It never blocks: Delay reports how long the caller should wait, and the
// socket re-arms its dispatch with a timer instead of parking a worker.
//
// The limiter can be reloaded at runtime; sockets pick up the new rate on
// their next dispatch.
type TokenLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenLimiter allows qps dispatches per second with bursts of burst.
// burst below 1 is raised to 1.
func NewTokenLimiter(qps float64, burst int) *TokenLimiter {
	l := &TokenLimiter{}
	l.Reload(qps, burst)
	return l
}

// Delay takes a token and returns 0, or returns the time until a token is
// available without taking it.
func (l *TokenLimiter) Delay() time.Duration {
	lim := l.limiter.Load()
	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	d := r.DelayFrom(now)
	if d > 0 {
		r.CancelAt(now)
	}
	return d
}

// Allow takes a token if one is available.
func (l *TokenLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload replaces the rate and burst.
func (l *TokenLimiter) Reload(qps float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	l.limiter.Store(rate.NewLimiter(rate.Limit(qps), burst))
}

// FunnelLimiter is a leaky bucket pacing accepted connections of a server.
// Take blocks the accept loop, which is the only caller.
type FunnelLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelLimiter allows qps events per second, evenly spaced.
func NewFunnelLimiter(qps int) *FunnelLimiter {
	l := &FunnelLimiter{}
	l.Reload(qps)
	return l
}

// Take blocks until the next event is allowed and returns its time.
func (l *FunnelLimiter) Take() time.Time {
	return (*l.limiter.Load()).Take()
}

// Reload replaces the rate.
func (l *FunnelLimiter) Reload(qps int) {
	limiter := ratelimit.New(qps)
	l.limiter.Store(&limiter)
}
