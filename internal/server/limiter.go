package server

import (
	"time"

	"golang.org/x/time/rate"
)

// commandLimiter caps state-changing requests across all clients. A nil
// limiter allows everything.
type commandLimiter struct {
	limiter *rate.Limiter
}

func newCommandLimiter(perMinute int) *commandLimiter {
	if perMinute <= 0 {
		return nil
	}
	limit := rate.Every(time.Minute / time.Duration(perMinute))
	return &commandLimiter{limiter: rate.NewLimiter(limit, perMinute)}
}

func (l *commandLimiter) allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
