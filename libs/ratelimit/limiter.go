package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter throttles outbound calls to a third-party API.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local is an in-process token bucket, used when no Redis is configured.
type Local struct {
	l *rate.Limiter
}

func NewLocal(perSecond float64, burst int) *Local {
	if perSecond <= 0 {
		return &Local{l: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Local{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Local) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}
