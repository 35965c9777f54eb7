package provider

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how a Websocket retries failed connection attempts.
type RetryPolicy struct {
	// InitialDelay is waited before the first attempt.
	InitialDelay time.Duration

	// Delay is the wait after the first failed attempt. Each further
	// failure multiplies it by Factor.
	Delay  time.Duration
	Factor float64

	// MinDelay and MaxDelay clamp every wait.
	MinDelay time.Duration
	MaxDelay time.Duration

	// MaxAttempts gives up after this many attempts. 0 retries forever.
	MaxAttempts int

	// Jitter picks each wait at random between MinDelay and the computed
	// delay.
	Jitter bool

	// Timeout fails an attempt that has not received a message within
	// this long. 0 waits until the socket closes.
	Timeout time.Duration
}

// DefaultRetryPolicy retries forever: immediately at first, then after
// 1s, 2s, 4s... capped at 30s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 0,
		Delay:        time.Second,
		Factor:       2,
		MinDelay:     time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  0,
		Jitter:       true,
		Timeout:      0,
	}
}

// withDefaults fills fields that cannot be zero.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MinDelay > p.MaxDelay {
		p.MinDelay = p.MaxDelay
	}
	return p
}

// Backoff returns the wait after the nth failed attempt (n >= 1), before
// jitter: min(MaxDelay, max(MinDelay, Delay * Factor^(n-1))).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.Delay) * math.Pow(p.Factor, float64(n-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		d = float64(p.MaxDelay)
	}
	if d < float64(p.MinDelay) {
		d = float64(p.MinDelay)
	}
	return time.Duration(d)
}

// wait returns the wait after the nth failure, with jitter applied.
func (p RetryPolicy) wait(n int) time.Duration {
	d := p.Backoff(n)
	if !p.Jitter || d <= p.MinDelay {
		return d
	}
	return p.MinDelay + time.Duration(rand.Int64N(int64(d-p.MinDelay)+1))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
