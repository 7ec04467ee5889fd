// Package ratelimit throttles network opens so a burst of requests for
// distinct archives cannot stampede the peer-to-peer stack.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
	"github.com/JakeFAU/dat-gateway/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained open rate. Zero or negative means unlimited.
	RPS   float64
	Burst int
}

// Opener wraps another archive.Opener with a token bucket.
type Opener struct {
	next    archive.Opener
	limiter *rate.Limiter
}

var _ archive.Opener = (*Opener)(nil)

// WrapOpener returns next unchanged when cfg.RPS is not positive.
func WrapOpener(next archive.Opener, cfg Config) archive.Opener {
	if cfg.RPS <= 0 {
		return next
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Opener{next: next, limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst)}
}

// Open waits for a token, then delegates.
func (o *Opener) Open(ctx context.Context, key datkey.Key, opts archive.OpenOptions) (archive.Handle, error) {
	start := time.Now()
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("open rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveOpenRateLimitDelay(waited)
	}
	return o.next.Open(ctx, key, opts) //nolint:wrapcheck // errors pass through unchanged for classification
}
