// Package reaper periodically evicts archives that have sat idle in the
// cache longer than the configured TTL.
package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dat-gateway/internal/datkey"
)

// Evictor is the slice of the cache the reaper needs.
type Evictor interface {
	EvictIdleOlderThan(d time.Duration) []datkey.Key
}

// Config controls the sweep cadence.
type Config struct {
	// Period between sweeps. Zero disables the reaper.
	Period time.Duration
	// TTL is the idle threshold. Zero disables the reaper.
	TTL    time.Duration
	Logger *zap.Logger
}

// Reaper runs idle sweeps on a single ticker. A sweep that is still running
// when the next tick fires causes that tick to be skipped.
type Reaper struct {
	cache   Evictor
	period  time.Duration
	ttl     time.Duration
	logger  *zap.Logger
	running atomic.Bool
	skipped atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Reaper bound to cache.
func New(cache Evictor, cfg Config) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{cache: cache, period: cfg.Period, ttl: cfg.TTL, logger: logger}
}

// Enabled reports whether both the period and the TTL are non-zero.
func (r *Reaper) Enabled() bool {
	return r.period > 0 && r.ttl > 0
}

// Start launches the ticker goroutine. It is a no-op when the reaper is
// disabled, already started, or stopped.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Enabled() || r.started || r.stopped {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started", zap.Duration("period", r.period), zap.Duration("ttl", r.ttl))
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.Tick()
			}()
		}
	}
}

// Tick performs one sweep and returns the evicted keys. It returns nil
// without sweeping if another sweep is in progress.
func (r *Reaper) Tick() []datkey.Key {
	if !r.running.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		r.logger.Debug("reaper tick skipped; previous sweep still running")
		return nil
	}
	defer r.running.Store(false)
	evicted := r.cache.EvictIdleOlderThan(r.ttl)
	for _, k := range evicted {
		r.logger.Info("reaped idle archive", zap.Stringer("key", k))
	}
	return evicted
}

// Skipped returns how many ticks were dropped because a sweep was running.
func (r *Reaper) Skipped() int64 {
	return r.skipped.Load()
}

// Stop cancels future ticks and waits for an in-progress sweep. It is safe
// to call more than once and before Start.
func (r *Reaper) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
