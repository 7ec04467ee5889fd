// Package cache owns every live archive handle the gateway holds. It bounds
// the number of open handles, deduplicates concurrent opens of the same key,
// evicts idle entries on request, and closes each handle exactly once.
//
// Callers borrow handles through leases. An entry that is evicted while
// leased leaves the map immediately, so later acquisitions start a fresh open,
// but its handle stays open until the last lease is released.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/clock/system"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
	"github.com/JakeFAU/dat-gateway/internal/events"
)

var tracer = otel.Tracer("github.com/JakeFAU/dat-gateway/internal/cache")

// ErrClosed is returned by Acquire once CloseAll has begun.
var ErrClosed = errors.New("archive cache closed")

// OpenError wraps a failure of the network open collaborator.
type OpenError struct {
	Key datkey.Key
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open archive %s: %v", e.Key, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Clock supplies the timestamps used for access tracking.
type Clock interface {
	Now() time.Time
}

// Config controls capacity and readiness behaviour.
type Config struct {
	// MaxEntries bounds the number of cached handles. Must be positive.
	MaxEntries int
	// ReadyTimeout is the grace period an entry waits for network
	// confirmation before it is served best-effort. Zero serves immediately.
	ReadyTimeout time.Duration
	// OpenOptions is passed to every Opener call.
	OpenOptions archive.OpenOptions

	Clock  Clock
	Events events.Emitter
	Logger *zap.Logger
}

type entry struct {
	key        datkey.Key
	handle     archive.Handle
	seq        uint64
	createdAt  time.Time
	lastAccess time.Time
	refs       int
	readiness  Readiness

	evicted bool
	closed  bool
	settled chan struct{}
	gone    chan struct{}
}

type pending struct {
	done    chan struct{}
	waiters int
	entry   *entry
	err     error
}

// Cache maps archive keys to open handles.
type Cache struct {
	opener archive.Opener
	cfg    Config
	clock  Clock
	events events.Emitter
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[datkey.Key]*entry
	inflight map[datkey.Key]*pending
	seq      uint64
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Cache that opens archives through opener.
func New(opener archive.Opener, cfg Config) (*Cache, error) {
	if opener == nil {
		return nil, errors.New("opener is required")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", cfg.MaxEntries)
	}
	if cfg.ReadyTimeout < 0 {
		return nil, fmt.Errorf("ready timeout must be >= 0, got %s", cfg.ReadyTimeout)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	emitter := cfg.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		opener:   opener,
		cfg:      cfg,
		clock:    clk,
		events:   emitter,
		logger:   logger,
		entries:  make(map[datkey.Key]*entry),
		inflight: make(map[datkey.Key]*pending),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Acquire returns a lease on the handle for key, opening the archive on a
// miss. Concurrent callers for an uncached key share a single open and all
// receive the same handle or the same error. The call returns once the entry
// has settled: either the network confirmed it or the grace period elapsed.
//
// ctx bounds only this caller's wait. The open itself keeps running and
// still populates the cache if ctx ends first.
func (c *Cache) Acquire(ctx context.Context, key datkey.Key) (*Lease, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[key]; ok {
		e.lastAccess = c.clock.Now()
		e.refs++
		c.mu.Unlock()
		c.emit(events.Event{Key: key, Kind: events.KindHit})
		return c.awaitSettled(ctx, e)
	}
	p, ok := c.inflight[key]
	if !ok {
		p = &pending{done: make(chan struct{})}
		c.inflight[key] = p
		c.wg.Add(1)
		go c.open(key, p)
	}
	p.waiters++
	c.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-p.done:
			// The open finished while we were giving up; our reference was
			// already handed over and must be returned.
			c.mu.Unlock()
			if p.err == nil {
				c.release(p.entry)
			}
		default:
			p.waiters--
			c.mu.Unlock()
		}
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}
	if p.err != nil {
		return nil, p.err
	}
	return c.awaitSettled(ctx, p.entry)
}

func (c *Cache) awaitSettled(ctx context.Context, e *entry) (*Lease, error) {
	select {
	case <-e.settled:
		return &Lease{cache: c, entry: e}, nil
	case <-ctx.Done():
		c.release(e)
		return nil, fmt.Errorf("acquire %s: %w", e.key, ctx.Err())
	}
}

// open runs the network open on the cache's own context and installs the
// result. It holds one reference on the new entry until every waiter has
// been handed theirs, so a concurrent capacity eviction cannot close the
// handle out from under them.
func (c *Cache) open(key datkey.Key, p *pending) {
	defer c.wg.Done()

	ctx, span := tracer.Start(c.ctx, "cache.open")
	span.SetAttributes(attribute.String("dat.key", key.String()))
	defer span.End()

	start := c.clock.Now()
	h, err := c.opener.Open(ctx, key, c.cfg.OpenOptions)
	dur := c.clock.Now().Sub(start)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil && c.closed {
		c.mu.Unlock()
		c.closeQuietly(key, h)
		c.fail(p, key, ErrClosed, dur)
		span.SetStatus(codes.Error, ErrClosed.Error())
		return
	}
	if err != nil {
		c.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		c.fail(p, key, &OpenError{Key: key, Err: err}, dur)
		return
	}

	now := c.clock.Now()
	c.seq++
	e := &entry{
		key:        key,
		handle:     h,
		seq:        c.seq,
		createdAt:  now,
		lastAccess: now,
		refs:       1,
		settled:    make(chan struct{}),
		gone:       make(chan struct{}),
	}
	c.entries[key] = e
	victims, evicted := c.evictForCapacityLocked(key)
	c.mu.Unlock()

	c.emit(events.Event{Key: key, Kind: events.KindOpened, Dur: dur})
	for _, v := range evicted {
		c.emit(events.Event{Key: v, Kind: events.KindEvicted, Reason: events.ReasonCapacity})
	}
	c.closeEntries(victims)

	c.wg.Add(1)
	go c.settle(e)

	c.mu.Lock()
	if c.closed {
		// CloseAll already claimed and closed the handle.
		p.err = ErrClosed
		close(p.done)
		c.mu.Unlock()
		return
	}
	p.entry = e
	e.refs += p.waiters - 1
	closeNow := c.dropLocked(e)
	close(p.done)
	c.mu.Unlock()
	if closeNow {
		c.closeEntry(e)
	}
}

func (c *Cache) fail(p *pending, key datkey.Key, err error, dur time.Duration) {
	c.logger.Warn("archive open failed", zap.Stringer("key", key), zap.Error(err))
	c.mu.Lock()
	p.err = err
	close(p.done)
	c.mu.Unlock()
	c.emit(events.Event{Key: key, Kind: events.KindOpenFailed, Dur: dur, Note: err.Error()})
}

// settle waits for the first of network confirmation, the grace period, or
// the entry going away, then releases everyone waiting on the entry.
func (c *Cache) settle(e *entry) {
	defer c.wg.Done()
	start := c.clock.Now()

	var expired <-chan time.Time
	if c.cfg.ReadyTimeout > 0 {
		timer := time.NewTimer(c.cfg.ReadyTimeout)
		defer timer.Stop()
		expired = timer.C
	} else {
		closed := make(chan time.Time)
		close(closed)
		expired = closed
	}

	ready := e.handle.Ready()
	result := ReadyBestEffort
	select {
	case <-ready:
		result = ReadyConfirmed
	default:
		select {
		case <-ready:
			result = ReadyConfirmed
		case <-expired:
		case <-e.gone:
		case <-c.ctx.Done():
		}
	}

	c.mu.Lock()
	e.readiness = result
	c.mu.Unlock()
	close(e.settled)

	kind := events.KindReady
	if result == ReadyBestEffort {
		kind = events.KindBestEffort
		c.logger.Debug("archive served best-effort", zap.Stringer("key", e.key))
	}
	c.emit(events.Event{Key: e.key, Kind: kind, Dur: c.clock.Now().Sub(start)})
}

// evictForCapacityLocked removes least-recently-accessed entries other than
// keep until the map fits. Ties go to the earliest inserted entry.
func (c *Cache) evictForCapacityLocked(keep datkey.Key) ([]*entry, []datkey.Key) {
	var toClose []*entry
	var evicted []datkey.Key
	for len(c.entries) > c.cfg.MaxEntries {
		var victim *entry
		for k, e := range c.entries {
			if k == keep {
				continue
			}
			if victim == nil || older(e, victim) {
				victim = e
			}
		}
		if victim == nil {
			break
		}
		evicted = append(evicted, victim.key)
		if c.evictLocked(victim) {
			toClose = append(toClose, victim)
		}
	}
	return toClose, evicted
}

func older(a, b *entry) bool {
	if a.lastAccess.Equal(b.lastAccess) {
		return a.seq < b.seq
	}
	return a.lastAccess.Before(b.lastAccess)
}

// evictLocked removes e from the map and reports whether the caller must
// close its handle now. Leased entries are closed by the last Release.
func (c *Cache) evictLocked(e *entry) bool {
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	e.evicted = true
	return c.dropLocked(e)
}

// dropLocked claims the close of e when it is evicted and unreferenced.
func (c *Cache) dropLocked(e *entry) bool {
	if !e.evicted || e.refs > 0 || e.closed {
		return false
	}
	e.closed = true
	return true
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.refs--
	if !e.evicted {
		e.lastAccess = c.clock.Now()
	}
	closeNow := c.dropLocked(e)
	c.mu.Unlock()
	if closeNow {
		c.closeEntry(e)
	}
}

func (c *Cache) closeEntries(entries []*entry) {
	for _, e := range entries {
		c.closeEntry(e)
	}
}

// closeEntry must only be called by the goroutine that set e.closed.
func (c *Cache) closeEntry(e *entry) {
	close(e.gone)
	c.closeQuietly(e.key, e.handle)
}

func (c *Cache) closeQuietly(key datkey.Key, h archive.Handle) {
	if err := h.Close(); err != nil {
		c.logger.Warn("archive close failed", zap.Stringer("key", key), zap.Error(err))
	}
	c.emit(events.Event{Key: key, Kind: events.KindClosed})
}

// Evict removes key from the cache, closing its handle once no lease holds
// it. It reports whether an entry was present.
func (c *Cache) Evict(key datkey.Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	closeNow := c.evictLocked(e)
	c.mu.Unlock()

	c.emit(events.Event{Key: key, Kind: events.KindEvicted, Reason: events.ReasonAdmin})
	if closeNow {
		c.closeEntry(e)
	}
	return true
}

// EvictIdleOlderThan evicts every unleased entry whose last access is more
// than d ago and returns the evicted keys, oldest access first. Handles are
// closed after the lock is dropped.
func (c *Cache) EvictIdleOlderThan(d time.Duration) []datkey.Key {
	now := c.clock.Now()
	c.mu.Lock()
	var idle []*entry
	for _, e := range c.entries {
		if e.refs == 0 && now.Sub(e.lastAccess) > d {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return older(idle[i], idle[j]) })
	var toClose []*entry
	keys := make([]datkey.Key, 0, len(idle))
	for _, e := range idle {
		keys = append(keys, e.key)
		if c.evictLocked(e) {
			toClose = append(toClose, e)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.emit(events.Event{Key: k, Kind: events.KindEvicted, Reason: events.ReasonIdle})
	}
	c.closeEntries(toClose)
	return keys
}

// CloseAll closes every handle, including leased ones, and rejects further
// acquisitions. It waits for background opens and settles until ctx ends.
// Repeated calls only wait.
func (c *Cache) CloseAll(ctx context.Context) error {
	c.mu.Lock()
	var toClose []*entry
	if !c.closed {
		c.closed = true
		for _, e := range c.entries {
			e.evicted = true
			if !e.closed {
				e.closed = true
				toClose = append(toClose, e)
			}
		}
		c.entries = make(map[datkey.Key]*entry)
	}
	c.mu.Unlock()
	c.cancel()

	for _, e := range toClose {
		c.emit(events.Event{Key: e.key, Kind: events.KindEvicted, Reason: events.ReasonShutdown})
	}
	c.closeEntries(toClose)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive cache close wait: %w", ctx.Err())
	}
}

// Closed reports whether CloseAll has been called.
func (c *Cache) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Pending returns the number of opens in flight.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// EntryInfo describes one cached entry.
type EntryInfo struct {
	Key            datkey.Key `json:"key"`
	Subdomain      string     `json:"subdomain"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	Leases         int        `json:"leases"`
	Readiness      Readiness  `json:"readiness"`
}

// Snapshot lists the cached entries, most recently accessed first.
func (c *Cache) Snapshot() []EntryInfo {
	c.mu.Lock()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, EntryInfo{
			Key:            e.key,
			Subdomain:      e.key.Subdomain(),
			CreatedAt:      e.createdAt,
			LastAccessedAt: e.lastAccess,
			Leases:         e.refs,
			Readiness:      e.readiness,
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAccessedAt.Equal(out[j].LastAccessedAt) {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	return out
}

func (c *Cache) emit(evt events.Event) {
	if evt.TS.IsZero() {
		evt.TS = c.clock.Now()
	}
	c.events.Emit(evt)
}
