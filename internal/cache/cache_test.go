package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/cache"
	"github.com/JakeFAU/dat-gateway/internal/clock/manual"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
	"github.com/JakeFAU/dat-gateway/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func key(b byte) datkey.Key {
	var k datkey.Key
	k[0] = b
	return k
}

type fakeHandle struct {
	key    datkey.Key
	ready  chan struct{}
	closes atomic.Int32
}

func (h *fakeHandle) Key() datkey.Key        { return h.key }
func (h *fakeHandle) Ready() <-chan struct{} { return h.ready }
func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

// fakeOpener hands out one fakeHandle per open call. Opens block while gate
// is non-nil and open.
type fakeOpener struct {
	mu         sync.Mutex
	calls      map[datkey.Key]int
	handles    map[datkey.Key][]*fakeHandle
	gate       chan struct{}
	err        error
	neverReady bool
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		calls:   make(map[datkey.Key]int),
		handles: make(map[datkey.Key][]*fakeHandle),
	}
}

func (o *fakeOpener) Open(ctx context.Context, k datkey.Key, _ archive.OpenOptions) (archive.Handle, error) {
	o.mu.Lock()
	o.calls[k]++
	gate, err, neverReady := o.gate, o.err, o.neverReady
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	h := &fakeHandle{key: k}
	if !neverReady {
		h.ready = make(chan struct{})
		close(h.ready)
	}
	o.mu.Lock()
	o.handles[k] = append(o.handles[k], h)
	o.mu.Unlock()
	return h, nil
}

func (o *fakeOpener) Calls(k datkey.Key) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[k]
}

func (o *fakeOpener) Handle(t *testing.T, k datkey.Key) *fakeHandle {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.handles[k], 1)
	return o.handles[k][0]
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) Count(kind events.Kind, reason events.Reason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind == kind && evt.Reason == reason {
			n++
		}
	}
	return n
}

func newCache(t *testing.T, opener archive.Opener, cfg cache.Config) *cache.Cache {
	t.Helper()
	c, err := cache.New(opener, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.CloseAll(context.Background()))
	})
	return c
}

func acquireAndRelease(t *testing.T, c *cache.Cache, k datkey.Key) {
	t.Helper()
	lease, err := c.Acquire(context.Background(), k)
	require.NoError(t, err)
	lease.Release()
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := cache.New(nil, cache.Config{MaxEntries: 1})
	require.Error(t, err)
	_, err = cache.New(newFakeOpener(), cache.Config{})
	require.Error(t, err)
	_, err = cache.New(newFakeOpener(), cache.Config{MaxEntries: 1, ReadyTimeout: -time.Second})
	require.Error(t, err)
}

func TestAcquireDeduplicatesConcurrentOpens(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.gate = make(chan struct{})
	c := newCache(t, opener, cache.Config{MaxEntries: 4})

	const callers = 16
	leases := make([]*cache.Lease, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = c.Acquire(context.Background(), key(1))
		}(i)
	}
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	close(opener.gate)
	wg.Wait()

	require.Equal(t, 1, opener.Calls(key(1)))
	first := leases[0].Handle()
	for i := range callers {
		require.NoError(t, errs[i])
		require.Same(t, first, leases[i].Handle())
		leases[i].Release()
	}
	require.Equal(t, 1, c.Len())
	require.Zero(t, c.Pending())
}

func TestAcquireSharesOpenFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("swarm unreachable")
	opener := newFakeOpener()
	opener.gate = make(chan struct{})
	opener.err = boom
	emitter := &recordingEmitter{}
	c := newCache(t, opener, cache.Config{MaxEntries: 2, Events: emitter})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), key(2))
		}(i)
	}
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	// Give every caller time to join the in-flight open before it fails.
	time.Sleep(50 * time.Millisecond)
	close(opener.gate)
	wg.Wait()

	for _, err := range errs {
		var openErr *cache.OpenError
		require.ErrorAs(t, err, &openErr)
		require.Equal(t, key(2), openErr.Key)
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, 1, opener.Calls(key(2)))
	require.Zero(t, c.Len())
	require.Zero(t, c.Pending())

	// Failures are not cached: the next acquisition opens again.
	_, err := c.Acquire(context.Background(), key(2))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, opener.Calls(key(2)))
	require.Equal(t, 2, emitter.Count(events.KindOpenFailed, ""))
}

func TestAcquireHitRefreshesAccess(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	opener := newFakeOpener()
	emitter := &recordingEmitter{}
	c := newCache(t, opener, cache.Config{MaxEntries: 2, Clock: clk, Events: emitter})

	acquireAndRelease(t, c, key(1))
	clk.Advance(time.Minute)
	lease, err := c.Acquire(context.Background(), key(1))
	require.NoError(t, err)
	defer lease.Release()

	require.Equal(t, 1, opener.Calls(key(1)))
	require.Equal(t, 1, emitter.Count(events.KindHit, ""))
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, epoch, snap[0].CreatedAt)
	require.Equal(t, epoch.Add(time.Minute), snap[0].LastAccessedAt)
	require.Equal(t, 1, snap[0].Leases)
	require.Equal(t, cache.ReadyConfirmed, snap[0].Readiness)
	require.Equal(t, key(1).Subdomain(), snap[0].Subdomain)
}

func TestCapacityOneEvictsPreviousBeforeReturning(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	emitter := &recordingEmitter{}
	c := newCache(t, opener, cache.Config{MaxEntries: 1, Events: emitter})

	acquireAndRelease(t, c, key('A'))
	a := opener.Handle(t, key('A'))

	lease, err := c.Acquire(context.Background(), key('B'))
	require.NoError(t, err)
	defer lease.Release()

	require.Equal(t, int32(1), a.closes.Load(), "A must be closed before B is handed out")
	require.Equal(t, 1, c.Len())
	require.Equal(t, key('B'), c.Snapshot()[0].Key)
	require.Equal(t, 1, emitter.Count(events.KindEvicted, events.ReasonCapacity))
}

func TestCapacityEvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	opener := newFakeOpener()
	c := newCache(t, opener, cache.Config{MaxEntries: 2, Clock: clk})

	acquireAndRelease(t, c, key('A'))
	clk.Advance(time.Second)
	acquireAndRelease(t, c, key('B'))
	clk.Advance(time.Second)
	acquireAndRelease(t, c, key('A'))
	clk.Advance(time.Second)
	acquireAndRelease(t, c, key('C'))

	require.Equal(t, int32(1), opener.Handle(t, key('B')).closes.Load())
	require.Zero(t, opener.Handle(t, key('A')).closes.Load())
	require.Zero(t, opener.Handle(t, key('C')).closes.Load())
	require.Equal(t, 2, c.Len())
}

func TestCapacityTieBreaksByInsertionOrder(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	opener := newFakeOpener()
	c := newCache(t, opener, cache.Config{MaxEntries: 2, Clock: clk})

	acquireAndRelease(t, c, key('A'))
	acquireAndRelease(t, c, key('B'))
	acquireAndRelease(t, c, key('C'))

	require.Equal(t, int32(1), opener.Handle(t, key('A')).closes.Load())
	require.Zero(t, opener.Handle(t, key('B')).closes.Load())
}

func TestEvictIdleOlderThan(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	opener := newFakeOpener()
	emitter := &recordingEmitter{}
	c := newCache(t, opener, cache.Config{MaxEntries: 4, Clock: clk, Events: emitter})

	acquireAndRelease(t, c, key('A'))
	acquireAndRelease(t, c, key('B'))
	clk.Advance(5 * time.Minute)
	acquireAndRelease(t, c, key('B'))
	clk.Advance(6 * time.Minute)

	evicted := c.EvictIdleOlderThan(10 * time.Minute)
	require.Equal(t, []datkey.Key{key('A')}, evicted)
	require.Equal(t, int32(1), opener.Handle(t, key('A')).closes.Load())
	require.Equal(t, 1, c.Len())

	// Exactly at the threshold is not yet idle.
	clk.Advance(4 * time.Minute)
	require.Empty(t, c.EvictIdleOlderThan(10*time.Minute))
	clk.Advance(time.Nanosecond)
	require.Equal(t, []datkey.Key{key('B')}, c.EvictIdleOlderThan(10*time.Minute))
	require.Equal(t, 2, emitter.Count(events.KindEvicted, events.ReasonIdle))
}

func TestEvictIdleSkipsLeasedEntries(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	opener := newFakeOpener()
	c := newCache(t, opener, cache.Config{MaxEntries: 4, Clock: clk})

	lease, err := c.Acquire(context.Background(), key('A'))
	require.NoError(t, err)
	clk.Advance(time.Hour)
	require.Empty(t, c.EvictIdleOlderThan(time.Minute))

	// Releasing counts as an access.
	lease.Release()
	require.Empty(t, c.EvictIdleOlderThan(time.Minute))
	clk.Advance(2 * time.Minute)
	require.Len(t, c.EvictIdleOlderThan(time.Minute), 1)
}

func TestEvictDefersCloseUntilLastRelease(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	c := newCache(t, opener, cache.Config{MaxEntries: 4})

	first, err := c.Acquire(context.Background(), key('A'))
	require.NoError(t, err)
	second, err := c.Acquire(context.Background(), key('A'))
	require.NoError(t, err)
	h := opener.Handle(t, key('A'))

	require.True(t, c.Evict(key('A')))
	require.False(t, c.Evict(key('A')))
	require.Zero(t, c.Len())
	require.Zero(t, h.closes.Load())

	first.Release()
	first.Release()
	require.Zero(t, h.closes.Load())
	second.Release()
	require.Equal(t, int32(1), h.closes.Load())

	// The next acquisition opens a fresh handle.
	acquireAndRelease(t, c, key('A'))
	require.Equal(t, 2, opener.Calls(key('A')))
}

func TestConcurrentEvictionClosesOnce(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	opener := newFakeOpener()
	c := newCache(t, opener, cache.Config{MaxEntries: 4, Clock: clk})

	acquireAndRelease(t, c, key('A'))
	clk.Advance(time.Hour)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Evict(key('A'))
			} else {
				c.EvictIdleOlderThan(time.Minute)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), opener.Handle(t, key('A')).closes.Load())
}

func TestReadinessBestEffortAfterGracePeriod(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.neverReady = true
	emitter := &recordingEmitter{}
	c := newCache(t, opener, cache.Config{MaxEntries: 2, ReadyTimeout: 20 * time.Millisecond, Events: emitter})

	start := time.Now()
	lease, err := c.Acquire(context.Background(), key('N'))
	require.NoError(t, err)
	defer lease.Release()

	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, cache.ReadyBestEffort, lease.Readiness())
	require.Equal(t, 1, emitter.Count(events.KindBestEffort, ""))

	// A settled entry never waits again.
	start = time.Now()
	again, err := c.Acquire(context.Background(), key('N'))
	require.NoError(t, err)
	again.Release()
	require.Less(t, time.Since(start), 15*time.Millisecond)
}

func TestReadinessConfirmed(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	c := newCache(t, opener, cache.Config{MaxEntries: 2, ReadyTimeout: time.Minute})

	lease, err := c.Acquire(context.Background(), key('R'))
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, cache.ReadyConfirmed, lease.Readiness())
	assert.Equal(t, "confirmed", lease.Readiness().String())
	assert.Equal(t, key('R'), lease.Key())
}

func TestAcquireTimeoutStillPopulatesCache(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.gate = make(chan struct{})
	c := newCache(t, opener, cache.Config{MaxEntries: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx, key('S'))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(opener.gate)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)
	acquireAndRelease(t, c, key('S'))
	require.Equal(t, 1, opener.Calls(key('S')))
	require.Zero(t, c.Snapshot()[0].Leases)
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	emitter := &recordingEmitter{}
	c, err := cache.New(opener, cache.Config{MaxEntries: 4, Events: emitter})
	require.NoError(t, err)

	acquireAndRelease(t, c, key('A'))
	leased, err := c.Acquire(context.Background(), key('B'))
	require.NoError(t, err)

	require.NoError(t, c.CloseAll(context.Background()))
	require.NoError(t, c.CloseAll(context.Background()))
	require.True(t, c.Closed())
	require.Zero(t, c.Len())
	require.Equal(t, int32(1), opener.Handle(t, key('A')).closes.Load())
	require.Equal(t, int32(1), opener.Handle(t, key('B')).closes.Load())
	require.Equal(t, 2, emitter.Count(events.KindEvicted, events.ReasonShutdown))

	leased.Release()
	require.Equal(t, int32(1), opener.Handle(t, key('B')).closes.Load())

	_, err = c.Acquire(context.Background(), key('A'))
	require.ErrorIs(t, err, cache.ErrClosed)
	require.False(t, c.Evict(key('A')))
}

func TestCloseAllCancelsInflightOpens(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.gate = make(chan struct{})
	c, err := cache.New(opener, cache.Config{MaxEntries: 4})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), key('P'))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.CloseAll(context.Background()))
	err = <-errCh
	require.ErrorIs(t, err, context.Canceled)
}
