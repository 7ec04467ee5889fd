package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize is the capacity of the intake channel (default 1024).
	BufferSize int `mapstructure:"buffer_size"`
	// MaxBatchEvents flushes once this many events are queued (default 100).
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	// MaxBatchWait flushes a partial batch after this long (default 500ms).
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	// SinkTimeout bounds each sink call (default 5s).
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	// Logger receives warnings about drops and sink failures.
	Logger *zap.Logger `mapstructure:"-"`
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans lifecycle events out to sinks in batches. Emit never blocks, so the
// cache can report from inside its critical paths.
type Hub struct {
	cfg    Config
	sinks  []Sink
	intake chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	lastDropLog atomic.Int64
	dropped     atomic.Int64
	droppedAll  atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

var _ Emitter = (*Hub)(nil)

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		intake: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// Emit enqueues evt. When the buffer is full the event is dropped and a
// rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid lifecycle event", zap.Error(err))
		return
	}
	select {
	case h.intake <- evt:
	default:
		h.dropped.Add(1)
		h.droppedAll.Add(1)
		now := time.Now().UnixNano()
		last := h.lastDropLog.Load()
		if now-last >= dropLogInterval.Nanoseconds() && h.lastDropLog.CompareAndSwap(last, now) {
			h.logger.Warn("lifecycle events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Dropped returns the total number of events discarded for backpressure.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.droppedAll.Load()
}

// Close stops intake, flushes what is buffered, closes the sinks, and waits
// for the batching goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := batcher{max: h.cfg.MaxBatchEvents, wait: h.cfg.MaxBatchWait, flush: h.flush}
	b.timer = time.NewTimer(b.wait)
	b.stopTimer()
	for {
		select {
		case evt := <-h.intake:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.drain()
		case <-h.stopCh:
			b.stopTimer()
			for {
				select {
				case evt := <-h.intake:
					b.add(evt)
				default:
					b.drain()
					b.stopTimer()
					h.closeSinks()
					return
				}
			}
		}
	}
}

func (h *Hub) flush(batch []Event) {
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("lifecycle sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("lifecycle sink close failed", zap.Error(err))
		}
	}
}

// batcher accumulates events and flushes on size or on timer expiry. It is
// only touched by the run goroutine.
type batcher struct {
	max   int
	wait  time.Duration
	flush func([]Event)
	batch []Event
	timer *time.Timer
	armed bool
}

func (b *batcher) add(evt Event) {
	b.batch = append(b.batch, evt)
	if len(b.batch) >= b.max {
		b.drain()
		b.stopTimer()
		return
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
}

func (b *batcher) drain() {
	if len(b.batch) == 0 {
		return
	}
	b.flush(b.batch)
	b.batch = b.batch[:0]
}

func (b *batcher) stopTimer() {
	if !b.timer.Stop() && b.armed {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}
