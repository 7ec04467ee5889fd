package events

import "context"

// Sink consumes batches of lifecycle events. Implementations must honor ctx
// deadlines and be safe for repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so the cache stays
// agnostic about how events are buffered or exported.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
