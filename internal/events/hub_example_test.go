package events

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	evictions int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Kind == KindEvicted {
			s.evictions++
		}
	}
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	hub.Emit(Event{TS: time.Unix(0, 0), Kind: KindEvicted, Reason: ReasonIdle})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("evictions: %d\n", sink.evictions)
	// Output:
	// evictions: 1
}
