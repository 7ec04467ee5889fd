package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/dat-gateway/internal/datkey"
)

// Kind denotes the lifecycle transition represented by an Event.
type Kind string

// Supported lifecycle kinds.
const (
	KindOpened     Kind = "OPENED"
	KindOpenFailed Kind = "OPEN_FAILED"
	KindReady      Kind = "READY"
	KindBestEffort Kind = "BEST_EFFORT"
	KindHit        Kind = "HIT"
	KindEvicted    Kind = "EVICTED"
	KindClosed     Kind = "CLOSED"
)

// Reason explains why an entry left the cache.
type Reason string

// Eviction reasons.
const (
	ReasonCapacity Reason = "capacity"
	ReasonIdle     Reason = "idle"
	ReasonAdmin    Reason = "admin"
	ReasonShutdown Reason = "shutdown"
)

// Event captures a single archive lifecycle transition.
type Event struct {
	// Key identifies the archive.
	Key datkey.Key
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which transition occurred.
	Kind Kind
	// Reason is set for EVICTED events.
	Reason Reason
	// Dur is the open latency for OPENED/OPEN_FAILED and the settle latency
	// for READY/BEST_EFFORT.
	Dur time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindOpened, KindOpenFailed, KindReady, KindBestEffort, KindHit, KindClosed:
	case KindEvicted:
		switch e.Reason {
		case ReasonCapacity, ReasonIdle, ReasonAdmin, ReasonShutdown:
		default:
			return fmt.Errorf("evicted event has unknown reason %q", e.Reason)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
