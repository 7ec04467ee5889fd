package cache

import (
	"sync"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
)

// Readiness records how an entry settled.
type Readiness int

// Readiness states.
const (
	// ReadyPending means the grace period is still running.
	ReadyPending Readiness = iota
	// ReadyConfirmed means the network confirmed the archive.
	ReadyConfirmed
	// ReadyBestEffort means the grace period elapsed first; whatever content
	// is already local is served.
	ReadyBestEffort
)

func (r Readiness) String() string {
	switch r {
	case ReadyPending:
		return "pending"
	case ReadyConfirmed:
		return "confirmed"
	case ReadyBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Readiness) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Lease is a borrowed reference to a cached handle. The handle stays open at
// least until Release, even if the entry is evicted meanwhile.
type Lease struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

// Handle returns the archive handle. It must not be used after Release.
func (l *Lease) Handle() archive.Handle {
	return l.entry.handle
}

// Key returns the archive key.
func (l *Lease) Key() datkey.Key {
	return l.entry.key
}

// Readiness reports how the entry settled.
func (l *Lease) Readiness() Readiness {
	l.cache.mu.Lock()
	defer l.cache.mu.Unlock()
	return l.entry.readiness
}

// Release returns the lease. Calling it more than once is harmless.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cache.release(l.entry)
	})
}
