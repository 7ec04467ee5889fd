// Package archive defines the contracts between the gateway and the
// peer-to-peer network stack that actually holds archive content.
package archive

import (
	"context"
	"errors"
	"io"
	"io/fs"

	"github.com/JakeFAU/dat-gateway/internal/datkey"
)

// ErrNotFound reports that the network (or local storage) has no archive for a key.
var ErrNotFound = errors.New("archive not found")

// ErrReplicationUnsupported is returned by backends that cannot tunnel replication traffic.
var ErrReplicationUnsupported = errors.New("replication not supported by archive backend")

// StorageMode selects where archive content lives while a handle is open.
type StorageMode int

// Supported storage modes.
const (
	// Temporary storage is discarded when the handle closes.
	Temporary StorageMode = iota
	// Durable storage persists under Storage.Dir across handles and restarts.
	Durable
)

// String implements fmt.Stringer.
func (m StorageMode) String() string {
	switch m {
	case Temporary:
		return "temporary"
	case Durable:
		return "durable"
	default:
		return "unknown"
	}
}

// Storage describes the backing store for opened archives.
type Storage struct {
	Mode StorageMode
	// Dir is the root directory. Durable archives live in Dir/<hex key>;
	// temporary archives are created beneath it and removed on close.
	Dir string
}

// OpenOptions are passed to every Opener call.
type OpenOptions struct {
	Storage Storage
}

// Handle is a live session for one archive. The cache owns every handle it
// obtains and is the only caller of Close.
type Handle interface {
	Key() datkey.Key
	// Ready is closed once the network has confirmed the archive (first
	// metadata received). A nil channel means readiness is never confirmed.
	Ready() <-chan struct{}
	Close() error
}

// Filesystem is implemented by handles whose content can be read as a file tree.
type Filesystem interface {
	FS() fs.FS
}

// Replicator is implemented by handles that can speak the replication
// protocol over an arbitrary byte stream.
type Replicator interface {
	// OpenReplication returns a stream carrying this archive's replication
	// protocol. Closing the stream ends the session.
	OpenReplication(ctx context.Context) (io.ReadWriteCloser, error)
}

// Opener obtains a handle for a key, joining the network if needed.
type Opener interface {
	Open(ctx context.Context, key datkey.Key, opts OpenOptions) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, key datkey.Key, opts OpenOptions) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, key datkey.Key, opts OpenOptions) (Handle, error) {
	return f(ctx, key, opts)
}
