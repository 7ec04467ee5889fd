// Package dirstore implements an archive.Opener backed by plain directories.
// It serves content that has already been replicated onto local disk and is
// the default backend when no network stack is linked in.
package dirstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/datkey"
)

// Config captures the parameters for the directory store.
type Config struct {
	// BaseDir is the root directory that holds one sub-directory per archive.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// RequireExisting makes durable opens of unknown keys fail with
	// archive.ErrNotFound instead of creating an empty archive directory.
	RequireExisting bool `mapstructure:"require_existing" yaml:"require_existing"`
}

// Store opens directory-backed archives.
type Store struct {
	baseDir         string
	requireExisting bool
}

var _ archive.Opener = (*Store)(nil)

// New creates a directory store, creating BaseDir if necessary.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{
		baseDir:         cfg.BaseDir,
		requireExisting: cfg.RequireExisting,
	}, nil
}

// Open returns a handle rooted at the archive's directory. The handle is
// ready immediately when the directory already holds content; an empty
// archive never confirms and is served best-effort.
func (s *Store) Open(ctx context.Context, key datkey.Key, opts archive.OpenOptions) (archive.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	base := s.baseDir
	if opts.Storage.Dir != "" {
		base = opts.Storage.Dir
	}

	h := &handle{key: key, ready: make(chan struct{})}
	switch opts.Storage.Mode {
	case archive.Durable:
		h.dir = filepath.Join(base, key.String())
		if s.requireExisting {
			if _, err := os.Stat(h.dir); err != nil {
				if os.IsNotExist(err) {
					return nil, fmt.Errorf("open archive %s: %w", key, archive.ErrNotFound)
				}
				return nil, fmt.Errorf("stat archive directory: %w", err)
			}
		}
		if err := os.MkdirAll(h.dir, 0o750); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	case archive.Temporary:
		dir, err := os.MkdirTemp(base, key.String()+"-*")
		if err != nil {
			return nil, fmt.Errorf("create temporary archive directory: %w", err)
		}
		h.dir = dir
		h.removeOnClose = true
	default:
		return nil, fmt.Errorf("unsupported storage mode %v", opts.Storage.Mode)
	}

	hasContent, err := dirHasContent(h.dir)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	if hasContent {
		close(h.ready)
	}
	return h, nil
}

func dirHasContent(dir string) (bool, error) {
	f, err := os.Open(dir) //nolint:gosec // dir is derived from the base directory and a hex key
	if err != nil {
		return false, fmt.Errorf("open archive directory: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read archive directory: %w", err)
	}
	return true, nil
}

type handle struct {
	key           datkey.Key
	dir           string
	ready         chan struct{}
	removeOnClose bool

	closeOnce sync.Once
	closeErr  error
}

func (h *handle) Key() datkey.Key { return h.key }

func (h *handle) Ready() <-chan struct{} { return h.ready }

func (h *handle) FS() fs.FS { return os.DirFS(h.dir) }

// Dir returns the directory backing the handle.
func (h *handle) Dir() string { return h.dir }

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		if h.removeOnClose {
			if err := os.RemoveAll(h.dir); err != nil {
				h.closeErr = fmt.Errorf("remove temporary archive: %w", err)
			}
		}
	})
	return h.closeErr
}

// Keys lists the archives with a durable directory under the base directory.
// Leftover temporary directories and unrelated entries are skipped.
func (s *Store) Keys() ([]datkey.Key, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var keys []datkey.Key
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		key, err := datkey.ParseHex(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
