package blob

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Mode selects the storage backend.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeWebDAV Mode = "webdav"
	ModeHybrid Mode = "hybrid"
)

// Options configures the backend factory.
type Options struct {
	Mode      Mode
	LocalRoot string
	Remote    WebDAVConfig
	Timeout   time.Duration
	Logger    *log.Logger
}

// Selection describes the store the factory actually produced, which may
// differ from the requested mode after graceful degradation.
type Selection struct {
	Store    Store
	Mode     Mode
	ReadOnly bool
	// Note explains any degradation applied, for startup logging and the
	// operational status surface.
	Note string
}

// Open builds the configured backend, degrading rather than failing:
// hybrid without a remote endpoint falls back to local, and a local root
// that is not writable yields a read-only store whose writes all return
// ErrReadOnly.
func Open(opts Options) (*Selection, error) {
	logger := orDefaultLogger(opts.Logger, "[blob] ")
	mode := opts.Mode
	if mode == "" {
		mode = ModeLocal
	}
	if opts.Timeout > 0 && opts.Remote.Timeout == 0 {
		opts.Remote.Timeout = opts.Timeout
	}

	switch mode {
	case ModeWebDAV:
		remote, err := NewWebDAV(opts.Remote)
		if err != nil {
			return nil, err
		}
		return &Selection{Store: remote, Mode: ModeWebDAV}, nil

	case ModeHybrid:
		if opts.Remote.BaseURL == "" {
			logger.Printf("WARNING: hybrid mode without remote url, falling back to local storage")
			sel, err := openLocal(opts.LocalRoot)
			if err != nil {
				return nil, err
			}
			sel.Note = "hybrid requested but no remote endpoint configured"
			return sel, nil
		}
		remote, err := NewWebDAV(opts.Remote)
		if err != nil {
			return nil, err
		}
		sel, err := openLocal(opts.LocalRoot)
		if err != nil {
			return nil, err
		}
		if sel.ReadOnly {
			// A read-only local cache cannot absorb remote content;
			// keep the guard so writes still fail loudly.
			sel.Store = NewReadOnly(NewHybrid(mustLocal(opts.LocalRoot), remote, logger))
			sel.Mode = ModeHybrid
			return sel, nil
		}
		return &Selection{
			Store: NewHybrid(sel.Store, remote, logger),
			Mode:  ModeHybrid,
		}, nil

	case ModeLocal:
		return openLocal(opts.LocalRoot)

	default:
		return nil, fmt.Errorf("blob: unknown storage mode %q", mode)
	}
}

func openLocal(root string) (*Selection, error) {
	local, err := NewLocal(root)
	if err != nil {
		// MkdirAll failing usually means the parent is not writable.
		// Serve reads from whatever exists and guard writes.
		ro := &LocalStore{root: filepath.Clean(root)}
		return &Selection{
			Store:    NewReadOnly(ro),
			Mode:     ModeLocal,
			ReadOnly: true,
			Note:     fmt.Sprintf("data directory unavailable: %v", err),
		}, nil
	}
	if !dirWritable(local.Root()) {
		return &Selection{
			Store:    NewReadOnly(local),
			Mode:     ModeLocal,
			ReadOnly: true,
			Note:     "data directory is not writable",
		}, nil
	}
	return &Selection{Store: local, Mode: ModeLocal}, nil
}

func mustLocal(root string) *LocalStore {
	return &LocalStore{root: filepath.Clean(root)}
}

// dirWritable probes the directory with a throwaway temp file.
func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
