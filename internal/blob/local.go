package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// isMissing reports whether err means the blob does not exist. A path that
// runs through a regular file (ENOTDIR) counts as missing too; it happens
// when the data directory itself could not be created.
func isMissing(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR)
}

// LocalStore implements Store on the local filesystem.
//
// Writes are atomic: content lands in a temp file that is renamed over the
// target, so a concurrent reader never observes a half-written blob.
type LocalStore struct {
	root string
}

// NewLocal creates a disk-backed store rooted at root, creating the
// directory if needed.
func NewLocal(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: local root path required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: prepare local root %q: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) resolve(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// ReadBuffer returns the file's content, or (nil, nil) when it is missing.
func (s *LocalStore) ReadBuffer(_ context.Context, key string) ([]byte, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blob: read %q: %w", key, err)
	}
	return data, nil
}

// WriteBuffer stores data atomically via temp file + rename.
func (s *LocalStore) WriteBuffer(_ context.Context, key string, data []byte, _ WriteOptions) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blob: prepare directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("blob: create temp for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blob: write temp for %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: close temp for %q: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: chmod temp for %q: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: rename into place for %q: %w", key, err)
	}
	return nil
}

// DeletePath removes the file or, when recursive, the whole subtree.
// Deleting a missing path is not an error.
func (s *LocalStore) DeletePath(_ context.Context, key string, recursive bool) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if recursive {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil && !isMissing(err) {
		return fmt.Errorf("blob: delete %q: %w", key, err)
	}
	return nil
}

// CreateReadStream opens the file for reading, or (nil, nil) when missing.
func (s *LocalStore) CreateReadStream(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blob: open %q: %w", key, err)
	}
	return f, nil
}

// List enumerates the immediate children of a directory key. Names of
// subdirectories carry a trailing slash, mirroring the WebDAV backend.
func (s *LocalStore) List(_ context.Context, key string) ([]string, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blob: list %q: %w", key, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// ReadOnlyStore wraps a Store and fails every write with ErrReadOnly without
// touching the filesystem. The factory produces it when the data directory
// is not writable, so reads keep working while writes surface a 503-class
// condition.
type ReadOnlyStore struct {
	inner Store
}

// NewReadOnly wraps inner in a write guard.
func NewReadOnly(inner Store) *ReadOnlyStore {
	return &ReadOnlyStore{inner: inner}
}

func (s *ReadOnlyStore) ReadBuffer(ctx context.Context, key string) ([]byte, error) {
	return s.inner.ReadBuffer(ctx, key)
}

func (s *ReadOnlyStore) WriteBuffer(context.Context, string, []byte, WriteOptions) error {
	return ErrReadOnly
}

func (s *ReadOnlyStore) DeletePath(context.Context, string, bool) error {
	return ErrReadOnly
}

func (s *ReadOnlyStore) CreateReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.inner.CreateReadStream(ctx, key)
}

// List passes through when the wrapped store can enumerate children.
func (s *ReadOnlyStore) List(ctx context.Context, key string) ([]string, error) {
	if l, ok := s.inner.(Lister); ok {
		return l.List(ctx, key)
	}
	return nil, nil
}
