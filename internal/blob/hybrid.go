package blob

import (
	"bytes"
	"context"
	"io"
	"log"
)

// HybridStore composes a local cache with a remote mirror.
//
// Reads are local-first with remote fallback; a remote hit repopulates the
// local cache opportunistically. Writes go to local synchronously and to
// remote best-effort: remote failures are logged, never surfaced, so the
// availability of the read/write path never depends on remote reachability.
// The local copy stays authoritative until the next sync pass reconciles.
type HybridStore struct {
	local  Store
	remote Store
	logger *log.Logger
}

// NewHybrid composes local and remote stores.
func NewHybrid(local, remote Store, logger *log.Logger) *HybridStore {
	return &HybridStore{
		local:  local,
		remote: remote,
		logger: orDefaultLogger(logger, "[blob] "),
	}
}

// ReadBuffer reads local-first, falling back to remote on a miss and
// re-caching the remote content locally.
func (s *HybridStore) ReadBuffer(ctx context.Context, key string) ([]byte, error) {
	data, err := s.local.ReadBuffer(ctx, key)
	if err != nil {
		return nil, err
	}
	if data != nil {
		return data, nil
	}
	data, err = s.remote.ReadBuffer(ctx, key)
	if err != nil {
		s.logger.Printf("WARNING: remote read of %s failed: %v", key, err)
		return nil, nil
	}
	if data == nil {
		return nil, nil
	}
	if err := s.local.WriteBuffer(ctx, key, data, WriteOptions{}); err != nil {
		// Repopulation is opportunistic; the read must not fail over it.
		s.logger.Printf("WARNING: failed to re-cache %s locally: %v", key, err)
	}
	return data, nil
}

// WriteBuffer writes locally (required) then mirrors to remote (best-effort).
func (s *HybridStore) WriteBuffer(ctx context.Context, key string, data []byte, opts WriteOptions) error {
	if err := s.local.WriteBuffer(ctx, key, data, opts); err != nil {
		return err
	}
	if err := s.remote.WriteBuffer(ctx, key, data, opts); err != nil {
		s.logger.Printf("WARNING: remote mirror of %s failed: %v", key, err)
	}
	return nil
}

// DeletePath deletes locally (required) then remotely (best-effort).
func (s *HybridStore) DeletePath(ctx context.Context, key string, recursive bool) error {
	if err := s.local.DeletePath(ctx, key, recursive); err != nil {
		return err
	}
	if err := s.remote.DeletePath(ctx, key, recursive); err != nil {
		s.logger.Printf("WARNING: remote delete of %s failed: %v", key, err)
	}
	return nil
}

// CreateReadStream streams from local, falling back to a buffered remote
// read on a miss.
func (s *HybridStore) CreateReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.local.CreateReadStream(ctx, key)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		return rc, nil
	}
	data, err := s.ReadBuffer(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	if rc, err := s.local.CreateReadStream(ctx, key); err == nil && rc != nil {
		return rc, nil
	}
	// Re-caching failed; serve the buffered remote content directly.
	return io.NopCloser(bytes.NewReader(data)), nil
}

// List prefers the remote listing (the mirror may hold content the local
// cache has never seen), falling back to local when remote is unreachable.
func (s *HybridStore) List(ctx context.Context, key string) ([]string, error) {
	if l, ok := s.remote.(Lister); ok {
		names, err := l.List(ctx, key)
		if err == nil {
			return names, nil
		}
		s.logger.Printf("WARNING: remote list of %s failed: %v", key, err)
	}
	if l, ok := s.local.(Lister); ok {
		return l.List(ctx, key)
	}
	return nil, nil
}
