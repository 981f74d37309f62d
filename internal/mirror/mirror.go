// Package mirror maintains a relational query index derived from the
// catalog's JSON state blobs.
//
// The index is a disposable projection: it answers paginated and filtered
// reads in sub-linear time, but the blobs stay the source of truth and any
// doubt about freshness resolves to "reindex from the blob". A circuit
// breaker guards every operation; once it opens, queries fail fast with
// ErrIndexUnavailable for the rest of the process lifetime.
package mirror

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/openshelf/openshelf/internal/blob"
	"github.com/openshelf/openshelf/internal/state"
)

// Config carries the mirror's construction parameters.
type Config struct {
	// IndexPath is the SQLite file location, e.g. data/index.db.
	IndexPath string
	// ManifestPath locates the static builtin-asset manifest. Empty means
	// the catalog has no built-in items.
	ManifestPath string
	// MaxErrors is the circuit-breaker threshold (<= 0 for the default).
	MaxErrors int
	Logger    *log.Logger
}

// Mirror owns the derived index, its freshness tracking, and the guard.
type Mirror struct {
	store  blob.Store
	idx    Index
	guard  *Guard
	logger *log.Logger
	mode   string // "sqlite" or "memory"

	manifestPath string

	mu          sync.Mutex
	itemsSig    [sha256.Size]byte
	overrideSig [sha256.Size]byte
	manifestSig ManifestSignature
	indexed     bool
}

// New builds the mirror over store. When the SQLite engine cannot start the
// mirror degrades by construction to the in-memory scan index and keeps the
// same query contracts.
func New(store blob.Store, cfg Config) *Mirror {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}

	m := &Mirror{
		store:        store,
		guard:        NewGuard(cfg.MaxErrors),
		logger:       logger,
		manifestPath: cfg.ManifestPath,
	}

	idx, err := OpenSQL(cfg.IndexPath)
	if err != nil {
		logger.Printf("WARNING: query index unavailable, falling back to in-memory scan: %v", err)
		m.idx = NewScanIndex()
		m.mode = "memory"
		return m
	}
	m.idx = idx
	m.mode = "sqlite"
	return m
}

// Close releases the underlying index.
func (m *Mirror) Close() error {
	return m.idx.Close()
}

// Mode reports which index implementation is active.
func (m *Mirror) Mode() string { return m.mode }

// State returns the circuit snapshot for the health surface.
func (m *Mirror) State() State {
	s := m.guard.Snapshot()
	s.Mode = m.mode
	return s
}

// Invalidate forces a full reindex on the next query. Write paths call it
// after mutating a state blob (write-through); it is also wired to the
// manifest watcher.
func (m *Mirror) Invalidate() {
	m.mu.Lock()
	m.indexed = false
	m.mu.Unlock()
}

// ensureFresh reindexes whichever projection is stale. Dynamic items depend
// on the items blob; builtins depend on both the overrides blob and the
// manifest file's size+mtime signature.
func (m *Mirror) ensureFresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	itemsData, err := m.store.ReadBuffer(ctx, state.ItemsKey)
	if err != nil {
		return fmt.Errorf("mirror: read %s: %w", state.ItemsKey, err)
	}
	overrideData, err := m.store.ReadBuffer(ctx, state.OverridesKey)
	if err != nil {
		return fmt.Errorf("mirror: read %s: %w", state.OverridesKey, err)
	}

	itemsSig := sha256.Sum256(itemsData)
	overrideSig := sha256.Sum256(overrideData)
	manifestSig := StatManifest(m.manifestPath)

	if !m.indexed || itemsSig != m.itemsSig {
		doc := state.DecodeItems(itemsData)
		rows := make([]Row, 0, len(doc.Items))
		for _, it := range doc.Items {
			rows = append(rows, dynamicRow(it))
		}
		if err := m.idx.ReplaceDynamic(ctx, rows); err != nil {
			return err
		}
		m.itemsSig = itemsSig
	}

	if !m.indexed || overrideSig != m.overrideSig || manifestSig != m.manifestSig {
		assets, sig, err := ReadManifest(m.manifestPath)
		if err != nil {
			return err
		}
		overrides := state.DecodeOverrides(overrideData)
		rows := make([]Row, 0, len(assets))
		for _, asset := range assets {
			rows = append(rows, builtinRow(asset, overrides.Items[asset.Path]))
		}
		if err := m.idx.ReplaceBuiltin(ctx, rows); err != nil {
			return err
		}
		m.overrideSig = overrideSig
		m.manifestSig = sig
	}

	m.indexed = true
	return nil
}

// guarded wraps one mirror operation in the circuit breaker.
func guarded[T any](ctx context.Context, m *Mirror, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if !m.guard.Usable() {
		return zero, ErrIndexUnavailable
	}
	if err := m.ensureFresh(ctx); err != nil {
		m.guard.MarkFailure(err)
		m.logger.Printf("WARNING: mirror operation failed (%s): %v", m.guard, err)
		return zero, err
	}
	out, err := op(ctx)
	if err != nil {
		m.guard.MarkFailure(err)
		m.logger.Printf("WARNING: mirror operation failed (%s): %v", m.guard, err)
		return zero, err
	}
	m.guard.MarkSuccess()
	return out, nil
}

// QueryDynamicItems lists dynamic catalog entries.
func (m *Mirror) QueryDynamicItems(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	return guarded(ctx, m, func(ctx context.Context) (*QueryResult, error) {
		return m.idx.QueryDynamicItems(ctx, opts)
	})
}

// QueryBuiltinItems lists built-in items with overrides pre-merged.
func (m *Mirror) QueryBuiltinItems(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	return guarded(ctx, m, func(ctx context.Context) (*QueryResult, error) {
		return m.idx.QueryBuiltinItems(ctx, opts)
	})
}

// QueryItems lists the union of dynamic and builtin items, dynamic first,
// with pagination that may straddle the source boundary.
func (m *Mirror) QueryItems(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	return guarded(ctx, m, func(ctx context.Context) (*QueryResult, error) {
		return m.idx.QueryItems(ctx, opts)
	})
}

// QueryDynamicCategoryCounts returns per-category item counts under the
// caller's visibility.
func (m *Mirror) QueryDynamicCategoryCounts(ctx context.Context, isAdmin bool) (map[string]int, error) {
	return guarded(ctx, m, func(ctx context.Context) (map[string]int, error) {
		return m.idx.QueryDynamicCategoryCounts(ctx, isAdmin)
	})
}

// QueryDynamicItemByID returns one dynamic item, or nil when absent or
// filtered by visibility.
func (m *Mirror) QueryDynamicItemByID(ctx context.Context, id string, isAdmin bool) (*Row, error) {
	return guarded(ctx, m, func(ctx context.Context) (*Row, error) {
		return m.idx.DynamicItemByID(ctx, id, isAdmin)
	})
}

// QueryBuiltinItemByID returns one builtin item, or nil when absent or
// filtered by visibility.
func (m *Mirror) QueryBuiltinItemByID(ctx context.Context, id string, isAdmin bool) (*Row, error) {
	return guarded(ctx, m, func(ctx context.Context) (*Row, error) {
		return m.idx.BuiltinItemByID(ctx, id, isAdmin)
	})
}

// Reindex forces an immediate full rebuild from the blobs.
func (m *Mirror) Reindex(ctx context.Context) error {
	m.Invalidate()
	_, err := guarded(ctx, m, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	return err
}
