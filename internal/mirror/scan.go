package mirror

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// scanIndex is the degraded Index used when the SQLite engine cannot start.
// It keeps both projections in memory and answers queries by scanning. The
// filter, sort, and pagination semantics match the SQL implementation; only
// the performance profile differs.
type scanIndex struct {
	mu      sync.RWMutex
	dynamic []Row
	builtin []Row
}

// NewScanIndex creates the in-memory fallback index.
func NewScanIndex() Index {
	return &scanIndex{}
}

func (s *scanIndex) Close() error { return nil }

func (s *scanIndex) ReplaceDynamic(_ context.Context, rows []Row) error {
	sorted := append([]Row(nil), rows...)
	sortRows(sorted, true)
	s.mu.Lock()
	s.dynamic = sorted
	s.mu.Unlock()
	return nil
}

func (s *scanIndex) ReplaceBuiltin(_ context.Context, rows []Row) error {
	sorted := append([]Row(nil), rows...)
	sortRows(sorted, false)
	s.mu.Lock()
	s.builtin = sorted
	s.mu.Unlock()
	return nil
}

// sortRows applies the shared ordering: createdAt descending (dynamic only;
// builtins have none), locale-aware title, then id.
func sortRows(rows []Row, byCreated bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if byCreated && a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		if c := bytes.Compare(a.titleSort, b.titleSort); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}

func (s *scanIndex) filterDynamic(opts QueryOptions) []Row {
	needle := strings.ToLower(opts.Query)
	var out []Row
	for _, r := range s.dynamic {
		if !opts.IsAdmin && !r.visible() {
			continue
		}
		if opts.CategoryID != "" && r.CategoryID != opts.CategoryID {
			continue
		}
		if opts.Type != "" && r.Type != opts.Type {
			continue
		}
		if !r.matches(needle) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *scanIndex) filterBuiltin(opts QueryOptions) []Row {
	if opts.Type != "" {
		return nil
	}
	needle := strings.ToLower(opts.Query)
	var out []Row
	for _, r := range s.builtin {
		if !opts.IsAdmin && !r.visible() {
			continue
		}
		if !opts.IncludeDeleted && r.Deleted {
			continue
		}
		if opts.CategoryID != "" && r.CategoryID != opts.CategoryID {
			continue
		}
		if !r.matches(needle) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func page(rows []Row, opts QueryOptions) *QueryResult {
	total := len(rows)
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return &QueryResult{Total: total, Items: append([]Row(nil), rows[start:end]...)}
}

func (s *scanIndex) QueryDynamicItems(_ context.Context, opts QueryOptions) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page(s.filterDynamic(opts), opts), nil
}

func (s *scanIndex) QueryBuiltinItems(_ context.Context, opts QueryOptions) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page(s.filterBuiltin(opts), opts), nil
}

func (s *scanIndex) QueryItems(_ context.Context, opts QueryOptions) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Both slices are pre-sorted; dynamic ranks first across the union.
	merged := append(s.filterDynamic(opts), s.filterBuiltin(opts)...)
	return page(merged, opts), nil
}

func (s *scanIndex) QueryDynamicCategoryCounts(_ context.Context, isAdmin bool) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, r := range s.filterDynamic(QueryOptions{IsAdmin: isAdmin}) {
		counts[r.CategoryID]++
	}
	return counts, nil
}

func (s *scanIndex) DynamicItemByID(_ context.Context, id string, isAdmin bool) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.dynamic {
		if r.ID != id {
			continue
		}
		if !isAdmin && !r.visible() {
			return nil, nil
		}
		row := r
		return &row, nil
	}
	return nil, nil
}

func (s *scanIndex) BuiltinItemByID(_ context.Context, id string, isAdmin bool) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.builtin {
		if r.ID != id {
			continue
		}
		if !isAdmin && !r.visible() {
			return nil, nil
		}
		if r.Deleted {
			return nil, nil
		}
		row := r
		return &row, nil
	}
	return nil, nil
}
