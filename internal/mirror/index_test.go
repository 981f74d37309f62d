package mirror

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/openshelf/openshelf/internal/state"
)

// withIndexes runs fn against both Index implementations. The two engines
// must be behaviorally interchangeable.
func withIndexes(t *testing.T, fn func(t *testing.T, idx Index)) {
	t.Helper()

	sqlIdx, err := OpenSQL(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQL failed: %v", err)
	}
	t.Cleanup(func() { sqlIdx.Close() })

	for name, idx := range map[string]Index{
		"sqlite": sqlIdx,
		"memory": NewScanIndex(),
	} {
		t.Run(name, func(t *testing.T) { fn(t, idx) })
	}
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

// seedIndex loads a fixture catalog covering visibility, ordering, and both
// sources.
func seedIndex(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()

	items := []state.DynamicItem{
		{ID: "d1", Type: state.TypeLink, CategoryID: "science", Title: "Chemistry Lab",
			Description: "periodic table drills", URL: "https://example.org/chem",
			Published: true, CreatedAt: "2026-03-03T10:00:00Z"},
		{ID: "d2", Type: state.TypeUpload, CategoryID: "science", Title: "Biology Quiz",
			Path: "uploads/d2/index.html", UploadKind: state.UploadHTML,
			Published: true, CreatedAt: "2026-03-02T10:00:00Z"},
		{ID: "d3", Type: state.TypeLink, CategoryID: "language", Title: "Café Guide",
			URL: "https://example.org/cafe-guide", Published: true,
			CreatedAt: "2026-03-01T10:00:00Z"},
		{ID: "d6", Type: state.TypeLink, CategoryID: "language", Title: "apple pack",
			URL: "https://example.org/apple", Published: true,
			CreatedAt: "2026-03-01T10:00:00Z"},
		{ID: "d7", Type: state.TypeLink, CategoryID: "language", Title: "Banana set",
			URL: "https://example.org/banana", Published: true,
			CreatedAt: "2026-03-01T10:00:00Z"},
		{ID: "d4", Type: state.TypeLink, CategoryID: "science", Title: "Draft Notes",
			URL: "https://example.org/draft", Published: false,
			CreatedAt: "2026-03-04T10:00:00Z"},
		{ID: "d5", Type: state.TypeUpload, CategoryID: "language", Title: "Hidden Demo",
			Path: "uploads/d5/game.zip", UploadKind: state.UploadZip,
			Published: true, Hidden: true, CreatedAt: "2026-03-05T10:00:00Z"},
	}
	dynRows := make([]Row, 0, len(items))
	for i := range items {
		dynRows = append(dynRows, dynamicRow(items[i]))
	}
	if err := idx.ReplaceDynamic(ctx, dynRows); err != nil {
		t.Fatalf("ReplaceDynamic failed: %v", err)
	}

	builtins := []struct {
		asset BuiltinAsset
		ov    state.BuiltinItemOverride
	}{
		{asset: BuiltinAsset{Path: "library/alpha.html", Title: "alpha reader", CategoryID: "reference"}},
		{asset: BuiltinAsset{Path: "library/eclair.html", Title: "Éclair Story", CategoryID: "reference"}},
		{asset: BuiltinAsset{Path: "library/zebra.html", Title: "zebra atlas", CategoryID: "reference"}},
		{asset: BuiltinAsset{Path: "library/ghost.html", Title: "ghost page", CategoryID: "reference"},
			ov: state.BuiltinItemOverride{Deleted: true}},
		{asset: BuiltinAsset{Path: "library/secret.html", Title: "secret draft", CategoryID: "reference"},
			ov: state.BuiltinItemOverride{Published: boolp(false)}},
	}
	biRows := make([]Row, 0, len(builtins))
	for _, b := range builtins {
		biRows = append(biRows, builtinRow(b.asset, b.ov))
	}
	if err := idx.ReplaceBuiltin(ctx, biRows); err != nil {
		t.Fatalf("ReplaceBuiltin failed: %v", err)
	}
}

func resultIDs(res *QueryResult) []string {
	ids := make([]string, 0, len(res.Items))
	for _, r := range res.Items {
		ids = append(ids, r.ID)
	}
	return ids
}

func checkIDs(t *testing.T, res *QueryResult, wantTotal int, wantIDs []string) {
	t.Helper()
	if res.Total != wantTotal {
		t.Errorf("Total = %d, want %d", res.Total, wantTotal)
	}
	if got := resultIDs(res); !reflect.DeepEqual(got, wantIDs) {
		t.Errorf("items = %v, want %v", got, wantIDs)
	}
}

func TestIndexDynamicOrdering(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		// Newest first; equal timestamps fall back to locale title order
		// (apple pack before Banana set despite the lowercase first letter),
		// then id.
		res, err := idx.QueryDynamicItems(ctx, QueryOptions{})
		if err != nil {
			t.Fatalf("QueryDynamicItems failed: %v", err)
		}
		checkIDs(t, res, 5, []string{"d1", "d2", "d6", "d7", "d3"})

		res, err = idx.QueryDynamicItems(ctx, QueryOptions{IsAdmin: true})
		if err != nil {
			t.Fatalf("QueryDynamicItems(admin) failed: %v", err)
		}
		checkIDs(t, res, 7, []string{"d5", "d4", "d1", "d2", "d6", "d7", "d3"})
	})
}

func TestIndexBuiltinOrderingAndVisibility(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		// Locale-aware title order keeps Éclair with the e's, not after z.
		res, err := idx.QueryBuiltinItems(ctx, QueryOptions{})
		if err != nil {
			t.Fatalf("QueryBuiltinItems failed: %v", err)
		}
		checkIDs(t, res, 3, []string{
			"library/alpha.html", "library/eclair.html", "library/zebra.html",
		})

		// Admin sees the unpublished item but not the deleted one.
		res, err = idx.QueryBuiltinItems(ctx, QueryOptions{IsAdmin: true})
		if err != nil {
			t.Fatalf("QueryBuiltinItems(admin) failed: %v", err)
		}
		checkIDs(t, res, 4, []string{
			"library/alpha.html", "library/eclair.html",
			"library/secret.html", "library/zebra.html",
		})

		res, err = idx.QueryBuiltinItems(ctx, QueryOptions{IsAdmin: true, IncludeDeleted: true})
		if err != nil {
			t.Fatalf("QueryBuiltinItems(admin, deleted) failed: %v", err)
		}
		checkIDs(t, res, 5, []string{
			"library/alpha.html", "library/eclair.html", "library/ghost.html",
			"library/secret.html", "library/zebra.html",
		})
	})
}

func TestIndexUnionPagination(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		// The full non-admin union: dynamic items first, then builtins.
		wantAll := []string{
			"d1", "d2", "d6", "d7", "d3",
			"library/alpha.html", "library/eclair.html", "library/zebra.html",
		}

		res, err := idx.QueryItems(ctx, QueryOptions{})
		if err != nil {
			t.Fatalf("QueryItems failed: %v", err)
		}
		checkIDs(t, res, 8, wantAll)
		if res.Items[0].Source != SourceDynamic || res.Items[7].Source != SourceBuiltin {
			t.Errorf("sources = %s..%s, want dynamic before builtin",
				res.Items[0].Source, res.Items[7].Source)
		}

		// Walk every page of size 3, including the one straddling the
		// dynamic/builtin boundary, and confirm the concatenation equals the
		// unpaginated result.
		var walked []string
		for offset := 0; offset < 8; offset += 3 {
			page, err := idx.QueryItems(ctx, QueryOptions{Offset: offset, Limit: 3})
			if err != nil {
				t.Fatalf("QueryItems(offset=%d) failed: %v", offset, err)
			}
			if page.Total != 8 {
				t.Errorf("page at offset %d: Total = %d, want 8", offset, page.Total)
			}
			walked = append(walked, resultIDs(page)...)
		}
		if !reflect.DeepEqual(walked, wantAll) {
			t.Errorf("walked pages = %v, want %v", walked, wantAll)
		}

		// Offset past the end is an empty page, not an error.
		res, err = idx.QueryItems(ctx, QueryOptions{Offset: 50, Limit: 3})
		if err != nil {
			t.Fatalf("QueryItems(offset=50) failed: %v", err)
		}
		checkIDs(t, res, 8, []string{})

		// Offset without limit skips and returns the rest.
		res, err = idx.QueryItems(ctx, QueryOptions{Offset: 6})
		if err != nil {
			t.Fatalf("QueryItems(offset only) failed: %v", err)
		}
		checkIDs(t, res, 8, []string{"library/eclair.html", "library/zebra.html"})
	})
}

func TestIndexFreeTextSearch(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		cases := []struct {
			name  string
			query string
			want  []string
		}{
			{"title accent fold", "CAFÉ", []string{"d3"}},
			{"description", "periodic", []string{"d1"}},
			{"location", "cafe-guide", []string{"d3"}},
			{"id", "d7", []string{"d7"}},
			{"builtin title", "zebra", []string{"library/zebra.html"}},
			{"no match", "nonexistent", nil},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				res, err := idx.QueryItems(ctx, QueryOptions{Query: tc.query})
				if err != nil {
					t.Fatalf("QueryItems(%q) failed: %v", tc.query, err)
				}
				got := resultIDs(res)
				if len(tc.want) == 0 && len(got) == 0 {
					return
				}
				if !reflect.DeepEqual(got, tc.want) {
					t.Errorf("search %q = %v, want %v", tc.query, got, tc.want)
				}
			})
		}
	})
}

func TestIndexTypeAndCategoryFilters(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		res, err := idx.QueryItems(ctx, QueryOptions{Type: state.TypeUpload})
		if err != nil {
			t.Fatalf("QueryItems(type) failed: %v", err)
		}
		// A type filter names a dynamic-only property, so builtins drop out.
		checkIDs(t, res, 1, []string{"d2"})

		res, err = idx.QueryDynamicItems(ctx, QueryOptions{CategoryID: "science"})
		if err != nil {
			t.Fatalf("QueryDynamicItems(category) failed: %v", err)
		}
		checkIDs(t, res, 2, []string{"d1", "d2"})
	})
}

func TestIndexCategoryCounts(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		counts, err := idx.QueryDynamicCategoryCounts(ctx, false)
		if err != nil {
			t.Fatalf("QueryDynamicCategoryCounts failed: %v", err)
		}
		if want := map[string]int{"science": 2, "language": 3}; !reflect.DeepEqual(counts, want) {
			t.Errorf("counts = %v, want %v", counts, want)
		}

		counts, err = idx.QueryDynamicCategoryCounts(ctx, true)
		if err != nil {
			t.Fatalf("QueryDynamicCategoryCounts(admin) failed: %v", err)
		}
		if want := map[string]int{"science": 3, "language": 4}; !reflect.DeepEqual(counts, want) {
			t.Errorf("admin counts = %v, want %v", counts, want)
		}
	})
}

func TestIndexPointLookups(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		row, err := idx.DynamicItemByID(ctx, "d1", false)
		if err != nil || row == nil {
			t.Fatalf("DynamicItemByID(d1) = (%v, %v)", row, err)
		}
		if row.Title != "Chemistry Lab" || row.Location != "https://example.org/chem" {
			t.Errorf("d1 row = %+v", row)
		}

		// Unpublished item is invisible to non-admins but not missing.
		row, err = idx.DynamicItemByID(ctx, "d4", false)
		if err != nil || row != nil {
			t.Errorf("DynamicItemByID(d4, non-admin) = (%v, %v), want (nil, nil)", row, err)
		}
		row, err = idx.DynamicItemByID(ctx, "d4", true)
		if err != nil || row == nil {
			t.Errorf("DynamicItemByID(d4, admin) = (%v, %v), want row", row, err)
		}

		row, err = idx.DynamicItemByID(ctx, "no-such-id", true)
		if err != nil || row != nil {
			t.Errorf("missing id = (%v, %v), want (nil, nil)", row, err)
		}

		// Deleted builtins are gone even for admins.
		row, err = idx.BuiltinItemByID(ctx, "library/ghost.html", true)
		if err != nil || row != nil {
			t.Errorf("deleted builtin = (%v, %v), want (nil, nil)", row, err)
		}
		row, err = idx.BuiltinItemByID(ctx, "library/alpha.html", false)
		if err != nil || row == nil {
			t.Fatalf("BuiltinItemByID(alpha) = (%v, %v)", row, err)
		}
		if row.Location != "library/alpha.html" {
			t.Errorf("builtin location = %q, want the asset path", row.Location)
		}
	})
}

func TestIndexReplaceIsFullSwap(t *testing.T) {
	withIndexes(t, func(t *testing.T, idx Index) {
		seedIndex(t, idx)
		ctx := context.Background()

		// Reindexing with one row must drop every stale row.
		one := dynamicRow(state.DynamicItem{
			ID: "only", Type: state.TypeLink, Title: "Sole Survivor",
			Published: true, CreatedAt: "2026-04-01T00:00:00Z",
		})
		if err := idx.ReplaceDynamic(ctx, []Row{one}); err != nil {
			t.Fatalf("ReplaceDynamic failed: %v", err)
		}
		res, err := idx.QueryDynamicItems(ctx, QueryOptions{IsAdmin: true})
		if err != nil {
			t.Fatalf("QueryDynamicItems failed: %v", err)
		}
		checkIDs(t, res, 1, []string{"only"})
	})
}

func TestBuiltinRowOverrides(t *testing.T) {
	asset := BuiltinAsset{
		Path:       "library/alpha.html",
		Title:      "alpha reader",
		CategoryID: "reference",
		Order:      3,
	}
	ov := state.BuiltinItemOverride{
		Title:      strp("Alpha Reader, Revised"),
		CategoryID: strp("featured"),
		Hidden:     boolp(true),
		UpdatedAt:  "2026-02-01T00:00:00Z",
	}

	row := builtinRow(asset, ov)
	if row.Title != "Alpha Reader, Revised" || row.CategoryID != "featured" {
		t.Errorf("override not applied: %+v", row)
	}
	if !row.Hidden || !row.Published {
		t.Errorf("visibility = hidden=%v published=%v, want hidden, still published", row.Hidden, row.Published)
	}
	if row.Order != 3 {
		t.Errorf("order = %d, nil override field must keep the asset value", row.Order)
	}

	// Zero override leaves the asset untouched and published by default.
	plain := builtinRow(asset, state.BuiltinItemOverride{})
	if plain.Title != "alpha reader" || !plain.Published || plain.Hidden {
		t.Errorf("zero override row = %+v", plain)
	}
}
