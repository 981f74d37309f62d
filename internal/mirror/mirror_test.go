package mirror

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/openshelf/openshelf/internal/blob"
	"github.com/openshelf/openshelf/internal/state"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func writeItems(t *testing.T, store blob.Store, items ...state.DynamicItem) {
	t.Helper()
	data, err := state.Encode(&state.ItemsFile{Version: state.ItemsVersion, Items: items})
	if err != nil {
		t.Fatalf("encode items: %v", err)
	}
	if err := store.WriteBuffer(context.Background(), state.ItemsKey, data, blob.WriteOptions{}); err != nil {
		t.Fatalf("write items: %v", err)
	}
}

func newTestMirror(t *testing.T, manifestPath string) (*Mirror, blob.Store) {
	t.Helper()
	store, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	m := New(store, Config{
		IndexPath:    filepath.Join(t.TempDir(), "index.db"),
		ManifestPath: manifestPath,
		Logger:       testLogger(),
	})
	t.Cleanup(func() { m.Close() })
	return m, store
}

func TestMirrorIndexesFromBlobs(t *testing.T) {
	m, store := newTestMirror(t, "")
	ctx := context.Background()

	// Empty store indexes as an empty catalog, not an error.
	res, err := m.QueryItems(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("query on empty store failed: %v", err)
	}
	if res.Total != 0 {
		t.Errorf("empty store Total = %d", res.Total)
	}

	writeItems(t, store, state.DynamicItem{
		ID: "a", Type: state.TypeLink, Title: "Atlas", URL: "https://example.org/a",
		Published: true, CreatedAt: "2026-01-01T00:00:00Z",
	})

	// The changed blob signature triggers a reindex on the next query; no
	// explicit invalidation needed for write-through within the process.
	res, err = m.QueryItems(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("query after write failed: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != "a" {
		t.Errorf("result = %+v, want the written item", res)
	}

	writeItems(t, store,
		state.DynamicItem{ID: "a", Type: state.TypeLink, Title: "Atlas",
			URL: "https://example.org/a", Published: true, CreatedAt: "2026-01-01T00:00:00Z"},
		state.DynamicItem{ID: "b", Type: state.TypeLink, Title: "Biome",
			URL: "https://example.org/b", Published: true, CreatedAt: "2026-01-02T00:00:00Z"},
	)
	res, err = m.QueryItems(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("query after second write failed: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("Total = %d after second write, want 2", res.Total)
	}

	if m.Mode() != "sqlite" {
		t.Errorf("Mode = %q, want sqlite", m.Mode())
	}
}

func TestMirrorManifestFreshness(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "builtin_manifest.json")
	writeManifest := func(body string) {
		t.Helper()
		if err := os.WriteFile(manifest, []byte(body), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	writeManifest(`{"version":1,"categories":[
		{"id":"reference","items":[{"path":"library/a.html","title":"A"}]}
	]}`)

	m, _ := newTestMirror(t, manifest)
	ctx := context.Background()

	res, err := m.QueryBuiltinItems(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("query builtins failed: %v", err)
	}
	if res.Total != 1 {
		t.Fatalf("Total = %d, want 1", res.Total)
	}
	if res.Items[0].CategoryID != "reference" {
		t.Errorf("category = %q, want inherited from the enclosing category", res.Items[0].CategoryID)
	}

	// Rewriting the manifest changes its size+mtime signature and forces a
	// builtin reindex even though the override blob is untouched.
	writeManifest(`{"version":1,"categories":[
		{"id":"reference","items":[
			{"path":"library/a.html","title":"A"},
			{"path":"library/b.html","title":"B"}
		]}
	]}`)
	res, err = m.QueryBuiltinItems(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("query after manifest change failed: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("Total = %d after manifest change, want 2", res.Total)
	}
}

func TestMirrorOverridesApply(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "builtin_manifest.json")
	if err := os.WriteFile(manifest, []byte(`{"version":1,"categories":[
		{"id":"reference","items":[{"path":"library/a.html","title":"A"}]}
	]}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, store := newTestMirror(t, manifest)
	ctx := context.Background()

	overrides := state.EmptyOverrides()
	overrides.Items["library/a.html"] = state.BuiltinItemOverride{Title: strp("A, Annotated")}
	data, err := state.Encode(overrides)
	if err != nil {
		t.Fatalf("encode overrides: %v", err)
	}
	if err := store.WriteBuffer(ctx, state.OverridesKey, data, blob.WriteOptions{}); err != nil {
		t.Fatalf("write overrides: %v", err)
	}

	row, err := m.QueryBuiltinItemByID(ctx, "library/a.html", false)
	if err != nil || row == nil {
		t.Fatalf("lookup = (%v, %v)", row, err)
	}
	if row.Title != "A, Annotated" {
		t.Errorf("title = %q, want the override applied", row.Title)
	}
}

func TestMirrorFallsBackToScanEngine(t *testing.T) {
	// A regular file where the index directory should be makes the SQLite
	// engine unopenable.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	store, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	m := New(store, Config{
		IndexPath: filepath.Join(blocker, "sub", "index.db"),
		Logger:    testLogger(),
	})
	defer m.Close()

	if m.Mode() != "memory" {
		t.Fatalf("Mode = %q, want memory fallback", m.Mode())
	}

	writeItems(t, store, state.DynamicItem{
		ID: "a", Type: state.TypeLink, Title: "Atlas", Published: true,
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	res, err := m.QueryItems(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("query on fallback engine failed: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("fallback Total = %d, want 1", res.Total)
	}
	if s := m.State(); s.Mode != "memory" {
		t.Errorf("State().Mode = %q, want memory", s.Mode)
	}
}

// brokenStore fails every read, simulating storage loss underneath the
// mirror.
type brokenStore struct{}

func (brokenStore) ReadBuffer(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage gone")
}
func (brokenStore) WriteBuffer(context.Context, string, []byte, blob.WriteOptions) error {
	return errors.New("storage gone")
}
func (brokenStore) DeletePath(context.Context, string, bool) error {
	return errors.New("storage gone")
}
func (brokenStore) CreateReadStream(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("storage gone")
}

func TestMirrorCircuitOpensAndSticks(t *testing.T) {
	m := New(brokenStore{}, Config{
		IndexPath: filepath.Join(t.TempDir(), "index.db"),
		MaxErrors: 3,
		Logger:    testLogger(),
	})
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.QueryItems(ctx, QueryOptions{}); err == nil {
			t.Fatalf("query %d should fail", i)
		} else if errors.Is(err, ErrIndexUnavailable) {
			t.Fatalf("query %d failed fast before the circuit opened", i)
		}
	}

	// The threshold is reached: every further query short-circuits without
	// touching storage, and the snapshot reports the open circuit.
	if _, err := m.QueryItems(ctx, QueryOptions{}); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("err = %v, want ErrIndexUnavailable", err)
	}
	if _, err := m.QueryDynamicCategoryCounts(ctx, true); !errors.Is(err, ErrIndexUnavailable) {
		t.Errorf("counts err = %v, want ErrIndexUnavailable", err)
	}
	s := m.State()
	if !s.CircuitOpen || s.ErrorCount != 3 {
		t.Errorf("state = %+v, want open circuit with 3 errors", s)
	}
}

func TestMirrorReindex(t *testing.T) {
	m, store := newTestMirror(t, "")
	ctx := context.Background()

	writeItems(t, store, state.DynamicItem{
		ID: "a", Type: state.TypeLink, Title: "Atlas", Published: true,
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	if err := m.Reindex(ctx); err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	res, err := m.QueryItems(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("query after Reindex failed: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Total)
	}
}
