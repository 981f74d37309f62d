package merge

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/openshelf/openshelf/internal/blob"
	"github.com/openshelf/openshelf/internal/state"
)

// Summary reports one sync run, in the shape the CLI prints and operators
// consume.
type Summary struct {
	Uploaded int         `json:"uploaded"`
	Skipped  int         `json:"skipped"`
	Merged   MergedStats `json:"merged"`
	Scan     ScanStats   `json:"scan"`
}

// MergedStats counts the outcomes of the dynamic-items merge.
type MergedStats struct {
	DynamicDeleted   int        `json:"dynamicDeleted"`
	DynamicConflicts int        `json:"dynamicConflicts"`
	Conflicts        []Conflict `json:"conflicts,omitempty"`
}

// ScanStats reports the optional remote rediscovery pass.
type ScanStats struct {
	Enabled  bool   `json:"enabled"`
	Found    int    `json:"found"`
	Imported int    `json:"imported"`
	Error    string `json:"error,omitempty"`
}

// Options configures one engine run.
type Options struct {
	// ScanUploads enables remote rediscovery of orphaned upload content
	// after the primary merge.
	ScanUploads bool
	// DefaultCategory is the fallback bucket for rediscovered items.
	DefaultCategory string
	// SkipNames are file names never uploaded to the remote (secrets and
	// similar), checked against base names in addition to dotfiles.
	SkipNames []string
	// IndexPath is the local path of the derived query index. The index
	// and its sidecar files are rebuilt per node from the blobs and are
	// never uploaded. Empty means <data_dir>/index.db.
	IndexPath string
	// DryRun merges and reports but writes nothing.
	DryRun bool
}

// Engine reconciles a local state tree against a remote one. It never owns
// data exclusively: it reads two sides and writes one merged result back to
// both.
type Engine struct {
	local  *blob.LocalStore
	remote blob.Store
	logger *log.Logger
}

// NewEngine builds a sync engine over the local data store and the remote.
func NewEngine(local *blob.LocalStore, remote blob.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{local: local, remote: remote, logger: logger}
}

// readBoth loads a blob from both sides, tolerating missing or unreadable
// content on either. A failed remote read degrades to "absent": the merge
// is union-shaped, so an absent side can never destroy data.
func (e *Engine) readBoth(ctx context.Context, key string) (localData, remoteData []byte) {
	var err error
	localData, err = e.local.ReadBuffer(ctx, key)
	if err != nil {
		e.logger.Printf("WARNING: local read of %s failed, treating as absent: %v", key, err)
		localData = nil
	}
	remoteData, err = e.remote.ReadBuffer(ctx, key)
	if err != nil {
		e.logger.Printf("WARNING: remote read of %s failed, treating as absent: %v", key, err)
		remoteData = nil
	}
	return localData, remoteData
}

// writeBoth persists a merged blob to both sides. The remote write is the
// blocking requirement; a local cache write failure is logged and swallowed.
func (e *Engine) writeBoth(ctx context.Context, key string, data []byte) error {
	opts := blob.WriteOptions{ContentType: "application/json"}
	if err := e.remote.WriteBuffer(ctx, key, data, opts); err != nil {
		return fmt.Errorf("merge: write %s to remote: %w", key, err)
	}
	if err := e.local.WriteBuffer(ctx, key, data, opts); err != nil {
		e.logger.Printf("WARNING: local cache write of %s failed: %v", key, err)
	}
	return nil
}

// Run executes one full sync: merge the four state blobs, write the results
// back to both sides, mirror non-JSON assets up, then optionally rediscover
// orphaned remote uploads. Rediscovery runs strictly after the items merge
// so it can consult the reconciled id set.
func (e *Engine) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := &Summary{}

	localCatData, remoteCatData := e.readBoth(ctx, state.CategoriesKey)
	mergedCategories := MergeCategories(
		state.DecodeCategories(localCatData),
		state.DecodeCategories(remoteCatData),
	)

	localOvData, remoteOvData := e.readBoth(ctx, state.OverridesKey)
	mergedOverrides := MergeOverrides(
		state.DecodeOverrides(localOvData),
		state.DecodeOverrides(remoteOvData),
	)

	localItemsData, remoteItemsData := e.readBoth(ctx, state.ItemsKey)
	localTombData, remoteTombData := e.readBoth(ctx, state.TombstonesKey)
	itemsResult := MergeItems(
		state.DecodeItems(localItemsData),
		state.DecodeItems(remoteItemsData),
		state.DecodeTombstones(localTombData),
		state.DecodeTombstones(remoteTombData),
	)
	summary.Merged.DynamicDeleted = itemsResult.Deleted
	summary.Merged.DynamicConflicts = len(itemsResult.Conflicts)
	summary.Merged.Conflicts = itemsResult.Conflicts
	for _, c := range itemsResult.Conflicts {
		e.logger.Printf("WARNING: type mismatch on %s (local=%s remote=%s), keeping local", c.ID, c.Local, c.Remote)
	}

	mergedItems := &state.ItemsFile{Version: state.ItemsVersion, Items: itemsResult.Items}
	mergedTombs := &state.TombstonesFile{Version: state.TombstonesVersion, Tombstones: itemsResult.Tombstones}

	if !opts.DryRun {
		// Each blob write is attempted independently: a failure on one kind
		// must not block reconciling the others.
		var firstErr error
		for _, out := range []struct {
			key string
			doc any
		}{
			{state.CategoriesKey, mergedCategories},
			{state.OverridesKey, mergedOverrides},
			{state.ItemsKey, mergedItems},
			{state.TombstonesKey, mergedTombs},
		} {
			data, err := state.Encode(out.doc)
			if err != nil {
				return summary, fmt.Errorf("merge: encode %s: %w", out.key, err)
			}
			if err := e.writeBoth(ctx, out.key, data); err != nil {
				e.logger.Printf("WARNING: %v", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if firstErr != nil {
			return summary, firstErr
		}
	}

	if err := e.uploadAssets(ctx, opts, summary); err != nil {
		return summary, err
	}

	if opts.ScanUploads {
		summary.Scan.Enabled = true
		e.rediscover(ctx, opts, mergedItems, mergedTombs, summary)
	}

	return summary, nil
}

// uploadAssets mirrors non-state files from the local data directory to the
// remote verbatim. Dotfiles, configured skip names, and the query index
// never leave the machine; per-file failures are logged and counted, not
// fatal.
func (e *Engine) uploadAssets(ctx context.Context, opts Options, summary *Summary) error {
	root := e.local.Root()
	indexPath := opts.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(root, "index.db")
	}
	indexPath = filepath.Clean(indexPath)
	skip := make(map[string]struct{}, len(opts.SkipNames))
	for _, name := range opts.SkipNames {
		skip[name] = struct{}{}
	}
	stateKeys := map[string]struct{}{
		state.ItemsKey:      {},
		state.CategoriesKey: {},
		state.OverridesKey:  {},
		state.TombstonesKey: {},
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.logger.Printf("WARNING: walk %s: %v", path, err)
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			summary.Skipped++
			return nil
		}
		if d.IsDir() {
			return nil
		}
		// The SQLite index and its -wal/-shm sidecars are a node-local
		// projection of the blobs, not shared content.
		if p := filepath.Clean(path); p == indexPath || strings.HasPrefix(p, indexPath+"-") {
			summary.Skipped++
			return nil
		}
		if _, ok := skip[name]; ok {
			summary.Skipped++
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if _, ok := stateKeys[key]; ok {
			// State blobs were written by the merge step already.
			return nil
		}
		if opts.DryRun {
			summary.Uploaded++
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Printf("WARNING: read asset %s: %v", key, err)
			summary.Skipped++
			return nil
		}
		writeOpts := blob.WriteOptions{ContentType: blob.ContentTypeFor(key)}
		if err := e.remote.WriteBuffer(ctx, key, data, writeOpts); err != nil {
			e.logger.Printf("WARNING: upload asset %s: %v", key, err)
			summary.Skipped++
			return nil
		}
		summary.Uploaded++
		return nil
	})
}
