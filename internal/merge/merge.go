// Package merge reconciles a local state tree against a remote one.
//
// Two policies coexist deliberately: taxonomy and builtin-override maps
// resolve conflicts by "local wins" (the operator's most recent intentional
// edit), while dynamic items resolve by timestamp with tombstone precedence.
// The asymmetry is operator-visible behavior and must not be unified.
package merge

import (
	"sort"

	"github.com/openshelf/openshelf/internal/state"
)

// Conflict records a divergence the merge preserved rather than resolved.
type Conflict struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // type_mismatch
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// ItemsResult is the outcome of merging dynamic items and tombstones.
type ItemsResult struct {
	Items      []state.DynamicItem
	Tombstones map[string]state.Tombstone
	Deleted    int
	Conflicts  []Conflict
}

// MergeOverrides merges builtin-override maps. Keys present on one side are
// taken; keys present on both resolve to local.
func MergeOverrides(local, remote *state.OverridesFile) *state.OverridesFile {
	out := state.EmptyOverrides()
	for id, ov := range remote.Items {
		out.Items[id] = ov
	}
	for id, ov := range local.Items {
		out.Items[id] = ov
	}
	return out
}

// MergeCategories merges the taxonomy document. Same local-wins policy as
// overrides, applied to groups and categories independently.
func MergeCategories(local, remote *state.CategoriesFile) *state.CategoriesFile {
	out := state.EmptyCategories()
	for id, raw := range remote.Groups {
		out.Groups[id] = raw
	}
	for id, raw := range local.Groups {
		out.Groups[id] = raw
	}
	for id, raw := range remote.Categories {
		out.Categories[id] = raw
	}
	for id, raw := range local.Categories {
		out.Categories[id] = raw
	}
	return out
}

// MergeItems reconciles dynamic items and tombstones across both sides.
//
// For every id seen anywhere: the newest tombstone wins over any item
// version that is not strictly newer than it; otherwise whichever item
// exists is kept, preferring local when both sides have one. A type
// disagreement between the two versions is recorded as a conflict for
// operator visibility, not auto-resolved (the local value stands).
// Tombstones merge by strictly newer deletedAt, local on ties. The merged
// item list is sorted createdAt descending then id ascending so output is
// deterministic and the merge is idempotent.
func MergeItems(localItems, remoteItems *state.ItemsFile, localTombs, remoteTombs *state.TombstonesFile) *ItemsResult {
	local := indexItems(localItems)
	remote := indexItems(remoteItems)

	tombstones := map[string]state.Tombstone{}
	for id, ts := range localTombs.Tombstones {
		tombstones[id] = ts
	}
	for id, ts := range remoteTombs.Tombstones {
		if existing, ok := tombstones[id]; ok {
			// Strictly newer remote deletedAt wins; local keeps ties.
			if ts.Time().After(existing.Time()) {
				tombstones[id] = ts
			}
			continue
		}
		tombstones[id] = ts
	}

	ids := map[string]struct{}{}
	for id := range local {
		ids[id] = struct{}{}
	}
	for id := range remote {
		ids[id] = struct{}{}
	}
	for id := range tombstones {
		ids[id] = struct{}{}
	}

	result := &ItemsResult{Tombstones: tombstones}
	for id := range ids {
		localItem, hasLocal := local[id]
		remoteItem, hasRemote := remote[id]

		if ts, ok := tombstones[id]; ok && (hasLocal || hasRemote) {
			deletedAt := ts.Time()
			localNewer := hasLocal && localItem.ModTime().After(deletedAt)
			remoteNewer := hasRemote && remoteItem.ModTime().After(deletedAt)
			if !localNewer && !remoteNewer {
				// Deletion arbitrated: the tombstone stays, the item goes.
				result.Deleted++
				continue
			}
		}

		switch {
		case hasLocal && hasRemote:
			if localItem.Type != remoteItem.Type {
				result.Conflicts = append(result.Conflicts, Conflict{
					ID:     id,
					Kind:   "type_mismatch",
					Local:  localItem.Type,
					Remote: remoteItem.Type,
				})
			}
			result.Items = append(result.Items, localItem)
		case hasLocal:
			result.Items = append(result.Items, localItem)
		case hasRemote:
			result.Items = append(result.Items, remoteItem)
		}
	}

	sort.Slice(result.Items, func(i, j int) bool {
		a, b := result.Items[i], result.Items[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID < b.ID
	})
	sort.Slice(result.Conflicts, func(i, j int) bool {
		return result.Conflicts[i].ID < result.Conflicts[j].ID
	})
	return result
}

func indexItems(doc *state.ItemsFile) map[string]state.DynamicItem {
	out := make(map[string]state.DynamicItem, len(doc.Items))
	for _, it := range doc.Items {
		if it.ID == "" {
			continue
		}
		out[it.ID] = it
	}
	return out
}
