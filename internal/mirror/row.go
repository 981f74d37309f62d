package mirror

import (
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/openshelf/openshelf/internal/state"
)

// Item sources, in rank order: dynamic items always sort before builtins in
// the merged query.
const (
	SourceDynamic = "dynamic"
	SourceBuiltin = "builtin"
)

// Row is the relational projection of one catalog item, dynamic or builtin.
// Everything the query surface returns is a Row; the JSON blobs remain the
// source of truth and rows are rebuilt from them at any doubt.
type Row struct {
	Source      string `json:"source"`
	ID          string `json:"id"`
	Type        string `json:"type,omitempty"` // dynamic only: link, upload
	CategoryID  string `json:"categoryId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"` // url or upload path
	Thumbnail   string `json:"thumbnail,omitempty"`
	Order       int    `json:"order"`
	Published   bool   `json:"published"`
	Hidden      bool   `json:"hidden"`
	Deleted     bool   `json:"deleted,omitempty"` // builtin only
	UploadKind  string `json:"uploadKind,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`

	// titleSort is the collation key used for locale-aware ordering; it is
	// populated at index time and never serialized.
	titleSort []byte
}

// QueryOptions filters a catalog query.
type QueryOptions struct {
	// IsAdmin disables the published/hidden visibility filter.
	IsAdmin bool
	// Query is a free-text needle matched case-insensitively against
	// title, description, url/path, and id.
	Query string
	// CategoryID restricts to one category when non-empty.
	CategoryID string
	// Type restricts dynamic items to link or upload when non-empty.
	Type string
	// IncludeDeleted keeps builtin items whose override marks them deleted.
	IncludeDeleted bool
	// Offset/Limit paginate. Limit <= 0 means no limit.
	Offset int
	Limit  int
}

// QueryResult is one page of a catalog query plus the unpaginated total.
type QueryResult struct {
	Total int   `json:"total"`
	Items []Row `json:"items"`
}

// collator builds locale-aware sort keys. Collation keys compare correctly
// under plain byte comparison, which is exactly what SQLite does with BLOBs.
var collator = collate.New(language.Und)

func titleSortKey(title string) []byte {
	var buf collate.Buffer
	return append([]byte(nil), collator.KeyFromString(&buf, title)...)
}

// searchText builds the lowercase haystack for free-text matching. Lowering
// happens in Go so non-ASCII titles fold correctly regardless of SQLite's
// ASCII-only lower().
func searchText(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "\n"))
}

// dynamicRow projects a DynamicItem.
func dynamicRow(it state.DynamicItem) Row {
	return Row{
		Source:      SourceDynamic,
		ID:          it.ID,
		Type:        it.Type,
		CategoryID:  it.CategoryID,
		Title:       it.Title,
		Description: it.Description,
		Location:    it.Location(),
		Thumbnail:   it.Thumbnail,
		Order:       it.Order,
		Published:   it.Published,
		Hidden:      it.Hidden,
		UploadKind:  it.UploadKind,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
		titleSort:   titleSortKey(it.Title),
	}
}

// builtinRow projects a manifest asset with its override (possibly zero)
// pre-merged. Builtins are visible by default; the override patches
// individual fields.
func builtinRow(asset BuiltinAsset, ov state.BuiltinItemOverride) Row {
	row := Row{
		Source:      SourceBuiltin,
		ID:          asset.Path,
		CategoryID:  asset.CategoryID,
		Title:       asset.Title,
		Description: asset.Description,
		Location:    asset.Path,
		Thumbnail:   asset.Thumbnail,
		Order:       asset.Order,
		Published:   true,
		UpdatedAt:   ov.UpdatedAt,
		Deleted:     ov.Deleted,
	}
	if ov.Title != nil {
		row.Title = *ov.Title
	}
	if ov.Description != nil {
		row.Description = *ov.Description
	}
	if ov.CategoryID != nil {
		row.CategoryID = *ov.CategoryID
	}
	if ov.Order != nil {
		row.Order = *ov.Order
	}
	if ov.Published != nil {
		row.Published = *ov.Published
	}
	if ov.Hidden != nil {
		row.Hidden = *ov.Hidden
	}
	row.titleSort = titleSortKey(row.Title)
	return row
}

// visible applies the non-admin visibility rule shared by every query path.
func (r *Row) visible() bool {
	return r.Published && !r.Hidden
}

// matches applies the free-text needle (already lowercased).
func (r *Row) matches(needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(searchText(r.Title, r.Description, r.Location, r.ID), needle)
}
