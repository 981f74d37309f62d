// Package state defines the canonical JSON documents persisted by openshelf
// and tolerant codecs for reading them.
//
// Four named blobs make up the persisted state:
//
//	items.json            dynamic catalog entries
//	categories.json       group/category taxonomy
//	builtin_items.json    per-builtin-item overrides
//	items_tombstones.json deletion markers used to arbitrate merges
//
// Readers never fail on malformed content: anything that does not decode is
// treated as absent and replaced with the kind's empty default, leaving the
// corrupt bytes on disk untouched for inspection.
package state

import (
	"bytes"
	"encoding/json"
	"time"
)

// Blob keys. These are fixed names shared by every storage backend.
const (
	ItemsKey      = "items.json"
	CategoriesKey = "categories.json"
	OverridesKey  = "builtin_items.json"
	TombstonesKey = "items_tombstones.json"
)

// Schema versions written by Encode. Readers accept any version.
const (
	ItemsVersion      = 2
	CategoriesVersion = 2
	OverridesVersion  = 1
	TombstonesVersion = 1
)

// Item types.
const (
	TypeLink   = "link"
	TypeUpload = "upload"
)

// Upload kinds.
const (
	UploadHTML = "html"
	UploadZip  = "zip"
)

// DynamicItem is a user-created catalog entry. Timestamps are RFC 3339
// strings; empty means unknown. Field-level conflict resolution during merge
// relies on UpdatedAt/CreatedAt, so writers must refresh UpdatedAt on every
// modification.
type DynamicItem struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // link, upload
	CategoryID  string `json:"categoryId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`  // type=link
	Path        string `json:"path,omitempty"` // type=upload
	Thumbnail   string `json:"thumbnail,omitempty"`
	Order       int    `json:"order"`
	Published   bool   `json:"published"`
	Hidden      bool   `json:"hidden"`
	UploadKind  string `json:"uploadKind,omitempty"` // html, zip
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// Location returns the navigable target of the item: the URL for links, the
// upload path otherwise.
func (it *DynamicItem) Location() string {
	if it.Type == TypeLink {
		return it.URL
	}
	return it.Path
}

// ModTime returns the item's effective modification time for merge
// arbitration: UpdatedAt when parseable, else CreatedAt, else the zero time.
func (it *DynamicItem) ModTime() time.Time {
	if t, ok := ParseTime(it.UpdatedAt); ok {
		return t
	}
	if t, ok := ParseTime(it.CreatedAt); ok {
		return t
	}
	return time.Time{}
}

// BuiltinItemOverride is a partial patch applied to a built-in item,
// keyed by the item's stable file path. Nil fields mean "leave the
// built-in default unchanged". Deleted hides the item from the merged
// index without touching the on-disk asset.
type BuiltinItemOverride struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	CategoryID  *string `json:"categoryId,omitempty"`
	Order       *int    `json:"order,omitempty"`
	Published   *bool   `json:"published,omitempty"`
	Hidden      *bool   `json:"hidden,omitempty"`
	UpdatedAt   string  `json:"updatedAt,omitempty"`
	Deleted     bool    `json:"deleted,omitempty"`
}

// Tombstone records when an item id was deleted. A tombstone wins over any
// item version that is not strictly newer than DeletedAt.
type Tombstone struct {
	DeletedAt string `json:"deletedAt"`
}

// Time returns the parsed deletion time, or the zero time when absent.
func (ts Tombstone) Time() time.Time {
	t, _ := ParseTime(ts.DeletedAt)
	return t
}

// ItemsFile is the schema of items.json.
type ItemsFile struct {
	Version int           `json:"version"`
	Items   []DynamicItem `json:"items"`
}

// CategoriesFile is the schema of categories.json. Groups and categories are
// opaque to this layer; the merge engine treats them as keyed maps.
type CategoriesFile struct {
	Version    int                        `json:"version"`
	Groups     map[string]json.RawMessage `json:"groups"`
	Categories map[string]json.RawMessage `json:"categories"`
}

// OverridesFile is the schema of builtin_items.json.
type OverridesFile struct {
	Version int                            `json:"version"`
	Items   map[string]BuiltinItemOverride `json:"items"`
}

// TombstonesFile is the schema of items_tombstones.json.
type TombstonesFile struct {
	Version    int                  `json:"version"`
	Tombstones map[string]Tombstone `json:"tombstones"`
}

// EmptyItems returns the default items document.
func EmptyItems() *ItemsFile {
	return &ItemsFile{Version: ItemsVersion, Items: []DynamicItem{}}
}

// EmptyCategories returns the default taxonomy document.
func EmptyCategories() *CategoriesFile {
	return &CategoriesFile{
		Version:    CategoriesVersion,
		Groups:     map[string]json.RawMessage{},
		Categories: map[string]json.RawMessage{},
	}
}

// EmptyOverrides returns the default overrides document.
func EmptyOverrides() *OverridesFile {
	return &OverridesFile{Version: OverridesVersion, Items: map[string]BuiltinItemOverride{}}
}

// EmptyTombstones returns the default tombstones document.
func EmptyTombstones() *TombstonesFile {
	return &TombstonesFile{Version: TombstonesVersion, Tombstones: map[string]Tombstone{}}
}

// DecodeItems parses items.json content. Nil, empty, or malformed input
// yields the empty default; it never returns an error.
func DecodeItems(data []byte) *ItemsFile {
	doc := EmptyItems()
	if len(data) == 0 {
		return doc
	}
	var parsed ItemsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return doc
	}
	if parsed.Items == nil {
		parsed.Items = []DynamicItem{}
	}
	if parsed.Version == 0 {
		parsed.Version = ItemsVersion
	}
	return &parsed
}

// DecodeCategories parses categories.json content, substituting the empty
// default for anything unreadable.
func DecodeCategories(data []byte) *CategoriesFile {
	doc := EmptyCategories()
	if len(data) == 0 {
		return doc
	}
	var parsed CategoriesFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return doc
	}
	if parsed.Groups == nil {
		parsed.Groups = map[string]json.RawMessage{}
	}
	if parsed.Categories == nil {
		parsed.Categories = map[string]json.RawMessage{}
	}
	if parsed.Version == 0 {
		parsed.Version = CategoriesVersion
	}
	return &parsed
}

// DecodeOverrides parses builtin_items.json content, substituting the empty
// default for anything unreadable.
func DecodeOverrides(data []byte) *OverridesFile {
	doc := EmptyOverrides()
	if len(data) == 0 {
		return doc
	}
	var parsed OverridesFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return doc
	}
	if parsed.Items == nil {
		parsed.Items = map[string]BuiltinItemOverride{}
	}
	if parsed.Version == 0 {
		parsed.Version = OverridesVersion
	}
	return &parsed
}

// DecodeTombstones parses items_tombstones.json content, substituting the
// empty default for anything unreadable.
func DecodeTombstones(data []byte) *TombstonesFile {
	doc := EmptyTombstones()
	if len(data) == 0 {
		return doc
	}
	var parsed TombstonesFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return doc
	}
	if parsed.Tombstones == nil {
		parsed.Tombstones = map[string]Tombstone{}
	}
	if parsed.Version == 0 {
		parsed.Version = TombstonesVersion
	}
	return &parsed
}

// Encode marshals a state document with 2-space indentation and a trailing
// newline so persisted blobs stay human-diffable.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseTime parses an RFC 3339 timestamp string. The second return value
// reports whether the input was present and valid.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Now formats the current time the way every persisted timestamp is written.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
