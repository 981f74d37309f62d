package merge

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/openshelf/openshelf/internal/blob"
	"github.com/openshelf/openshelf/internal/state"
)

// UploadsPrefix is the remote namespace holding uploaded content, one
// directory per upload.
const UploadsPrefix = "uploads"

// uploadManifestName is the per-upload manifest file the write path leaves
// beside the content.
const uploadManifestName = "upload.json"

// uploadDirPattern is the naming convention for upload directories.
// Anything else under the namespace is ignored.
var uploadDirPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// uploadManifest is the subset of the per-upload manifest consulted during
// rediscovery.
type uploadManifest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Kind        string `json:"kind"` // html, zip
	CategoryID  string `json:"categoryId"`
	CreatedAt   string `json:"createdAt"`
}

// rediscover scans the remote upload namespace for directories whose id is
// missing from the merged item set and synthesizes DynamicItems for them.
// This recovers content that exists physically on the remote but whose
// blob-level reference was lost (partial write, manual remote edit).
// Scan failures land in the summary, never abort the sync.
func (e *Engine) rediscover(ctx context.Context, opts Options, items *state.ItemsFile, tombs *state.TombstonesFile, summary *Summary) {
	lister, ok := e.remote.(blob.Lister)
	if !ok {
		summary.Scan.Error = "remote backend cannot list collections"
		return
	}

	entries, err := lister.List(ctx, UploadsPrefix)
	if err != nil {
		summary.Scan.Error = err.Error()
		return
	}

	known := make(map[string]struct{}, len(items.Items))
	for _, it := range items.Items {
		known[it.ID] = struct{}{}
	}

	var recovered []state.DynamicItem
	for _, entry := range entries {
		if !strings.HasSuffix(entry, "/") {
			continue
		}
		dir := strings.TrimSuffix(entry, "/")
		if !uploadDirPattern.MatchString(dir) {
			continue
		}
		manifestKey := UploadsPrefix + "/" + dir + "/" + uploadManifestName
		data, err := e.remote.ReadBuffer(ctx, manifestKey)
		if err != nil || data == nil {
			continue
		}
		var manifest uploadManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			e.logger.Printf("WARNING: unreadable upload manifest %s: %v", manifestKey, err)
			continue
		}
		summary.Scan.Found++

		id := manifest.ID
		if id == "" {
			// Pre-id manifest. Mint an id and write it back so the next
			// scan matches the upload against the item set instead of
			// importing it again.
			id = uuid.NewString()
			e.persistManifestID(ctx, manifestKey, data, id, opts)
		}
		if _, ok := known[id]; ok {
			continue
		}
		if _, ok := tombs.Tombstones[id]; ok {
			// Deleted on purpose; do not resurrect it, even when the
			// tombstone timestamp is unreadable.
			continue
		}

		item := e.synthesizeItem(ctx, id, dir, manifest, opts)
		recovered = append(recovered, item)
		known[id] = struct{}{}
		summary.Scan.Imported++
	}

	if len(recovered) == 0 || opts.DryRun {
		return
	}

	items.Items = append(items.Items, recovered...)
	data, err := state.Encode(items)
	if err != nil {
		summary.Scan.Error = err.Error()
		return
	}
	if err := e.writeBoth(ctx, state.ItemsKey, data); err != nil {
		summary.Scan.Error = err.Error()
	}
}

// persistManifestID writes a minted id back into an upload manifest on the
// remote, preserving whatever other fields the manifest carries.
func (e *Engine) persistManifestID(ctx context.Context, key string, data []byte, id string, opts Options) {
	if opts.DryRun {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		raw = map[string]any{}
	}
	raw["id"] = id
	out, err := state.Encode(raw)
	if err != nil {
		return
	}
	wopts := blob.WriteOptions{ContentType: "application/json"}
	if err := e.remote.WriteBuffer(ctx, key, out, wopts); err != nil {
		e.logger.Printf("WARNING: persist minted id for %s: %v", key, err)
	}
}

// synthesizeItem builds a catalog entry for a rediscovered upload. Title
// and description come from the manifest, falling back to the upload's own
// HTML. Recovered items start unpublished so an operator reviews them
// before they reach the public catalog.
func (e *Engine) synthesizeItem(ctx context.Context, id, dir string, manifest uploadManifest, opts Options) state.DynamicItem {
	title := manifest.Title
	description := manifest.Description
	if title == "" || description == "" {
		htmlTitle, htmlDesc := e.extractHTMLMeta(ctx, UploadsPrefix+"/"+dir+"/index.html")
		if title == "" {
			title = htmlTitle
		}
		if description == "" {
			description = htmlDesc
		}
	}
	if title == "" {
		title = dir
	}

	category := manifest.CategoryID
	if category == "" {
		category = opts.DefaultCategory
	}
	createdAt := manifest.CreatedAt
	if _, ok := state.ParseTime(createdAt); !ok {
		createdAt = state.Now()
	}
	kind := manifest.Kind
	if kind != state.UploadZip {
		kind = state.UploadHTML
	}

	return state.DynamicItem{
		ID:          id,
		Type:        state.TypeUpload,
		CategoryID:  category,
		Title:       title,
		Description: description,
		Path:        UploadsPrefix + "/" + dir + "/",
		UploadKind:  kind,
		Published:   false,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// extractHTMLMeta pulls <title> and the meta description out of an HTML
// document on the remote. Any failure just yields empty strings.
func (e *Engine) extractHTMLMeta(ctx context.Context, key string) (title, description string) {
	data, err := e.remote.ReadBuffer(ctx, key)
	if err != nil || data == nil {
		return "", ""
	}
	doc, err := html.Parse(strings.NewReader(string(data)))
	if err != nil {
		return "", ""
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				var name, content string
				for _, attr := range n.Attr {
					switch strings.ToLower(attr.Key) {
					case "name":
						name = strings.ToLower(attr.Val)
					case "content":
						content = attr.Val
					}
				}
				if name == "description" && description == "" {
					description = strings.TrimSpace(content)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, description
}
