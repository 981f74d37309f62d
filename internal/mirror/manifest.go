package mirror

import (
	"encoding/json"
	"fmt"
	"os"
)

// BuiltinAsset is one built-in item from the static asset manifest. The
// manifest is owned by deployment tooling and read-only here; Path doubles
// as the item's stable identifier and the key of its override entry.
type BuiltinAsset struct {
	Path        string `json:"path"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CategoryID  string `json:"categoryId"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Order       int    `json:"order"`
}

// Manifest enumerates the built-in items by category.
type Manifest struct {
	Version    int `json:"version"`
	Categories []struct {
		ID    string         `json:"id"`
		Items []BuiltinAsset `json:"items"`
	} `json:"categories"`
}

// Assets flattens the manifest, filling each asset's CategoryID from its
// enclosing category when the entry left it empty.
func (m *Manifest) Assets() []BuiltinAsset {
	var out []BuiltinAsset
	for _, cat := range m.Categories {
		for _, asset := range cat.Items {
			if asset.CategoryID == "" {
				asset.CategoryID = cat.ID
			}
			out = append(out, asset)
		}
	}
	return out
}

// ManifestSignature identifies a manifest file revision by size and mtime.
// A changed signature forces a builtin reindex even when the override blob
// is unchanged.
type ManifestSignature struct {
	Size    int64
	ModTime int64
}

// ReadManifest loads and parses the manifest at path. A missing manifest is
// not an error: the catalog simply has no built-in items.
func ReadManifest(path string) ([]BuiltinAsset, ManifestSignature, error) {
	if path == "" {
		return nil, ManifestSignature{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ManifestSignature{}, nil
		}
		return nil, ManifestSignature{}, fmt.Errorf("mirror: stat manifest: %w", err)
	}
	sig := ManifestSignature{Size: info.Size(), ModTime: info.ModTime().UnixNano()}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sig, fmt.Errorf("mirror: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, sig, fmt.Errorf("mirror: parse manifest %s: %w", path, err)
	}
	return m.Assets(), sig, nil
}

// StatManifest returns just the signature, for cheap freshness checks.
func StatManifest(path string) ManifestSignature {
	if path == "" {
		return ManifestSignature{}
	}
	info, err := os.Stat(path)
	if err != nil {
		return ManifestSignature{}
	}
	return ManifestSignature{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
}
