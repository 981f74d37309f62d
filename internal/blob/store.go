// Package blob provides byte-level key/value storage for openshelf state.
//
// Three interchangeable backends implement the Store interface: Local (disk),
// Remote (WebDAV), and Hybrid (both, local-first). The backend is selected
// once at startup from configuration; nothing else in the system branches on
// backend identity.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path"
	"strings"
)

// ErrReadOnly is returned by every write on a read-only store. Callers
// surface it as a 503-class condition with an operator hint, never a crash.
var ErrReadOnly = errors.New("blob: storage is read-only (data directory is not writable)")

// ErrBadKey is returned when a key would escape the store root.
var ErrBadKey = errors.New("blob: key escapes storage root")

// WriteOptions carries optional metadata for WriteBuffer.
type WriteOptions struct {
	ContentType string
}

// Store is the byte-level storage contract shared by all backends.
//
// Keys are POSIX-style relative paths. Missing keys read as (nil, nil),
// never as an error.
type Store interface {
	// ReadBuffer returns the content at key, or (nil, nil) when absent.
	ReadBuffer(ctx context.Context, key string) ([]byte, error)
	// WriteBuffer stores data at key, creating parent collections as needed.
	WriteBuffer(ctx context.Context, key string, data []byte, opts WriteOptions) error
	// DeletePath removes key. Recursive removes a whole subtree.
	DeletePath(ctx context.Context, key string, recursive bool) error
	// CreateReadStream opens the content at key for streaming reads,
	// or returns (nil, nil) when absent.
	CreateReadStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Lister is implemented by backends that can enumerate immediate children
// of a collection. The sync engine uses it for remote rediscovery.
type Lister interface {
	List(ctx context.Context, key string) ([]string, error)
}

// CleanKey normalizes a storage key: strips leading slashes, collapses
// separators, and rejects keys that traverse above the root.
func CleanKey(key string) (string, error) {
	key = strings.TrimLeft(key, "/")
	cleaned := path.Clean(key)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return cleaned, nil
}

// ContentTypeFor infers a MIME type from a key's extension, defaulting to
// application/octet-stream. JSON blobs get application/json regardless of
// platform MIME tables.
func ContentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == ".json" {
		return "application/json"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func orDefaultLogger(logger *log.Logger, prefix string) *log.Logger {
	if logger != nil {
		return logger
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}
