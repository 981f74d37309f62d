package blob

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultRemoteTimeout bounds every WebDAV request. A hung remote call must
// never block local-store availability in hybrid mode.
const DefaultRemoteTimeout = 15 * time.Second

// WebDAVConfig carries the remote endpoint settings.
type WebDAVConfig struct {
	// BaseURL is the collection all keys are resolved under,
	// e.g. https://dav.example.com/openshelf/.
	BaseURL string
	// Username/Password enable HTTP Basic auth when non-empty.
	Username string
	Password string
	// Timeout overrides DefaultRemoteTimeout when positive.
	Timeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// WebDAVStore implements Store against a WebDAV server.
type WebDAVStore struct {
	base    *url.URL
	user    string
	pass    string
	timeout time.Duration
	client  *http.Client
}

// NewWebDAV creates a remote store for the configured endpoint.
func NewWebDAV(cfg WebDAVConfig) (*WebDAVStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("blob: webdav base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("blob: parse webdav url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("blob: unsupported webdav scheme %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &WebDAVStore{
		base:    base,
		user:    cfg.Username,
		pass:    cfg.Password,
		timeout: timeout,
		client:  client,
	}, nil
}

func (s *WebDAVStore) keyURL(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	ref := &url.URL{Path: cleaned}
	return s.base.ResolveReference(ref).String(), nil
}

// do issues one request with auth and the configured timeout applied.
func (s *WebDAVStore) do(ctx context.Context, method, rawURL string, body []byte, header http.Header) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("blob: build %s request: %w", method, err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if s.user != "" || s.pass != "" {
		req.SetBasicAuth(s.user, s.pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: %s %s: %w", method, rawURL, err)
	}
	// The response body must be consumed before cancel fires, so buffer it.
	data, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("blob: read %s response: %w", method, readErr)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// ReadBuffer GETs the key's content. 404 reads as (nil, nil).
func (s *WebDAVStore) ReadBuffer(ctx context.Context, key string) ([]byte, error) {
	target, err := s.keyURL(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return io.ReadAll(resp.Body)
	default:
		return nil, fmt.Errorf("blob: GET %s: unexpected status %d", key, resp.StatusCode)
	}
}

// WriteBuffer PUTs the content, creating parent collections on 409.
func (s *WebDAVStore) WriteBuffer(ctx context.Context, key string, data []byte, opts WriteOptions) error {
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	target, err := s.keyURL(cleaned)
	if err != nil {
		return err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(cleaned)
	}
	header := http.Header{"Content-Type": []string{contentType}}
	resp, err := s.do(ctx, http.MethodPut, target, data, header)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		// Parent collection missing. Create the chain and retry once.
		if parent := path.Dir(cleaned); parent != "." && parent != "/" {
			if err := s.ensureCollection(ctx, parent); err != nil {
				return err
			}
		}
		resp, err = s.do(ctx, http.MethodPut, target, data, header)
		if err != nil {
			return err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("blob: PUT %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

// ensureCollection issues MKCOL for each missing path segment, climbing from
// the root down. 405 means the collection already exists and is success;
// 409 means the parent is missing, which the segment walk prevents.
func (s *WebDAVStore) ensureCollection(ctx context.Context, dir string) error {
	segments := strings.Split(dir, "/")
	current := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if current == "" {
			current = seg
		} else {
			current = current + "/" + seg
		}
		target, err := s.keyURL(current + "/")
		if err != nil {
			return err
		}
		resp, err := s.do(ctx, "MKCOL", target, nil, nil)
		if err != nil {
			return err
		}
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		case http.StatusMethodNotAllowed:
			// Collection already exists.
		default:
			return fmt.Errorf("blob: MKCOL %s: unexpected status %d", current, resp.StatusCode)
		}
	}
	return nil
}

// DeletePath removes the key. 404 is treated as already deleted.
func (s *WebDAVStore) DeletePath(ctx context.Context, key string, _ bool) error {
	target, err := s.keyURL(key)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodDelete, target, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("blob: DELETE %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

// CreateReadStream buffers the remote content; the bytes already crossed the
// wire under the request timeout, so a reader over them is safe to hold.
func (s *WebDAVStore) CreateReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := s.ReadBuffer(ctx, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// multistatus matches the subset of the PROPFIND response we consume.
type multistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href string `xml:"href"`
}

// List issues a Depth:1 PROPFIND and returns the immediate children of the
// collection. Subcollections carry a trailing slash. The collection's own
// href and anything nested deeper are filtered out so traversal never
// accidentally recurses.
func (s *WebDAVStore) List(ctx context.Context, key string) ([]string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	if cleaned != "" && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	target, err := s.keyURL(cleaned)
	if err != nil {
		return nil, err
	}
	header := http.Header{"Depth": []string{"1"}}
	resp, err := s.do(ctx, "PROPFIND", target, nil, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusMultiStatus && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return nil, fmt.Errorf("blob: PROPFIND %s: unexpected status %d", key, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: read PROPFIND response: %w", err)
	}
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("blob: parse PROPFIND response: %w", err)
	}

	basePath := s.base.Path + cleaned
	var names []string
	for _, r := range ms.Responses {
		href := strings.TrimSpace(r.Href)
		if href == "" {
			continue
		}
		if u, err := url.Parse(href); err == nil {
			href = u.Path
		}
		if decoded, err := url.PathUnescape(href); err == nil {
			href = decoded
		}
		rel := strings.TrimPrefix(href, basePath)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			// The collection itself.
			continue
		}
		trimmed := strings.TrimSuffix(rel, "/")
		if strings.Contains(trimmed, "/") {
			// Deeper than one level; not an immediate child.
			continue
		}
		names = append(names, rel)
	}
	return names, nil
}
