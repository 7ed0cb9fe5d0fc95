// Package link implements a read-only artifact Provider over public sharing
// links declared in a JSON manifest. Payload bytes are fetched over HTTP with
// the direct-download query flag appended; writes are unsupported.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"epicore/internal/provider/core"
)

// Entry maps one artifact key to its public sharing link.
type Entry struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	Size         int64  `json:"size,omitempty"`
	ETag         string `json:"etag,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Manifest is the on-disk sharing-link catalog.
type Manifest struct {
	Entries []Entry `json:"entries"`
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse link manifest: %w", err)
	}
	return m, nil
}

// Validate returns human-readable violations for the manifest. With strict
// set, entries must also carry a model version.
func (m Manifest) Validate(strict bool) []string {
	var violations []string
	seen := make(map[string]bool, len(m.Entries))
	for i, entry := range m.Entries {
		where := fmt.Sprintf("entry %d", i)
		key, err := core.SanitizeKey(entry.Key)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: key %q: %v", where, entry.Key, err))
		} else {
			if seen[key] {
				violations = append(violations, fmt.Sprintf("%s: duplicate key %q", where, key))
			}
			seen[key] = true
		}
		switch u, err := url.Parse(entry.URL); {
		case entry.URL == "":
			violations = append(violations, fmt.Sprintf("%s: missing url", where))
		case err != nil:
			violations = append(violations, fmt.Sprintf("%s: url %q: %v", where, entry.URL, err))
		case u.Scheme != "https" || u.Host == "":
			violations = append(violations, fmt.Sprintf("%s: url %q must be absolute https", where, entry.URL))
		}
		if entry.Size < 0 {
			violations = append(violations, fmt.Sprintf("%s: negative size %d", where, entry.Size))
		}
		if strict && entry.ModelVersion == "" {
			violations = append(violations, fmt.Sprintf("%s: missing model_version", where))
		}
	}
	return violations
}

// Store implements core.Provider over a manifest. Read-only.
type Store struct {
	entries map[string]Entry
	client  *http.Client
}

// New builds a provider from a parsed manifest. A nil client falls back to
// http.DefaultClient.
func New(manifest Manifest, client *http.Client) (*Store, error) {
	if violations := manifest.Validate(false); len(violations) > 0 {
		return nil, fmt.Errorf("invalid link manifest: %s", strings.Join(violations, "; "))
	}
	entries := make(map[string]Entry, len(manifest.Entries))
	for _, entry := range manifest.Entries {
		key, err := core.SanitizeKey(entry.Key)
		if err != nil {
			return nil, err
		}
		entry.Key = key
		entries[key] = entry
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{entries: entries, client: client}, nil
}

// Open reads and parses a manifest file.
func Open(path string, client *http.Client) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read link manifest: %w", err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return New(manifest, client)
}

// OpenFromEnv constructs the provider from EPICORE_CACHE_LINK_MANIFEST.
func OpenFromEnv() (*Store, error) {
	path := os.Getenv("EPICORE_CACHE_LINK_MANIFEST")
	if path == "" {
		return nil, fmt.Errorf("EPICORE_CACHE_LINK_MANIFEST required for link driver")
	}
	return Open(path, nil)
}

// Driver returns the provider driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverLink }

// Save is unsupported; sharing links are published out of band.
func (s *Store) Save(_ context.Context, _ string, _ io.Reader, _ core.SaveOptions) (core.Metadata, error) {
	return core.Metadata{}, core.ErrUnsupported
}

// Load fetches the artifact through its sharing link.
func (s *Store) Load(ctx context.Context, key string) (io.ReadCloser, core.Metadata, error) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, core.Metadata{}, core.NotFoundError{Key: key}
	}
	target, err := downloadURL(entry.URL)
	if err != nil {
		return nil, core.Metadata{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, core.Metadata{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, core.Metadata{}, fmt.Errorf("fetch sharing link for %s: %w", key, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, core.Metadata{}, fmt.Errorf("fetch sharing link for %s: status %d", key, resp.StatusCode)
	}
	meta := s.metadataFor(entry)
	if resp.ContentLength > 0 {
		meta.Size = resp.ContentLength
	}
	return resp.Body, meta, nil
}

// Exists reports whether the manifest lists the key.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.entries[key]
	return ok, nil
}

// Head returns metadata from the manifest without fetching.
func (s *Store) Head(_ context.Context, key string) (core.Metadata, error) {
	entry, ok := s.entries[key]
	if !ok {
		return core.Metadata{}, core.NotFoundError{Key: key}
	}
	return s.metadataFor(entry), nil
}

// Delete is unsupported for a read-only provider.
func (s *Store) Delete(_ context.Context, _ string) (bool, error) {
	return false, core.ErrUnsupported
}

// List returns manifest entries under prefix, ordered by key.
func (s *Store) List(_ context.Context, prefix string) ([]core.Metadata, error) {
	out := make([]core.Metadata, 0, len(s.entries))
	for key, entry := range s.entries {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out = append(out, s.metadataFor(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ShareURL returns the public sharing link itself; the ttl is ignored since
// the links do not expire under the provider's control.
func (s *Store) ShareURL(_ context.Context, key string, _ time.Duration) (string, error) {
	entry, ok := s.entries[key]
	if !ok {
		return "", core.NotFoundError{Key: key}
	}
	return entry.URL, nil
}

func (s *Store) metadataFor(entry Entry) core.Metadata {
	meta := core.Metadata{
		Key:          entry.Key,
		Size:         entry.Size,
		ETag:         entry.ETag,
		ModelVersion: entry.ModelVersion,
		Source:       string(core.DriverLink),
		URL:          entry.URL,
	}
	if entry.Label != "" {
		meta.Labels = map[string]string{"label": entry.Label}
	}
	return meta
}

// downloadURL appends the direct-download flag sharing services expect when a
// link should serve bytes instead of a landing page.
func downloadURL(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse sharing link: %w", err)
	}
	q := u.Query()
	q.Set("download", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
