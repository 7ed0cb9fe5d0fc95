// Package memory implements an in-memory artifact Provider for tests and
// ephemeral sessions.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"epicore/internal/provider/core"
)

type artifactEntry struct {
	meta    core.Metadata
	payload []byte
}

// Store implements core.Provider backed by process memory.
type Store struct {
	mu   sync.RWMutex
	objs map[string]artifactEntry
}

// New returns an empty in-memory provider.
func New() *Store { return &Store{objs: make(map[string]artifactEntry)} }

// Driver returns the provider driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Save stores a new artifact; an existing key fails with AlreadyExistsError.
func (s *Store) Save(_ context.Context, key string, payload io.Reader, opts core.SaveOptions) (core.Metadata, error) {
	clean, err := core.SanitizeKey(key)
	if err != nil {
		return core.Metadata{}, err
	}
	b, err := io.ReadAll(payload)
	if err != nil {
		return core.Metadata{}, err
	}
	sum := sha256.Sum256(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[clean]; exists {
		return core.Metadata{}, core.AlreadyExistsError{Key: clean}
	}
	now := time.Now().UTC()
	meta := core.Metadata{
		Key:          clean,
		Size:         int64(len(b)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		ModelVersion: opts.ModelVersion,
		Source:       string(core.DriverMemory),
		Labels:       core.CloneLabels(opts.Labels),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.objs[clean] = artifactEntry{meta: meta, payload: b}
	return cloneMeta(meta), nil
}

// Load returns the artifact payload and metadata.
func (s *Store) Load(_ context.Context, key string) (io.ReadCloser, core.Metadata, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, core.Metadata{}, core.NotFoundError{Key: key}
	}
	payload := make([]byte, len(obj.payload))
	copy(payload, obj.payload)
	return io.NopCloser(bytes.NewReader(payload)), cloneMeta(obj.meta), nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objs[key]
	return ok, nil
}

// Head returns artifact metadata only.
func (s *Store) Head(_ context.Context, key string) (core.Metadata, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return core.Metadata{}, core.NotFoundError{Key: key}
	}
	return cloneMeta(obj.meta), nil
}

// Delete removes the artifact, reporting whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[key]
	if ok {
		delete(s.objs, key)
	}
	return ok, nil
}

// List returns all artifacts matching prefix, ordered by key.
func (s *Store) List(_ context.Context, prefix string) ([]core.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Metadata, 0, len(s.objs))
	for k, v := range s.objs {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			out = append(out, cloneMeta(v.meta))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ShareURL is unsupported for the memory driver.
func (s *Store) ShareURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", core.ErrUnsupported
}

func cloneMeta(meta core.Metadata) core.Metadata {
	meta.Labels = core.CloneLabels(meta.Labels)
	return meta
}
