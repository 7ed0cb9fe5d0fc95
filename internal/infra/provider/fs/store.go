// Package fs implements an artifact Provider on the local filesystem.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"epicore/internal/provider/core"
)

// Store maps artifact keys to relative file paths under a root directory. A
// metadata sidecar (filename + `.meta`) carries the provider metadata. Not
// concurrent-writer safe beyond per-file creation.
type Store struct {
	root string
}

// New returns a filesystem-backed provider rooted at path, creating the root
// if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./epicore-cache"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Driver returns the provider driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

func (s *Store) pathFor(key string) (dataPath, metaPath string, err error) {
	clean, err := core.SanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(clean))
	metaPath = dataPath + ".meta"
	return dataPath, metaPath, nil
}

type metaFile struct {
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag"`
	Size         int64             `json:"size"`
	ModelVersion string            `json:"model_version,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Save streams the payload to a temp file, computes the sha256 etag, and
// moves it into place atomically. An existing key fails.
func (s *Store) Save(_ context.Context, key string, payload io.Reader, opts core.SaveOptions) (core.Metadata, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Metadata{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return core.Metadata{}, core.AlreadyExistsError{Key: key}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return core.Metadata{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return core.Metadata{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	h := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(tmp, h), payload)
	if copyErr != nil {
		_ = tmp.Close()
		return core.Metadata{}, copyErr
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return core.Metadata{}, err
	}
	if err := tmp.Close(); err != nil {
		return core.Metadata{}, err
	}
	etag := hex.EncodeToString(h.Sum(nil))
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return core.Metadata{}, err
	}
	now := time.Now().UTC()
	mf := metaFile{
		ContentType:  opts.ContentType,
		ETag:         etag,
		Size:         size,
		ModelVersion: opts.ModelVersion,
		Labels:       core.CloneLabels(opts.Labels),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := writeJSON(metaPath, mf); err != nil {
		return core.Metadata{}, err
	}
	return s.metadataFor(key, mf), nil
}

// Load opens the artifact for reading alongside its sidecar metadata.
func (s *Store) Load(_ context.Context, key string) (io.ReadCloser, core.Metadata, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return nil, core.Metadata{}, err
	}
	file, err := os.Open(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.Metadata{}, core.NotFoundError{Key: key}
	}
	if err != nil {
		return nil, core.Metadata{}, err
	}
	mf, err := readMeta(metaPath)
	if err != nil {
		_ = file.Close()
		return nil, core.Metadata{}, err
	}
	return file, s.metadataFor(key, mf), nil
}

// Exists reports whether the artifact file is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	dataPath, _, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Head returns sidecar metadata only.
func (s *Store) Head(_ context.Context, key string) (core.Metadata, error) {
	_, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Metadata{}, err
	}
	mf, err := readMeta(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return core.Metadata{}, core.NotFoundError{Key: key}
	}
	if err != nil {
		return core.Metadata{}, err
	}
	return s.metadataFor(key, mf), nil
}

// Delete removes the artifact and its sidecar, reporting whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// List walks the root collecting sidecars and filters by key prefix.
func (s *Store) List(_ context.Context, prefix string) ([]core.Metadata, error) {
	var out []core.Metadata
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		mf, err := readMeta(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, ".meta"))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out = append(out, s.metadataFor(key, mf))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ShareURL returns a stable pseudo URL for local development; there is no
// auth and no expiry.
func (s *Store) ShareURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if _, _, err := s.pathFor(key); err != nil {
		return "", err
	}
	return s.localURL(key), nil
}

func (s *Store) metadataFor(key string, mf metaFile) core.Metadata {
	return core.Metadata{
		Key:          key,
		Size:         mf.Size,
		ContentType:  mf.ContentType,
		ETag:         mf.ETag,
		ModelVersion: mf.ModelVersion,
		Source:       string(core.DriverFilesystem),
		Labels:       core.CloneLabels(mf.Labels),
		CreatedAt:    mf.CreatedAt,
		UpdatedAt:    mf.UpdatedAt,
		URL:          s.localURL(key),
	}
}

func (s *Store) localURL(key string) string {
	return (&url.URL{Scheme: "http", Host: "local.artifacts", Path: "/" + key}).String()
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func readMeta(path string) (metaFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return metaFile{}, err
	}
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return metaFile{}, err
	}
	return mf, nil
}
