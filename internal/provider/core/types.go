// Package core defines the artifact provider abstractions used by the
// session orchestrator and tooling. Driver packages implement Provider;
// nothing in this package imports a driver.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver identifies a concrete artifact provider implementation.
type Driver string

const (
	// DriverFilesystem stores artifacts under a local directory.
	DriverFilesystem Driver = "fs" // local filesystem (default, dev)
	// DriverMemory keeps artifacts in process memory.
	DriverMemory Driver = "memory" // in-memory (tests, ephemeral sessions)
	// DriverS3 targets an S3 / MinIO compatible bucket.
	DriverS3 Driver = "s3"
	// DriverLink resolves artifacts through public sharing links, read-only.
	DriverLink Driver = "link"
	// DriverSQLite caches artifacts in a single local database file.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres archives artifacts in a shared Postgres database.
	DriverPostgres Driver = "postgres"
)

// SaveOptions specifies optional parameters for Save.
type SaveOptions struct {
	ContentType  string            // MIME type, optional
	ModelVersion string            // model version the artifact was produced by
	Labels       map[string]string // user labels (small, flat key-value)
}

// Metadata describes a stored artifact.
type Metadata struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	ModelVersion string            `json:"model_version,omitempty"`
	Source       string            `json:"source,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	URL          string            `json:"url,omitempty"`
}

// Provider is the narrow artifact store contract. Save is create-only; an
// artifact, once written under a key, is immutable.
type Provider interface {
	// Save stores a new artifact at key. MUST fail with AlreadyExistsError
	// when the key exists. Read-only drivers return ErrUnsupported.
	Save(ctx context.Context, key string, payload io.Reader, opts SaveOptions) (Metadata, error)
	// Load retrieves the artifact contents and metadata. Returns
	// NotFoundError when absent.
	Load(ctx context.Context, key string) (io.ReadCloser, Metadata, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Head returns metadata only. Returns NotFoundError when absent.
	Head(ctx context.Context, key string) (Metadata, error)
	// Delete removes an artifact. Returns (false, nil) when not found.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns artifacts whose key has the prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Metadata, error)
	// ShareURL returns a time-limited or public URL for the key.
	// Implementations may return ErrUnsupported.
	ShareURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Driver returns the backend driver identifier.
	Driver() Driver
}

// NotFoundError reports a key with no stored artifact.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("artifact %q not found", e.Key)
}

// AlreadyExistsError reports a create-only Save against an existing key.
type AlreadyExistsError struct {
	Key string
}

func (e AlreadyExistsError) Error() string {
	return fmt.Sprintf("artifact %q already exists", e.Key)
}

// ErrUnsupported is returned when an optional capability is not available.
var ErrUnsupported = errors.New("artifact provider: unsupported operation")

// SanitizeKey normalizes a key and rejects anything that could escape a
// rooted store: empty keys, traversal, absolute paths, backslashes.
func SanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key contains '..'")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key")
	}
	if strings.Contains(key, `\`) {
		return "", fmt.Errorf("invalid key contains backslash")
	}
	clean := path.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key traversal")
	}
	return clean, nil
}

// CloneLabels returns an independent copy of a label map.
func CloneLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
