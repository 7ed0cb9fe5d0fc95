// Package sqlite implements a single-file artifact Provider backed by
// modernc.org/sqlite. It serves as a local disk cache that survives process
// restarts without requiring a server.
package sqlite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"epicore/internal/provider/core"

	_ "modernc.org/sqlite"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "epicore-cache.db"

const schema = `CREATE TABLE IF NOT EXISTS artifacts (
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	meta TEXT NOT NULL
)`

// Store is a sqlite-backed artifact provider.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the
// artifact schema exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite artifact store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite artifact schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// OpenFromEnv opens the store at EPICORE_CACHE_SQLITE_PATH, falling back to
// DefaultPath.
func OpenFromEnv() (*Store, error) {
	return Open(os.Getenv("EPICORE_CACHE_SQLITE_PATH"))
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Driver returns the provider driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverSQLite }

// Save stores a new artifact row. Existing keys are rejected so cached
// payloads stay immutable.
func (s *Store) Save(ctx context.Context, key string, payload io.Reader, opts core.SaveOptions) (core.Metadata, error) {
	key, err := core.SanitizeKey(key)
	if err != nil {
		return core.Metadata{}, err
	}
	data, err := io.ReadAll(payload)
	if err != nil {
		return core.Metadata{}, fmt.Errorf("read artifact payload: %w", err)
	}
	sum := sha256.Sum256(data)
	now := time.Now().UTC()
	meta := core.Metadata{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		ModelVersion: opts.ModelVersion,
		Source:       string(core.DriverSQLite),
		Labels:       core.CloneLabels(opts.Labels),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return core.Metadata{}, fmt.Errorf("encode artifact metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (key, payload, meta) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, data, string(encoded))
	if err != nil {
		return core.Metadata{}, fmt.Errorf("insert artifact %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Metadata{}, err
	}
	if affected == 0 {
		return core.Metadata{}, core.AlreadyExistsError{Key: key}
	}
	return meta, nil
}

// Load returns the payload and metadata for key.
func (s *Store) Load(ctx context.Context, key string) (io.ReadCloser, core.Metadata, error) {
	var (
		data    []byte
		encoded string
	)
	row := s.db.QueryRowContext(ctx, `SELECT payload, meta FROM artifacts WHERE key = ?`, key)
	if err := row.Scan(&data, &encoded); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.Metadata{}, core.NotFoundError{Key: key}
		}
		return nil, core.Metadata{}, fmt.Errorf("load artifact %s: %w", key, err)
	}
	meta, err := decodeMeta(key, encoded)
	if err != nil {
		return nil, core.Metadata{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

// Exists reports whether an artifact row exists for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE key = ?`, key)
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Head returns metadata without reading the payload column.
func (s *Store) Head(ctx context.Context, key string) (core.Metadata, error) {
	var encoded string
	row := s.db.QueryRowContext(ctx, `SELECT meta FROM artifacts WHERE key = ?`, key)
	if err := row.Scan(&encoded); err != nil {
		if err == sql.ErrNoRows {
			return core.Metadata{}, core.NotFoundError{Key: key}
		}
		return core.Metadata{}, fmt.Errorf("head artifact %s: %w", key, err)
	}
	return decodeMeta(key, encoded)
}

// Delete removes the artifact row, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete artifact %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// List returns metadata for stored artifacts under prefix, ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, meta FROM artifacts`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Metadata
	for rows.Next() {
		var key, encoded string
		if err := rows.Scan(&key, &encoded); err != nil {
			return nil, err
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		meta, err := decodeMeta(key, encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ShareURL is unsupported; the database file is local.
func (s *Store) ShareURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", core.ErrUnsupported
}

func decodeMeta(key, encoded string) (core.Metadata, error) {
	var meta core.Metadata
	if err := json.Unmarshal([]byte(encoded), &meta); err != nil {
		return core.Metadata{}, fmt.Errorf("decode metadata for %s: %w", key, err)
	}
	meta.Key = key
	return meta, nil
}
