package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"epicore/internal/provider/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_SaveLoadHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	meta, err := store.Save(ctx, "sims/outbreak.json", bytes.NewReader([]byte("hello")), core.SaveOptions{ContentType: "application/json", ModelVersion: "3.1", Labels: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if meta.Key != "sims/outbreak.json" || meta.Size != 5 || meta.Source != "fs" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	h, err := store.Head(ctx, "sims/outbreak.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if h.ModelVersion != "3.1" || h.ETag != meta.ETag {
		t.Fatalf("head mismatch %+v", h)
	}
	rc, loaded, err := store.Load(ctx, "sims/outbreak.json")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || loaded.ETag != meta.ETag {
		t.Fatalf("unexpected load result")
	}
	if ok, err := store.Exists(ctx, "sims/outbreak.json"); err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	list, err := store.List(ctx, "sims/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "sims/outbreak.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	url, err := store.ShareURL(ctx, "sims/outbreak.json", 0)
	if err != nil || url == "" {
		t.Fatalf("share url: %v %s", err, url)
	}
	ok, err := store.Delete(ctx, "sims/outbreak.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "sims/outbreak.json")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
}

func TestStore_SaveDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Save(ctx, "dup.json", bytes.NewReader([]byte("one")), core.SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err := store.Save(ctx, "dup.json", bytes.NewReader([]byte("two")), core.SaveOptions{})
	var exists core.AlreadyExistsError
	if !errors.As(err, &exists) || exists.Key != "dup.json" {
		t.Fatalf("expected AlreadyExistsError, got %v", err)
	}
	rc, _, err := store.Load(ctx, "dup.json")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "one" {
		t.Fatalf("payload overwritten: %q", b)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTempStore(t)
	_, _, err := store.Load(context.Background(), "absent.json")
	var notFound core.NotFoundError
	if !errors.As(err, &notFound) || notFound.Key != "absent.json" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := store.Head(context.Background(), "absent.json"); !errors.As(err, &notFound) {
		t.Fatalf("expected head NotFoundError, got %v", err)
	}
}

func TestStore_PathTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Save(ctx, "../escape.json", bytes.NewReader([]byte("x")), core.SaveOptions{}); err == nil {
		t.Fatalf("expected traversal error")
	}
	if _, err := store.Save(ctx, "/abs.json", bytes.NewReader([]byte("x")), core.SaveOptions{}); err == nil {
		t.Fatalf("expected absolute error")
	}
}

func TestStore_MetadataSidecar(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Save(ctx, "meta/run.bin", bytes.NewReader([]byte("abc")), core.SaveOptions{ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	dataPath, metaPath, _ := store.pathFor("meta/run.bin")
	if _, err := os.Stat(dataPath); err != nil {
		t.Fatalf("expected data path: %v", err)
	}
	b, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if !bytes.Contains(b, []byte("application/octet-stream")) {
		t.Fatalf("meta missing content type")
	}
	if filepath.Ext(metaPath) != ".meta" {
		t.Fatalf("meta path extension mismatch")
	}
}

type errorReader struct{}

func (errorReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

func TestStore_SaveReaderError(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Save(context.Background(), "bad.bin", errorReader{}, core.SaveOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	if ok, _ := store.Exists(context.Background(), "bad.bin"); ok {
		t.Fatalf("partial write left behind")
	}
}

func TestStore_ListOrderAndPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for i := 2; i >= 0; i-- {
		k := "runs/r" + strconv.Itoa(i) + ".json"
		if _, err := store.Save(ctx, k, bytes.NewReader([]byte("data")), core.SaveOptions{}); err != nil {
			t.Fatalf("save %s: %v", k, err)
		}
	}
	if _, err := store.Save(ctx, "other/x.json", bytes.NewReader([]byte("data")), core.SaveOptions{}); err != nil {
		t.Fatalf("save other: %v", err)
	}
	list, err := store.List(ctx, "runs/")
	if err != nil || len(list) != 3 {
		t.Fatalf("list: %v len=%d", err, len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Key > list[i].Key {
			t.Fatalf("expected sorted order: %+v", list)
		}
	}
}

func TestStore_ListCorruptMeta(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	data := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(data, []byte("data"), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if err := os.WriteFile(data+".meta", []byte("{"), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if _, err := store.List(context.Background(), ""); err == nil {
		t.Fatalf("expected list error on corrupt meta")
	}
}

func TestStore_LocalURLStable(t *testing.T) {
	store := &Store{root: t.TempDir()}
	if url := store.localURL("path/to.obj"); url != "http://local.artifacts/path/to.obj" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestNewRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "afile")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := New(filePath); err == nil {
		t.Fatalf("expected error when root is file")
	}
}

func TestStore_TimestampsUTC(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	meta, err := store.Save(ctx, "time/test", bytes.NewReader([]byte("abc")), core.SaveOptions{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !meta.CreatedAt.Equal(meta.CreatedAt.UTC()) {
		t.Fatalf("expected UTC timestamp")
	}
	if !meta.UpdatedAt.Equal(meta.CreatedAt) {
		t.Fatalf("expected matching created/updated on first save")
	}
}
