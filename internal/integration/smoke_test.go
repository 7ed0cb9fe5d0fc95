// Package integration exercises one full session lifecycle against each
// in-process artifact provider. It intentionally keeps scope tiny so it can
// act as a fast CI health check.
package integration

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"epicore/internal/provider"
	"epicore/internal/session"
	"epicore/pkg/domain"
)

func providerVariants(t *testing.T) []struct {
	name string
	open func(t *testing.T) provider.Provider
} {
	t.Helper()
	return []struct {
		name string
		open func(t *testing.T) provider.Provider
	}{
		{
			name: "memory",
			open: func(_ *testing.T) provider.Provider { return provider.NewMemory() },
		},
		{
			name: "filesystem",
			open: func(t *testing.T) provider.Provider {
				p, err := provider.NewFilesystem(t.TempDir())
				if err != nil {
					t.Fatalf("new filesystem provider: %v", err)
				}
				return p
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) provider.Provider {
				p, err := provider.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
				if err != nil {
					t.Fatalf("open sqlite provider: %v", err)
				}
				return p
			},
		},
		{
			name: "mock-s3",
			open: func(_ *testing.T) provider.Provider { return provider.NewMockS3ForTests() },
		},
	}
}

func smokeSettings() domain.PrerunSettings {
	return domain.PrerunSettings{
		ModelVersion: "2.1",
		Location:     "Boston",
		Aspect:       "hospitalizations",
		Population:   "overall",
		TimeFrame:    "3 months",
		Intensity:    "moderate",
	}
}

func waitForSmoke(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestSessionLifecycleAcrossProviders runs one simulation to completion per
// provider, waits for the write-behind persist, then proves a second service
// sharing the backend adopts the artifact without re-running.
func TestSessionLifecycleAcrossProviders(t *testing.T) {
	for _, pv := range providerVariants(t) {
		t.Run(pv.name, func(t *testing.T) {
			ctx := context.Background()
			backend := pv.open(t)
			settings := smokeSettings()
			payload := []byte(`{"series":[1,2,3]}`)

			metrics := session.NewExpvarMetricsRecorder("")
			var traceBuffer bytes.Buffer
			tracer := session.NewJSONTracer(&traceBuffer)
			svc := session.New(session.DefaultConfig(), []string{"overview"},
				session.WithProvider(backend),
				session.WithMetricsRecorder(metrics),
				session.WithTracer(tracer),
			)
			t.Cleanup(svc.Close)

			run := func(_ context.Context, _ session.RunRequest, report session.ReportFunc) ([]byte, error) {
				report(1, 2, false)
				report(2, 2, true)
				return payload, nil
			}
			id, err := svc.GetOrRun(ctx, "overview", settings, run)
			if err != nil {
				t.Fatalf("get or run: %v", err)
			}
			rec, err := svc.Await(ctx, id)
			if err != nil {
				t.Fatalf("await: %v", err)
			}
			if rec.Status != domain.StatusComplete {
				t.Fatalf("status=%s want %s", rec.Status, domain.StatusComplete)
			}
			if string(rec.Results.Raw) != string(payload) {
				t.Fatalf("raw results=%s", rec.Results.Raw)
			}

			out, err := svc.DisplayOutput(ctx, id, domain.Controls{Summary: domain.SummaryMeanInterval},
				func(_ context.Context, raw []byte, _ domain.Controls) ([]byte, error) {
					return append([]byte("view:"), raw...), nil
				})
			if err != nil {
				t.Fatalf("display output: %v", err)
			}
			if string(out) != "view:"+string(payload) {
				t.Fatalf("display output=%s", out)
			}

			// Persist is write-behind on the worker goroutine.
			key := domain.CacheKey(settings)
			waitForSmoke(t, "artifact persist", func() bool {
				ok, err := backend.Exists(ctx, key)
				return err == nil && ok
			})
			meta, err := backend.Head(ctx, key)
			if err != nil {
				t.Fatalf("head persisted artifact: %v", err)
			}
			if meta.Size != int64(len(payload)) {
				t.Fatalf("persisted size=%d want %d", meta.Size, len(payload))
			}
			if meta.ModelVersion != "2.1" {
				t.Fatalf("persisted model version=%q", meta.ModelVersion)
			}

			// A second service sharing the backend must adopt the artifact
			// instead of re-running the simulation.
			adopter := session.New(session.DefaultConfig(), []string{"overview"},
				session.WithProvider(backend))
			t.Cleanup(adopter.Close)
			adoptedID, err := adopter.GetOrRun(ctx, "overview", settings,
				func(_ context.Context, _ session.RunRequest, _ session.ReportFunc) ([]byte, error) {
					t.Errorf("run must not execute on a provider hit")
					return nil, nil
				})
			if err != nil {
				t.Fatalf("adopting get or run: %v", err)
			}
			adopted, err := adopter.GetRecord(ctx, adoptedID)
			if err != nil {
				t.Fatalf("adopted record: %v", err)
			}
			if adopted.Status != domain.StatusComplete || !adopted.Cache.LoadedFromCache {
				t.Fatalf("adopted record=%+v", adopted.Cache)
			}
			if adopted.Cache.Source != string(backend.Driver()) {
				t.Fatalf("adopted source=%q want %q", adopted.Cache.Source, backend.Driver())
			}
			if string(adopted.Results.Raw) != string(payload) {
				t.Fatalf("adopted results=%s", adopted.Results.Raw)
			}

			snapshot := metrics.Snapshot()
			if len(snapshot.DurationsMS) == 0 {
				t.Fatal("expected metrics durations for operations")
			}
			if snapshot.Results["get_or_run"]["success"] == 0 {
				t.Fatalf("expected get_or_run success metric, got %+v", snapshot.Results)
			}
			if traceBuffer.Len() == 0 {
				t.Fatal("expected trace exporter to emit spans")
			}
			foundSpan := false
			for _, entry := range tracer.Entries() {
				if entry.Operation == "get_or_run" && entry.Status == "success" {
					foundSpan = true
					break
				}
			}
			if !foundSpan {
				t.Fatalf("expected get_or_run trace entry, entries=%+v", tracer.Entries())
			}
		})
	}

	// Guard against environment leakage from future edits; driver selection
	// here is explicit, never ambient.
	if os.Getenv("EPICORE_CACHE_DRIVER") != "" || os.Getenv("EPICORE_CACHE_FS_ROOT") != "" {
		t.Fatal("expected no test-induced env leakage")
	}
}

// TestArtifactRoundTripAcrossDrivers covers the raw provider contract in one
// place: create-only save, lookup, listing, and delete.
func TestArtifactRoundTripAcrossDrivers(t *testing.T) {
	for _, pv := range providerVariants(t) {
		t.Run(pv.name, func(t *testing.T) {
			ctx := context.Background()
			backend := pv.open(t)
			key := "prerun/2.1/0f3a9c12"
			payload := []byte(`{"series":[9]}`)

			meta, err := backend.Save(ctx, key, bytes.NewReader(payload), provider.SaveOptions{
				ContentType:  "application/json",
				ModelVersion: "2.1",
			})
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			if meta.Key != key || meta.Size != int64(len(payload)) {
				t.Fatalf("save metadata=%+v", meta)
			}

			if _, err := backend.Save(ctx, key, bytes.NewReader(payload), provider.SaveOptions{}); err == nil {
				t.Fatal("second save must fail, artifacts are immutable")
			} else {
				var exists provider.AlreadyExistsError
				if !errors.As(err, &exists) {
					t.Fatalf("second save error=%v", err)
				}
			}

			rc, loaded, err := backend.Load(ctx, key)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			got, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				t.Fatalf("read payload: %v", err)
			}
			if string(got) != string(payload) {
				t.Fatalf("payload=%q want %q", got, payload)
			}
			if loaded.ModelVersion != "2.1" {
				t.Fatalf("loaded model version=%q", loaded.ModelVersion)
			}

			listed, err := backend.List(ctx, "prerun/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(listed) != 1 || listed[0].Key != key {
				t.Fatalf("listing=%+v", listed)
			}

			if ok, err := backend.Delete(ctx, key); err != nil || !ok {
				t.Fatalf("delete: ok=%v err=%v", ok, err)
			}
			if ok, err := backend.Delete(ctx, key); err != nil || ok {
				t.Fatalf("repeat delete: ok=%v err=%v", ok, err)
			}
			if present, err := backend.Exists(ctx, key); err != nil || present {
				t.Fatalf("exists after delete: present=%v err=%v", present, err)
			}
		})
	}
}
