package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	tmp, err := os.CreateTemp(".", "manifest-*.json")
	if err != nil {
		t.Fatalf("create temp manifest: %v", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		t.Fatalf("write %s: %v", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close %s: %v", tmp.Name(), err)
	}
	t.Cleanup(func() {
		_ = os.Remove(tmp.Name())
	})
	return tmp.Name()
}

const validManifest = `{
  "entries": [
    {"key": "prerun/2.1/0f3a9c12", "url": "https://share.example.org/a1", "size": 2048, "model_version": "2.1"},
    {"key": "custom/2.1/77aa21bc", "url": "https://share.example.org/b2", "size": 1024, "model_version": "2.1", "label": "boston pilot"}
  ]
}`

func TestCLIValidManifest(t *testing.T) {
	path := writeManifest(t, validManifest)
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-manifest", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Manifest validation passed: 2 sharing link(s).") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestCLIViolationsExitOne(t *testing.T) {
	path := writeManifest(t, `{
  "entries": [
    {"key": "prerun/2.1/abc", "url": "http://share.example.org/a1", "size": -5},
    {"key": "prerun//2.1/abc", "url": "https://share.example.org/b2"}
  ]
}`)
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-manifest", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	out := stderr.String()
	for _, want := range []string{
		"must be absolute https",
		"negative size -5",
		"duplicate key",
		"Manifest validation failed: 3 violation(s).",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("stderr missing %q:\n%s", want, out)
		}
	}
}

func TestCLIStrictRequiresModelVersion(t *testing.T) {
	path := writeManifest(t, `{
  "entries": [
    {"key": "prerun/2.1/abc", "url": "https://share.example.org/a1", "size": 10}
  ]
}`)
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-manifest", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0 without -strict, got %d (stderr: %s)", code, stderr.String())
	}
	stderr.Reset()
	if code := cli([]string{"-strict", "-manifest", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 with -strict, got %d", code)
	}
	if !strings.Contains(stderr.String(), "missing model_version") {
		t.Fatalf("stderr missing model_version violation: %s", stderr.String())
	}
}

func TestCLIEmptyManifestFailsValidation(t *testing.T) {
	path := writeManifest(t, `{"entries": []}`)
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-manifest", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "manifest has no entries") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestCLIMissingFileExitsTwo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-manifest", "does-not-exist.json"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "read manifest") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestCLIMalformedManifestExitsTwo(t *testing.T) {
	path := writeManifest(t, "not json at all")
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-manifest", path}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "parse link manifest") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestCLIRequiresManifestPath(t *testing.T) {
	t.Setenv("EPICORE_CACHE_LINK_MANIFEST", "")
	var stdout, stderr bytes.Buffer
	if code := cli(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "EPICORE_CACHE_LINK_MANIFEST required") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestCLIManifestPathFromEnv(t *testing.T) {
	path := writeManifest(t, validManifest)
	t.Setenv("EPICORE_CACHE_LINK_MANIFEST", path)
	var stdout, stderr bytes.Buffer
	if code := cli(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
	}
}

func TestCLIUnknownFlagExitsTwo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-definitely-not-a-flag"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestValidatePathGuards(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"empty", "   "},
		{"absolute", "/etc/manifest.json"},
		{"traversal", "../outside/manifest.json"},
	}
	for _, tc := range cases {
		if _, err := validatePath(tc.path); err == nil {
			t.Fatalf("%s: expected error for %q", tc.name, tc.path)
		}
	}
	clean, err := validatePath("./share/manifest.json")
	if err != nil {
		t.Fatalf("relative path rejected: %v", err)
	}
	if clean != "share/manifest.json" {
		t.Fatalf("unexpected cleaned path: %q", clean)
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	path := writeManifest(t, validManifest)

	origExit := exitFunc
	origArgs := os.Args
	defer func() {
		exitFunc = origExit
		os.Args = origArgs
	}()

	code := -1
	exitFunc = func(c int) { code = c }
	os.Args = []string{"manifest-check", "-manifest", path}
	main()
	if code != 0 {
		t.Fatalf("expected exit 0 through exitFunc, got %d", code)
	}
}
