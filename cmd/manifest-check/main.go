// Command manifest-check validates a sharing-link manifest before it is
// published for the link cache provider.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"epicore/internal/provider"
)

var exitFunc = os.Exit

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

// cli validates the manifest named by -manifest (or the provider's
// EPICORE_CACHE_LINK_MANIFEST variable). Exit codes: 0 when the manifest is
// valid, 1 when it carries violations, 2 on usage or read errors.
func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("manifest-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var manifestPath string
	var strict bool
	fs.StringVar(&manifestPath, "manifest", "", "path to sharing-link manifest (defaults to $EPICORE_CACHE_LINK_MANIFEST)")
	fs.BoolVar(&strict, "strict", false, "require model_version on every entry")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if manifestPath == "" {
		manifestPath = os.Getenv("EPICORE_CACHE_LINK_MANIFEST")
	}
	if manifestPath == "" {
		if _, err := fmt.Fprintln(stderr, "manifest-check: -manifest or EPICORE_CACHE_LINK_MANIFEST required"); err != nil {
			return 2
		}
		return 2
	}

	manifest, err := loadManifest(manifestPath)
	if err != nil {
		if _, writeErr := fmt.Fprintf(stderr, "manifest-check: %v\n", err); writeErr != nil {
			return 2
		}
		return 2
	}

	if violations := collectViolations(manifest, strict); len(violations) > 0 {
		for _, v := range violations {
			if _, err := fmt.Fprintf(stderr, "manifest-check: %s\n", v); err != nil {
				return 1
			}
		}
		if _, err := fmt.Fprintf(stderr, "Manifest validation failed: %d violation(s).\n", len(violations)); err != nil {
			return 1
		}
		return 1
	}

	if _, err := fmt.Fprintf(stdout, "Manifest validation passed: %d sharing link(s).\n", len(manifest.Entries)); err != nil {
		return 1
	}
	return 0
}

// validatePath ensures the manifest path stays within the working tree and is
// not an absolute or path-traversing reference. This mitigates G304 concerns
// around variable-based file inclusion.
func validatePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute paths not allowed: %s", p)
	}
	clean := filepath.Clean(p)
	if strings.Contains(clean, "..") { // prevents traversal outside working dir
		return "", fmt.Errorf("path traversal not allowed: %s", p)
	}
	return clean, nil
}

func loadManifest(path string) (provider.LinkManifest, error) {
	safePath, err := validatePath(path)
	if err != nil {
		return provider.LinkManifest{}, err
	}
	data, err := os.ReadFile(safePath) // #nosec G304: path validated by validatePath
	if err != nil {
		return provider.LinkManifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return provider.ParseLinkManifest(data)
}

// collectViolations runs the provider's manifest validation and adds the
// command's own emptiness check. A manifest with no entries ships nothing and
// almost always means the generation step failed.
func collectViolations(manifest provider.LinkManifest, strict bool) []string {
	if len(manifest.Entries) == 0 {
		return []string{"manifest has no entries"}
	}
	return manifest.Validate(strict)
}
