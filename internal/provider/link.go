package provider

import (
	"net/http"

	linkstore "epicore/internal/infra/provider/link"
)

// LinkManifest re-exports the sharing-link manifest type.
type LinkManifest = linkstore.Manifest

// LinkEntry re-exports a single sharing-link manifest entry.
type LinkEntry = linkstore.Entry

// ParseLinkManifest decodes a sharing-link manifest document.
func ParseLinkManifest(data []byte) (LinkManifest, error) {
	return linkstore.ParseManifest(data)
}

// NewLink builds a read-only Provider from a parsed sharing-link manifest.
// A nil client uses http.DefaultClient.
func NewLink(manifest LinkManifest, client *http.Client) (Provider, error) {
	return linkstore.New(manifest, client)
}

// OpenLinkFromEnv builds the link Provider from the manifest file named by
// EPICORE_CACHE_LINK_MANIFEST.
func OpenLinkFromEnv() (Provider, error) {
	return linkstore.OpenFromEnv()
}
