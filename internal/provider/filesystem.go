package provider

import (
	fsstore "epicore/internal/infra/provider/fs"
)

// NewFilesystem returns a filesystem-backed Provider rooted at root, creating
// the directory if needed. An empty root uses ./epicore-cache.
func NewFilesystem(root string) (Provider, error) { return fsstore.New(root) }
