package provider

import (
	memorystore "epicore/internal/infra/provider/memory"
)

// NewMemory returns an in-memory Provider suitable for tests and ephemeral
// sessions.
func NewMemory() Provider { return memorystore.New() }
