// Package provider re-exports the artifact provider abstractions for stable
// internal imports and owns driver selection. Only this package imports the
// concrete driver implementations.
package provider

import (
	"epicore/internal/provider/core"
)

type (
	// Driver identifies an artifact provider backend.
	Driver = core.Driver
	// SaveOptions configures an artifact write.
	SaveOptions = core.SaveOptions
	// Metadata describes a stored artifact.
	Metadata = core.Metadata
	// Provider is the interface for artifact store backends.
	Provider = core.Provider
	// NotFoundError reports a key with no stored artifact.
	NotFoundError = core.NotFoundError
	// AlreadyExistsError reports a create-only save against an existing key.
	AlreadyExistsError = core.AlreadyExistsError
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverLink is the read-only sharing-link driver.
	DriverLink = core.DriverLink
	// DriverSQLite is the single-file local cache driver.
	DriverSQLite = core.DriverSQLite
	// DriverPostgres is the shared archive driver.
	DriverPostgres = core.DriverPostgres
)

// ErrUnsupported indicates an operation isn't supported by a driver.
var ErrUnsupported = core.ErrUnsupported

// SanitizeKey normalizes an artifact key, rejecting traversal and absolute
// paths.
func SanitizeKey(key string) (string, error) { return core.SanitizeKey(key) }
