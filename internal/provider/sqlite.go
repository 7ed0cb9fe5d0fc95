package provider

import (
	sqlitestore "epicore/internal/infra/provider/sqlite"
)

// OpenSQLite opens (creating if needed) the single-file cache at path. An
// empty path uses the driver default.
func OpenSQLite(path string) (Provider, error) { return sqlitestore.Open(path) }

// OpenSQLiteFromEnv opens the cache at EPICORE_CACHE_SQLITE_PATH.
func OpenSQLiteFromEnv() (Provider, error) { return sqlitestore.OpenFromEnv() }
