package provider

import (
	"context"
	"fmt"
	"os"
)

// Open selects a Provider implementation using environment variables.
//
//	EPICORE_CACHE_DRIVER: fs|memory|s3|link|sqlite|postgres (default fs)
//	EPICORE_CACHE_FS_ROOT: directory root when driver=fs (default ./epicore-cache)
//	(driver specific variables documented in the respective wrapper files)
func Open(ctx context.Context) (Provider, error) {
	driver := os.Getenv("EPICORE_CACHE_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("EPICORE_CACHE_FS_ROOT")
		return NewFilesystem(root)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverLink:
		return OpenLinkFromEnv()
	case DriverSQLite:
		return OpenSQLiteFromEnv()
	case DriverPostgres:
		return OpenPostgresFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown artifact provider driver %s", driver)
	}
}
