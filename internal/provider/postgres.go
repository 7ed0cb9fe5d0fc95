package provider

import (
	"context"

	pgstore "epicore/internal/infra/provider/postgres"
)

// OpenPostgres connects the shared archive Provider at dsn. An empty dsn uses
// the driver default.
func OpenPostgres(ctx context.Context, dsn string) (Provider, error) {
	return pgstore.Open(ctx, dsn)
}

// OpenPostgresFromEnv connects using EPICORE_CACHE_POSTGRES_DSN.
func OpenPostgresFromEnv(ctx context.Context) (Provider, error) {
	return pgstore.OpenFromEnv(ctx)
}
