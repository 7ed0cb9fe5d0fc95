package provider

import (
	"context"

	infraS3 "epicore/internal/infra/provider/s3"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed Provider from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Provider, error) {
	return infraS3.New(ctx, cfg)
}

// OpenS3FromEnv constructs an S3 Provider using environment variables
// (documented in the s3 driver package).
func OpenS3FromEnv(ctx context.Context) (Provider, error) {
	return infraS3.OpenFromEnv(ctx)
}

// NewMockS3ForTests exposes the lightweight in-memory mock for cross-package
// tests.
func NewMockS3ForTests() Provider { return infraS3.NewMockForTests() }
