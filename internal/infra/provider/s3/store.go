// Package s3 implements an artifact Provider over an S3-compatible bucket
// (AWS S3 or MinIO). Single bucket; keys map to object keys directly.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"epicore/internal/provider/core"
)

const metadataModelVersionKey = "model-version"

// Store implements core.Provider against one bucket.
type Store struct {
	client  *s3.Client
	bucket  string
	presign *s3.PresignClient
}

// Config holds explicit construction parameters. Deployments normally
// configure through the environment instead.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
}

// Environment variables:
//   EPICORE_CACHE_DRIVER=s3
//   EPICORE_CACHE_S3_BUCKET=<bucket> (required)
//   EPICORE_CACHE_S3_REGION=<region> (default us-east-1)
//   EPICORE_CACHE_S3_ENDPOINT=<url> (optional, for MinIO)
//   EPICORE_CACHE_S3_PATH_STYLE=true|false (default false)
//   EPICORE_CACHE_S3_ACCESS_KEY_ID / _SECRET_ACCESS_KEY / _SESSION_TOKEN (optional)

// New creates an S3 provider from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, presign: s3.NewPresignClient(client)}, nil
}

// OpenFromEnv constructs an S3 provider from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("EPICORE_CACHE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EPICORE_CACHE_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:          bucket,
		Region:          os.Getenv("EPICORE_CACHE_S3_REGION"),
		Endpoint:        os.Getenv("EPICORE_CACHE_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("EPICORE_CACHE_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("EPICORE_CACHE_S3_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("EPICORE_CACHE_S3_SESSION_TOKEN"),
		PathStyle:       strings.EqualFold(os.Getenv("EPICORE_CACHE_S3_PATH_STYLE"), "true"),
	}
	return New(ctx, cfg)
}

// Driver returns the provider driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

// Save uploads a new object. Create-only is emulated with a HeadObject
// precheck, as S3 has no native create-if-absent for plain puts.
func (s *Store) Save(ctx context.Context, key string, payload io.Reader, opts core.SaveOptions) (core.Metadata, error) {
	clean, err := core.SanitizeKey(key)
	if err != nil {
		return core.Metadata{}, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &clean})
	if err == nil {
		return core.Metadata{}, core.AlreadyExistsError{Key: clean}
	}
	if !isNotFound(err) {
		return core.Metadata{}, err
	}

	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &clean, Body: payload}
	if opts.ContentType != "" {
		input.ContentType = &opts.ContentType
	}
	md := core.CloneLabels(opts.Labels)
	if opts.ModelVersion != "" {
		if md == nil {
			md = make(map[string]string, 1)
		}
		md[metadataModelVersionKey] = opts.ModelVersion
	}
	if len(md) > 0 {
		input.Metadata = md
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return core.Metadata{}, err
	}
	return s.Head(ctx, clean)
}

// Load fetches the object body and metadata.
func (s *Store) Load(ctx context.Context, key string) (io.ReadCloser, core.Metadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return nil, core.Metadata{}, core.NotFoundError{Key: key}
	}
	if err != nil {
		return nil, core.Metadata{}, err
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, s.metadataFor(key, size, out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

// Exists reports whether the object is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Head returns object metadata only.
func (s *Store) Head(ctx context.Context, key string) (core.Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return core.Metadata{}, core.NotFoundError{Key: key}
	}
	if err != nil {
		return core.Metadata{}, err
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return s.metadataFor(key, size, out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

// Delete removes the object. S3 deletes are idempotent, so a missing key is
// reported as not having existed only when a precheck says so.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return false, err
	}
	return true, nil
}

// List pages through the bucket collecting keys under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Metadata, error) {
	var out []core.Metadata
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			out = append(out, core.Metadata{
				Key:       aws.ToString(obj.Key),
				Size:      size,
				Source:    string(core.DriverS3),
				CreatedAt: aws.ToTime(obj.LastModified),
				UpdatedAt: aws.ToTime(obj.LastModified),
			})
		}
		if page.IsTruncated != nil && *page.IsTruncated && page.NextContinuationToken != nil {
			token = page.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ShareURL presigns a GET for the key.
func (s *Store) ShareURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	out, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key},
		func(po *s3.PresignOptions) { po.Expires = ttl })
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func (s *Store) metadataFor(key string, size int64, contentType, etag *string, md map[string]string, lastModified *time.Time) core.Metadata {
	meta := core.Metadata{
		Key:    key,
		Size:   size,
		Source: string(core.DriverS3),
	}
	if contentType != nil {
		meta.ContentType = *contentType
	}
	if etag != nil {
		meta.ETag = strings.Trim(*etag, "\"")
	}
	if lastModified != nil {
		meta.CreatedAt = *lastModified
		meta.UpdatedAt = *lastModified
	} else {
		now := time.Now().UTC()
		meta.CreatedAt = now
		meta.UpdatedAt = now
	}
	if len(md) > 0 {
		labels := make(map[string]string, len(md))
		for k, v := range md {
			if strings.EqualFold(k, metadataModelVersionKey) {
				meta.ModelVersion = v
				continue
			}
			labels[k] = v
		}
		if len(labels) > 0 {
			meta.Labels = labels
		}
	}
	return meta
}

// isNotFound classifies SDK errors covering both typed modeled errors and
// plain 404 responses from HeadObject, which carry no error body.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
