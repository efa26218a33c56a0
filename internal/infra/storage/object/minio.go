// Package object implements the upload object store on MinIO-compatible
// storage.
package object

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/app/upload"
)

// Ensure MinioStore implements upload.ObjectStore at compile time.
var _ upload.ObjectStore = (*MinioStore)(nil)

// Config contains connection settings for the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore stores image payloads in a MinIO bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	tracer trace.Tracer
}

// NewMinioStore connects to the object store and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg Config, tracer trace.Tracer) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, tracer: tracer}, nil
}

// Put stores the payload under objectName and returns the storage path.
func (s *MinioStore) Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "object_store.put",
		trace.WithAttributes(
			attribute.String("bucket", s.bucket),
			attribute.String("object_name", objectName),
			attribute.Int64("size_bytes", size),
		))
	defer span.End()

	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("storing object %s: %w", objectName, err)
	}

	return fmt.Sprintf("%s/%s", s.bucket, objectName), nil
}

// Remove deletes a stored object.
func (s *MinioStore) Remove(ctx context.Context, objectName string) error {
	ctx, span := s.tracer.Start(ctx, "object_store.remove",
		trace.WithAttributes(
			attribute.String("bucket", s.bucket),
			attribute.String("object_name", objectName),
		))
	defer span.End()

	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("removing object %s: %w", objectName, err)
	}
	return nil
}

// RemoveByPath deletes a stored object addressed by the storage path Put
// returned, stripping this store's bucket prefix.
func (s *MinioStore) RemoveByPath(ctx context.Context, storagePath string) error {
	objectName := strings.TrimPrefix(storagePath, s.bucket+"/")
	return s.Remove(ctx, objectName)
}
