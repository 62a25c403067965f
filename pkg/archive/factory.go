package archive

import (
	"context"
	"fmt"
	"os"
)

// StorageType selects an Archiver backend.
type StorageType string

const (
	StorageLocal StorageType = "local"
	StorageS3    StorageType = "s3"
	StorageGCS   StorageType = "gcs"
)

// NewFromEnv builds an Archiver from environment variables:
//
//   - ARCHIVE_STORAGE_TYPE: "local" (default), "s3", or "gcs"
//   - ARCHIVE_DIR: local archive root (default "data/archive")
//   - ARCHIVE_S3_BUCKET / ARCHIVE_S3_REGION / ARCHIVE_S3_ENDPOINT / ARCHIVE_S3_PREFIX
//   - ARCHIVE_GCS_BUCKET / ARCHIVE_GCS_PREFIX
func NewFromEnv(ctx context.Context) (Archiver, error) {
	storeType := StorageType(os.Getenv("ARCHIVE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StorageLocal
	}

	switch storeType {
	case StorageLocal:
		dir := os.Getenv("ARCHIVE_DIR")
		if dir == "" {
			dir = "data/archive"
		}
		return NewLocalArchiver(dir)

	case StorageS3:
		bucket := os.Getenv("ARCHIVE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("archive: ARCHIVE_S3_BUCKET is required for s3 storage")
		}
		region := os.Getenv("ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Archiver(ctx, S3Config{
			Bucket: bucket, Region: region,
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"), Prefix: os.Getenv("ARCHIVE_S3_PREFIX"),
		})

	case StorageGCS:
		bucket := os.Getenv("ARCHIVE_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("archive: ARCHIVE_GCS_BUCKET is required for gcs storage")
		}
		return NewGCSArchiver(ctx, GCSConfig{Bucket: bucket, Prefix: os.Getenv("ARCHIVE_GCS_PREFIX")})

	default:
		return nil, fmt.Errorf("archive: unsupported storage type: %s", storeType)
	}
}
