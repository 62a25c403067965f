//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

// GCSConfig configures a GCSArchiver in builds without the "gcp" tag,
// where it is unavailable.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchiver is unavailable without the "gcp" build tag.
func NewGCSArchiver(ctx context.Context, cfg GCSConfig) (Archiver, error) {
	return nil, fmt.Errorf("archive: GCS support requires building with -tags gcp")
}
