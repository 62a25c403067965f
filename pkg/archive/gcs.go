//go:build gcp

package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
)

// GCSArchiver uploads a trace directory as a single tar.gz object to a
// Google Cloud Storage bucket. Built only with the "gcp" build tag, the
// way the teacher keeps the Cloud SDK import out of default builds.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSArchiver.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchiver builds a GCSArchiver using application default credentials.
func NewGCSArchiver(ctx context.Context, cfg GCSConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: new gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive tars traceDir in memory and uploads it to the configured bucket.
func (a *GCSArchiver) Archive(ctx context.Context, traceID string, traceDir string) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(traceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(traceDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{Name: rel, Mode: 0o644, Size: info.Size()}); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("archive: walk trace dir: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	w := a.client.Bucket(a.bucket).Object(a.prefix + traceID + ".tar.gz").NewWriter(ctx)
	w.ContentType = "application/gzip"
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Close()
		return fmt.Errorf("archive: gcs write: %w", err)
	}
	return w.Close()
}
