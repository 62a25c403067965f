// Package archive ships a sealed trace's evidence directory to
// long-term storage: local disk by default, or S3/GCS when configured.
// Nothing else in the kernel calls an Archiver; sealing and Replay do
// not archive on their own. Archiving is best-effort and
// additive — a trace remains fully readable from its original
// directory even if archiving fails or is never configured.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Archiver ships one trace directory's contents to durable storage,
// keyed by traceID.
type Archiver interface {
	Archive(ctx context.Context, traceID string, traceDir string) error
}

// LocalArchiver copies a trace directory into a flat tar.gz under a
// separate archive root, the default backend requiring no credentials.
type LocalArchiver struct {
	RootDir string
}

// NewLocalArchiver builds a LocalArchiver rooted at rootDir.
func NewLocalArchiver(rootDir string) (*LocalArchiver, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir archive root: %w", err)
	}
	return &LocalArchiver{RootDir: rootDir}, nil
}

// Archive tars and gzips traceDir into RootDir/<traceID>.tar.gz.
func (a *LocalArchiver) Archive(ctx context.Context, traceID string, traceDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := os.Create(filepath.Join(a.RootDir, traceID+".tar.gz"))
	if err != nil {
		return fmt.Errorf("archive: create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
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
	return gz.Close()
}
