// Package mirror syncs firmware images from the release bucket into the
// local images directory, so a freshly unpacked tool can fetch everything
// its catalog references.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/protectli/flashli/internal/catalog"
	"github.com/protectli/flashli/pkg/log"
	"github.com/protectli/flashli/pkg/options"
)

// Images are a few MiB each; four at a time keeps the sync quick without
// hammering the endpoint.
const maxConcurrentDownloads = 4

type Mirror struct {
	client    *minio.Client
	bucket    string
	imagesDir string
	logger    log.Logger
}

// New creates a mirror backed by an S3-compatible endpoint. Empty access
// keys fall back to anonymous access, which the public release bucket
// permits.
func New(opts *options.S3Options, imagesDir string) (*Mirror, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &Mirror{
		client:    client,
		bucket:    opts.BucketName,
		imagesDir: imagesDir,
		logger:    log.WithName("mirror"),
	}, nil
}

// Sync downloads every catalog-referenced image file that is missing from
// the images directory. Files already present are left untouched.
func (m *Mirror) Sync(ctx context.Context, cat *catalog.Catalog) error {
	if err := os.MkdirAll(m.imagesDir, 0755); err != nil {
		return fmt.Errorf("failed to create images directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)

	for _, file := range cat.ImageFiles() {
		file := file
		g.Go(func() error {
			dst := filepath.Join(m.imagesDir, file)
			if _, err := os.Stat(dst); err == nil {
				m.logger.Debug("Image already present, skipping", "file", file)
				return nil
			}

			m.logger.Info("Downloading image", "bucket", m.bucket, "file", file)
			if err := m.client.FGetObject(ctx, m.bucket, file, dst, minio.GetObjectOptions{}); err != nil {
				return fmt.Errorf("failed to download %s: %w", file, err)
			}
			return nil
		})
	}

	return g.Wait()
}
