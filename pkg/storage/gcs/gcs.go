package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	cfg "github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/storage"
)

// GCSStorage keeps objects in a Cloud Storage bucket under an optional prefix.
type GCSStorage struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
	logger logger.Logger
}

func NewGCSStorage(ctx context.Context, c cfg.GCSConfig, log logger.Logger) (*GCSStorage, error) {
	if c.Bucket == "" {
		return nil, errors.New("storage.gcs.bucket must be set")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStorage{
		client: client,
		bucket: client.Bucket(c.Bucket),
		prefix: strings.Trim(c.Prefix, "/"),
		logger: log,
	}, nil
}

func (g *GCSStorage) name(key string) string {
	if g.prefix == "" {
		return key
	}
	return path.Join(g.prefix, key)
}

// Store writes source PDFs once; they are keyed by content so an existing
// object is already correct. Results are overwritten.
func (g *GCSStorage) Store(ctx context.Context, reader io.Reader, key string) (string, error) {
	obj := g.bucket.Object(g.name(key))
	if strings.HasPrefix(key, "sources/") {
		obj = obj.If(gcs.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)

	if _, err := io.Copy(w, reader); err != nil {
		_ = w.Close()
		g.logger.Error("Failed to copy content to GCS object", logger.String("key", key), logger.Error(err))
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			g.logger.Debug("Object already exists", logger.String("key", key))
			return key, nil
		}
		return "", fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return key, nil
}

func (g *GCSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(g.name(key)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return r, nil
}

func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(g.name(key)).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		g.logger.Error("Failed to delete GCS object", logger.String("key", key), logger.Error(err))
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (g *GCSStorage) CleanupBefore(ctx context.Context, threshold time.Time) error {
	q := &gcs.Query{}
	if g.prefix != "" {
		q.Prefix = g.prefix + "/"
	}
	it := g.bucket.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		if !attrs.Updated.Before(threshold) {
			continue
		}
		if err := g.bucket.Object(attrs.Name).Delete(ctx); err != nil {
			g.logger.Error("Failed to delete expired object", logger.String("name", attrs.Name), logger.Error(err))
			continue
		}
		g.logger.Info("Deleted expired object",
			logger.String("name", attrs.Name),
			logger.Time("lastModified", attrs.Updated))
	}
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}
