package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

// Backend names accepted by storage.type.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
	TypeMinio = "minio"
	TypeGCS   = "gcs"
)

// ErrNotFound is returned by Get for keys that hold no object.
var ErrNotFound = errors.New("object not found")

// Storage keeps uploaded sources and exported results.
type Storage interface {
	// Store writes reader under key and returns the key it was stored at.
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get opens the object at key. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// CleanupBefore removes objects last modified before threshold.
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// SourceKey is where the uploaded PDF of a document lives.
func SourceKey(documentID string) string {
	return path.Join("sources", documentID+".pdf")
}

// ResultKey is where the exported problem set of a job lives.
func ResultKey(jobID string) string {
	return path.Join("results", jobID+".json")
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
