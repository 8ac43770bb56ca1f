package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/storage"
)

// LocalStorage keeps objects as files below a root directory.
type LocalStorage struct {
	root   string
	logger logger.Logger
}

func NewLocalStorage(root string, log logger.Logger) (*LocalStorage, error) {
	if root == "" {
		return nil, errors.New("local storage root must be set")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStorage{root: root, logger: log}, nil
}

// path resolves key below root and rejects keys that escape it.
func (l *LocalStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalStorage) Store(ctx context.Context, reader io.Reader, key string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to store file: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		l.logger.Error("Failed to store file locally", logger.String("key", key), logger.Error(err))
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	return key, nil
}

func (l *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.Error("Failed to delete file", logger.String("key", key), logger.Error(err))
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (l *LocalStorage) CleanupBefore(ctx context.Context, threshold time.Time) error {
	return filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(threshold) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			l.logger.Error("Failed to delete expired object", logger.String("path", p), logger.Error(err))
			return nil
		}
		l.logger.Info("Deleted expired object",
			logger.String("path", p),
			logger.Time("lastModified", info.ModTime()))
		return nil
	})
}
