package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/storage"
)

func newStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)
	return s
}

func TestStoreAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)

	key, err := s.Store(ctx, strings.NewReader("%PDF-1.7"), storage.SourceKey("doc1"))
	require.NoError(t, err)
	assert.Equal(t, "sources/doc1.pdf", key)

	data, err := storage.ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))

	_, err = s.Store(ctx, strings.NewReader("v2"), key)
	require.NoError(t, err)
	data, err = storage.ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestGetMissing(t *testing.T) {
	s := newStorage(t)
	_, err := s.Get(context.Background(), storage.ResultKey("nope"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	_, err := s.Store(ctx, strings.NewReader("x"), "results/a.json")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "results/a.json"))
	require.NoError(t, s.Delete(ctx, "results/a.json"))
	_, err = s.Get(ctx, "results/a.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRejectsEscapingKeys(t *testing.T) {
	s := newStorage(t)
	for _, key := range []string{"../x", "/etc/passwd", "a/../../b", ""} {
		_, err := s.Store(context.Background(), strings.NewReader("x"), key)
		assert.Error(t, err, key)
	}
}

func TestCleanupBefore(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	_, err := s.Store(ctx, strings.NewReader("old"), "results/old.json")
	require.NoError(t, err)
	_, err = s.Store(ctx, strings.NewReader("new"), "results/new.json")
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.root, "results", "old.json"), past, past))

	require.NoError(t, s.CleanupBefore(ctx, time.Now().Add(-24*time.Hour)))

	_, err = s.Get(ctx, "results/old.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, "results/new.json")
	assert.NoError(t, err)
}
