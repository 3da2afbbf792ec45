package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_SaveVideo(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	data := []byte("fake mp4 bytes")
	path, err := store.SaveVideo(context.Background(), "job-1.mp4", bytes.NewReader(data))
	require.NoError(t, err)

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, saved)
	assert.Equal(t, "job-1.mp4", filepath.Base(path))
}

func TestLocalStorage_SaveVideoStripsPath(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	require.NoError(t, err)

	// Path components in the name must not escape the artifact dir.
	path, err := store.SaveVideo(context.Background(), "../escape.mp4", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.mp4"), path)
}

func TestLocalStorage_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "videos")
	_, err := NewLocalStorage(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalStorage_PublishNotConfigured(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.PublishVideo(context.Background(), "key", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrS3NotConfigured)
}

func TestLocalStorage_SaveVideoCancelled(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.SaveVideo(ctx, "x.mp4", bytes.NewReader(nil))
	assert.ErrorIs(t, err, context.Canceled)
}
