package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrS3NotConfigured is returned when publication is attempted without an
// object store configured.
var ErrS3NotConfigured = errors.New("S3 storage is not configured")

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements the Storage interface using local disk.
// Publication is not supported unless wrapped by S3Storage.
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a LocalStorage rooted at outputDir, creating the
// directory if needed. An empty outputDir falls back under os.TempDir().
func NewLocalStorage(outputDir string) (*LocalStorage, error) {
	if outputDir == "" {
		outputDir = filepath.Join(os.TempDir(), "wan-videos")
	}

	if err := os.MkdirAll(outputDir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &LocalStorage{outputDir: outputDir}, nil
}

// OutputDir returns the artifact directory path.
func (s *LocalStorage) OutputDir() string {
	return s.outputDir
}

// SaveVideo writes the video under the artifact directory and returns its path.
func (s *LocalStorage) SaveVideo(ctx context.Context, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path := filepath.Join(s.outputDir, filepath.Base(name))
	f, err := os.Create(path) // #nosec G304 - path is rooted in the configured artifact dir
	if err != nil {
		return "", fmt.Errorf("create video file: %w", err)
	}

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write video file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close video file: %w", err)
	}

	return path, nil
}

// PublishVideo is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) PublishVideo(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}
