// Package storage persists and publishes generated video artifacts.
// It defines the Storage port with a local-disk implementation and an S3
// implementation for delivering results by URL instead of inline base64.
package storage

import (
	"context"
	"io"
)

// Storage handles finished MP4 artifacts.
type Storage interface {
	// SaveVideo writes the video to the local artifact directory and
	// returns the file path.
	SaveVideo(ctx context.Context, name string, data io.Reader) (path string, err error)

	// PublishVideo uploads the video for external access and returns its
	// public URL. Returns ErrS3NotConfigured when no object store is set up.
	PublishVideo(ctx context.Context, key string, data io.Reader) (url string, err error)
}
