// Package storage defines the blob-store interface used to archive final
// run reports.
package storage

import (
	"context"
	"io"
)

// BlobStore persists one named artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NoOpStore discards artifacts.
type NoOpStore struct{}

// PutObject does nothing and returns an empty URI.
func (NoOpStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", nil
}
