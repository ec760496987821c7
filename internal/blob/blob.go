// Package blob stores document attachments and issues time-limited download links.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Levelup666/AuditWiz/internal/config"
)

var (
	// ErrNotFound is returned by Open for an unknown key.
	ErrNotFound = errors.New("blob not found")
	// ErrExists is returned by Put when the key is already taken. Blobs are never overwritten.
	ErrExists = errors.New("blob already exists")
	// ErrInvalidKey rejects absolute keys and keys that escape the store root.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store is the attachment store collaborator.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFileStore(cfg.Root, cfg.BaseURL, []byte(cfg.SigningSecret))
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// CleanKey normalizes a slash-separated key and rejects traversal.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Clean(key), nil
}
