// Package storage provides the report artifact store. Downloaded similarity
// reports are written through this interface and streamed back to users from
// it, so deployments can keep artifacts on local disk or in any S3-compatible
// bucket.
package storage

import (
	"context"
	"io"
	"strings"
)

// ObjectStorage defines the interface for report artifact operations
type ObjectStorage interface {
	// Upload stores an artifact under the given key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download retrieves an artifact by key
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an artifact
	GetURL(key string) string

	// Delete removes an artifact
	Delete(ctx context.Context, key string) error

	// Exists checks if an artifact exists
	Exists(ctx context.Context, key string) (bool, error)
}

// Config holds configuration for the artifact store.
type Config struct {
	Type      StorageType
	Dir       string // local backend root
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	PublicURL string
}

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - cfg: storage configuration; Type selects the backend.
// Returns:
//   - ObjectStorage: initialized storage implementation.
//   - error: non-nil if the backend cannot be created.
func NewStorage(cfg *Config) (ObjectStorage, error) {
	if cfg.Type == "" {
		cfg.Type = detectStorageType(cfg)
	}

	if cfg.Type == StorageTypeLocal {
		return NewLocalStorage(cfg.Dir)
	}
	return NewS3Storage(cfg)
}

// detectStorageType picks a backend when none is configured
func detectStorageType(cfg *Config) StorageType {
	if cfg.Endpoint == "" {
		return StorageTypeLocal
	}

	endpoint := strings.ToLower(cfg.Endpoint)
	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
