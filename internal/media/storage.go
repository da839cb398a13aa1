// Package media downloads provider-hosted media into storage and produces
// URLs the provider can fetch for outbound sends.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage is one media backend. Paths are forward-slash relative keys.
type Storage interface {
	// Name is the disk identifier persisted on Media rows.
	Name() string
	// Put stores the object under path.
	Put(ctx context.Context, path string, data []byte, mimeType string) error
	// URL returns a URL the external gateway can fetch the object from:
	// a public path for local disk, a time-limited signed URL for cloud
	// storage.
	URL(ctx context.Context, path string) (string, error)
	// Delete removes the object.
	Delete(ctx context.Context, path string) error
}

// LocalStorage stores media on the local filesystem under a base directory
// served at a public base URL.
type LocalStorage struct {
	baseDir   string
	publicURL string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(baseDir, publicURL string) (*LocalStorage, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("media base directory cannot be empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (s *LocalStorage) Name() string { return "local" }

func (s *LocalStorage) Put(_ context.Context, path string, data []byte, _ string) error {
	full := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create media subdirectory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write media file: %w", err)
	}
	return nil
}

func (s *LocalStorage) URL(_ context.Context, path string) (string, error) {
	if s.publicURL == "" {
		return "", fmt.Errorf("no public URL configured for local media storage")
	}
	return s.publicURL + "/" + path, nil
}

func (s *LocalStorage) Delete(_ context.Context, path string) error {
	full := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete media file: %w", err)
	}
	return nil
}
