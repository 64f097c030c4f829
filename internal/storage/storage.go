package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rpattn/datacheck/internal/config"
)

// ErrNotExist is returned by Get when no artifact is stored at the path.
var ErrNotExist = errors.New("artifact does not exist")

// Storage is the artifact store used for raw uploads, processed copies and
// dataset handles. Implementations may be local disk or object storage.
type Storage interface {
	// Save writes data at path and returns the canonical stored path.
	Save(ctx context.Context, path string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete removes the artifact, reporting whether anything was removed.
	Delete(ctx context.Context, path string) (bool, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// New constructs the configured storage driver.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocal(cfg.Root)
	case "minio":
		return NewMinIO(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// cleanKey normalizes an artifact path into a slash separated relative key
// that cannot escape the storage root.
func cleanKey(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", fmt.Errorf("artifact path is required")
	}
	cleaned := path.Clean("/" + p)
	key := strings.TrimPrefix(cleaned, "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("invalid artifact path %q", p)
	}
	return key, nil
}
