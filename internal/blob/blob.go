package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/loqalabs/lectern/internal/config"
)

// ErrNotExist is returned when an object is missing from the store.
var ErrNotExist = errors.New("blob does not exist")

// Store publishes audio objects and resolves them by public URL or storage key.
type Store interface {
	// Put writes data at folder/filename and returns its public URL.
	Put(ctx context.Context, data []byte, filename, folder, contentType string) (string, error)
	Open(ctx context.Context, urlOrKey string) (io.ReadCloser, error)
	Delete(ctx context.Context, urlOrKey string) error
	// Key maps a public URL or key onto the storage key.
	Key(urlOrKey string) string
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Local.Root, cfg.Local.PublicURL, logger)
	case "s3":
		return NewS3Store(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ObjectKey joins folder and filename into a clean relative key that cannot
// climb above the store root.
func ObjectKey(folder, filename string) (string, error) {
	key := cleanKey(path.Join(folder, filename))
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	return key, nil
}

// keyFromURL strips publicURL (or any scheme and host) from urlOrKey.
func keyFromURL(urlOrKey, publicURL string) string {
	base := strings.TrimRight(publicURL, "/")
	if base != "" && strings.HasPrefix(urlOrKey, base+"/") {
		return cleanKey(strings.TrimPrefix(urlOrKey, base+"/"))
	}
	u, err := url.Parse(urlOrKey)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cleanKey(urlOrKey)
	}
	p := u.Path
	if bu, err := url.Parse(base); err == nil && bu.Path != "" && strings.HasPrefix(p, bu.Path+"/") {
		p = strings.TrimPrefix(p, bu.Path)
	}
	return cleanKey(p)
}

func cleanKey(key string) string {
	return strings.TrimLeft(path.Clean("/"+key), "/")
}
