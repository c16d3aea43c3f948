package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps objects under a directory served at publicURL.
type LocalStore struct {
	root      string
	publicURL string
	logger    *slog.Logger
}

func NewLocalStore(root, publicURL string, logger *slog.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.With(slog.String("component", "blob-local")),
	}, nil
}

// Root is the directory objects are written under.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) Put(ctx context.Context, data []byte, filename, folder, contentType string) (string, error) {
	key, err := ObjectKey(folder, filename)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close object %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish object %s: %w", key, err)
	}
	s.logger.Debug("object stored", slog.String("key", key), slog.Int("bytes", len(data)))
	return s.URL(key), nil
}

// URL returns the public URL of key.
func (s *LocalStore) URL(key string) string {
	if s.publicURL == "" {
		return key
	}
	return s.publicURL + "/" + key
}

func (s *LocalStore) Open(ctx context.Context, urlOrKey string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(s.Key(urlOrKey)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, urlOrKey)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, urlOrKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(s.Key(urlOrKey)))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotExist, urlOrKey)
	}
	return err
}

func (s *LocalStore) Key(urlOrKey string) string {
	return keyFromURL(urlOrKey, s.publicURL)
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
