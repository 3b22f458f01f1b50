package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DiskStorage keeps objects as files in a local directory and serves them
// under UploadsPrefix.
type DiskStorage struct {
	dir     string
	baseURL string
}

// NewDiskStorage creates dir if needed. baseURL may be empty, in which case
// URL returns a path relative to the server root.
func NewDiskStorage(dir, baseURL string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	slog.Info("initializing disk storage", "dir", dir)
	return &DiskStorage{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *DiskStorage) Save(_ context.Context, key string, r io.Reader, _ string) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	// write to a temp file first so readers never see a partial object
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}

func (s *DiskStorage) Delete(_ context.Context, key string) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return nil
}

func (s *DiskStorage) URL(key string) string {
	return s.baseURL + UploadsPrefix + url.PathEscape(key)
}

// Handler serves stored objects. Mount it under UploadsPrefix.
func (s *DiskStorage) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.StripPrefix(UploadsPrefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no directory listings, no temp files
		if !ValidKey(r.URL.Path) || strings.HasPrefix(r.URL.Path, ".") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	}))
}
