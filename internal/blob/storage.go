// Package blob stores uploaded images.
package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// Storage defines the interface for image storage operations.
type Storage interface {
	// Save stores the object at key
	Save(ctx context.Context, key string, r io.Reader, contentType string) error

	// Delete removes the object at key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns the address a recipient uses to fetch the object
	URL(key string) string
}

// Server is implemented by stores that serve their own objects over HTTP.
type Server interface {
	Handler() http.Handler
}

// UploadsPrefix is the path under which served objects are exposed.
const UploadsPrefix = "/uploads/"

// ValidKey reports whether key is a single flat object name.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return !strings.ContainsAny(key, `/\`) && !strings.Contains(key, "..")
}
