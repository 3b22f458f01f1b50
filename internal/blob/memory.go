package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// MemoryStorage keeps objects in memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	items   map[string]memoryObject
	baseURL string
}

func NewMemoryStorage(baseURL string) *MemoryStorage {
	return &MemoryStorage{
		items:   map[string]memoryObject{},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *MemoryStorage) Save(_ context.Context, key string, r io.Reader, contentType string) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryObject{data: data, contentType: contentType, modTime: time.Now()}
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStorage) URL(key string) string {
	return s.baseURL + UploadsPrefix + url.PathEscape(key)
}

// Get returns a copy of the object stored at key.
func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(obj.data), nil
}

// Len returns the number of stored objects.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStorage) Handler() http.Handler {
	return http.StripPrefix(UploadsPrefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		obj, ok := s.items[r.URL.Path]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if obj.contentType != "" {
			w.Header().Set("Content-Type", obj.contentType)
		}
		http.ServeContent(w, r, r.URL.Path, obj.modTime, bytes.NewReader(obj.data))
	}))
}
