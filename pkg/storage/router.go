package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Router dispatches storage operations to the backend registered for a
// URI's scheme. Backends are created lazily on first use and reused.
type Router struct {
	mu       sync.Mutex
	backends map[string]Storage
}

// NewRouter creates a Router with no backends instantiated yet.
func NewRouter() *Router {
	return &Router{backends: make(map[string]Storage)}
}

// Register installs a backend for a scheme, replacing any lazily
// created one. Mostly useful in tests.
func (r *Router) Register(scheme string, s Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[scheme] = s
}

// Backend returns the storage backend for a scheme, creating it on
// first use.
func (r *Router) Backend(ctx context.Context, scheme string) (Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.backends[scheme]; ok {
		return s, nil
	}

	var (
		s   Storage
		err error
	)
	switch scheme {
	case "file":
		s = NewLocalStorage()
	case "http", "https":
		s = NewHTTPStorage()
	case "s3":
		s, err = NewS3Storage(ctx)
	default:
		return nil, fmt.Errorf("no storage backend for scheme %q", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s backend: %w", scheme, err)
	}

	r.backends[scheme] = s
	return s, nil
}

// Download copies the object at uri to localPath, creating parent
// directories as needed.
func (r *Router) Download(ctx context.Context, uri, localPath string) error {
	scheme, _, err := ParseURI(uri)
	if err != nil {
		return err
	}

	backend, err := r.Backend(ctx, scheme)
	if err != nil {
		return err
	}

	reader, err := backend.Get(ctx, uri)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", uri, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("writing %s: %w", localPath, err)
	}
	return nil
}

// Upload copies a local file to the object named by uri.
func (r *Router) Upload(ctx context.Context, localPath, uri string) error {
	scheme, _, err := ParseURI(uri)
	if err != nil {
		return err
	}

	backend, err := r.Backend(ctx, scheme)
	if err != nil {
		return err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer file.Close()

	if err := backend.Put(ctx, uri, file); err != nil {
		return fmt.Errorf("uploading to %s: %w", uri, err)
	}
	return nil
}
