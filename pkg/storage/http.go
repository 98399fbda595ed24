package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPStorage implements read-only Storage for http:// and https://
// URIs. It exists so stock media can be fetched from remote hosts;
// writes are rejected.
type HTTPStorage struct {
	client *http.Client
}

// NewHTTPStorage creates an HTTP storage backend.
func NewHTTPStorage() *HTTPStorage {
	return &HTTPStorage{
		client: &http.Client{},
	}
}

func checkHTTPScheme(uri string) error {
	scheme, _, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("HTTP storage only supports http:// and https:// URIs, got %s://", scheme)
	}
	return nil
}

// Get downloads a file over HTTP/HTTPS.
func (hs *HTTPStorage) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := checkHTTPScheme(uri); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := hs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP request failed with status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// Put is not supported; HTTP storage is read-only.
func (hs *HTTPStorage) Put(ctx context.Context, uri string, data io.Reader) error {
	return fmt.Errorf("Put operation not supported for HTTP storage (read-only)")
}

// Delete is not supported; HTTP storage is read-only.
func (hs *HTTPStorage) Delete(ctx context.Context, uri string) error {
	return fmt.Errorf("HTTP storage does not support Delete operations (read-only)")
}

// Exists checks for the object with a HEAD request.
func (hs *HTTPStorage) Exists(ctx context.Context, uri string) (bool, error) {
	if err := checkHTTPScheme(uri); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := hs.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}
