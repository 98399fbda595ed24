// Package storage manages the media root where generated assets and
// composed videos live, and the backends used to fetch stock media and
// archive finished videos.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
)

// AllowedSchemes is the whitelist of URI schemes with a backend.
var AllowedSchemes = []string{"https", "http", "s3", "file"}

// Storage is the interface all storage backends implement.
type Storage interface {
	// Get downloads the object at the given URI and returns a reader
	Get(ctx context.Context, uri string) (io.ReadCloser, error)

	// Put uploads data to the given URI
	Put(ctx context.Context, uri string, data io.Reader) error

	// Delete removes the object at the given URI
	Delete(ctx context.Context, uri string) error

	// Exists checks whether an object exists at the given URI
	Exists(ctx context.Context, uri string) (bool, error)
}

// ParseURI parses a URI and returns its scheme and path.
func ParseURI(uri string) (scheme string, path string, err error) {
	if uri == "" {
		return "", "", fmt.Errorf("URI cannot be empty")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid URI: %w", err)
	}

	if parsed.Scheme == "" {
		return "", "", fmt.Errorf("URI must have a scheme (e.g., s3://, file://)")
	}

	// file:// URIs carry the full path; remote URIs combine host and path
	if parsed.Scheme == "file" {
		return parsed.Scheme, parsed.Path, nil
	}

	path = parsed.Host
	if parsed.Path != "" {
		path = path + parsed.Path
	}

	return parsed.Scheme, path, nil
}

// IsAllowedScheme checks whether a URI scheme is in the whitelist.
func IsAllowedScheme(scheme string) bool {
	for _, allowed := range AllowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}
