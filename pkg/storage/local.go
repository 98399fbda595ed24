package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage implements Storage for file:// URIs on the local
// filesystem.
type LocalStorage struct{}

// NewLocalStorage creates a local filesystem backend.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

func localPath(uri string) (string, error) {
	scheme, path, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if scheme != "file" {
		return "", fmt.Errorf("local storage only supports file:// URIs, got %s://", scheme)
	}
	return path, nil
}

// Get opens a local file for reading.
func (ls *LocalStorage) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	path, err := localPath(uri)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Put writes data to a local file. The write goes through a temporary
// file in the target directory so readers never observe partial content.
func (ls *LocalStorage) Put(ctx context.Context, uri string, data io.Reader) error {
	path, err := localPath(uri)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	return nil
}

// Delete removes a local file. Deleting a missing file is not an error.
func (ls *LocalStorage) Delete(ctx context.Context, uri string) error {
	path, err := localPath(uri)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists checks whether a local file exists.
func (ls *LocalStorage) Exists(ctx context.Context, uri string) (bool, error) {
	path, err := localPath(uri)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
