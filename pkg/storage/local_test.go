package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_GetPut(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "scene_0.png")
	testContent := "image bytes"

	storage := NewLocalStorage()
	ctx := context.Background()

	uri := "file://" + testFile
	err := storage.Put(ctx, uri, strings.NewReader(testContent))
	require.NoError(t, err)

	assert.FileExists(t, testFile)

	reader, err := storage.Get(ctx, uri)
	require.NoError(t, err)
	defer reader.Close()

	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, testContent, string(content))
}

func TestLocalStorage_PutOverwrites(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "out.bin")

	storage := NewLocalStorage()
	ctx := context.Background()
	uri := "file://" + testFile

	require.NoError(t, storage.Put(ctx, uri, strings.NewReader("first")))
	require.NoError(t, storage.Put(ctx, uri, strings.NewReader("second")))

	content, err := os.ReadFile(testFile)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	// The staging file from the atomic write must not linger.
	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalStorage_Exists(t *testing.T) {
	tmpDir := t.TempDir()
	existingFile := filepath.Join(tmpDir, "existing.mp3")
	require.NoError(t, os.WriteFile(existingFile, []byte("test"), 0644))

	storage := NewLocalStorage()
	ctx := context.Background()

	exists, err := storage.Exists(ctx, "file://"+existingFile)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = storage.Exists(ctx, "file://"+filepath.Join(tmpDir, "nonexistent.mp3"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_Delete(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "delete-me.bin")
	require.NoError(t, os.WriteFile(testFile, []byte("test"), 0644))

	storage := NewLocalStorage()
	ctx := context.Background()

	err := storage.Delete(ctx, "file://"+testFile)
	require.NoError(t, err)

	_, err = os.Stat(testFile)
	assert.True(t, os.IsNotExist(err))

	// Deleting again is not an error.
	assert.NoError(t, storage.Delete(ctx, "file://"+testFile))
}

func TestLocalStorage_RejectsRemoteSchemes(t *testing.T) {
	storage := NewLocalStorage()
	ctx := context.Background()

	_, err := storage.Get(ctx, "https://example.com/file.mp4")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "file://")
}
