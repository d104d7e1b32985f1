package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz/internal/cache"
)

func writeTempProject(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("<qgis/>"), 0o644))
	return path
}

func TestFileHandlerResolveReturnsAbsoluteURI(t *testing.T) {
	h := NewFileHandler()
	ref, err := h.Resolve("./relative/project.qgs")
	require.NoError(t, err)
	require.Equal(t, "file", ref.Scheme)
	require.True(t, filepath.IsAbs(ref.URI[len("file://"):]))
}

func TestFileHandlerStatReportsNotFoundForMissingFile(t *testing.T) {
	h := NewFileHandler()
	dir := t.TempDir()
	ref := refFor(t, h, filepath.Join(dir, "missing.qgs"))

	_, ok, err := h.Stat(context.Background(), ref)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileHandlerStatAndOpenSucceedForExistingFile(t *testing.T) {
	h := NewFileHandler()
	dir := t.TempDir()
	path := writeTempProject(t, dir, "project.qgs")
	ref := refFor(t, h, path)

	modTime, ok, err := h.Stat(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, modTime.IsZero())

	loaded, err := h.Open(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "project.qgs", loaded.Filename)
}

func TestFileHandlerOpenRejectsDirectories(t *testing.T) {
	h := NewFileHandler()
	dir := t.TempDir()
	ref := refFor(t, h, dir)

	_, err := h.Open(context.Background(), ref)
	require.Error(t, err)
}

func TestFileHandlerEnumerateFiltersByAllowedExtension(t *testing.T) {
	dir := t.TempDir()
	writeTempProject(t, dir, "a.qgs")
	writeTempProject(t, dir, "b.txt")

	h := NewFileHandler(".qgs")
	ch, err := h.Enumerate(context.Background(), "file://"+dir)
	require.NoError(t, err)

	var names []string
	for item := range ch {
		names = append(names, item.Name)
	}
	require.Equal(t, []string{"a"}, names)
}

func refFor(t *testing.T, h *FileHandler, path string) cache.SourceRef {
	t.Helper()
	ref, err := h.Resolve("file://" + path)
	require.NoError(t, err)
	return ref
}
