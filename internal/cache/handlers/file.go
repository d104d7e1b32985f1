// Package handlers provides concrete cache.StorageHandler implementations,
// registered by URL scheme with a cache.Registry at startup.
package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3liz/qjazz/internal/cache"
)

// FileHandler resolves project sources from the local filesystem,
// grounded on py_qgis_cache's builtin "file" protocol handler.
type FileHandler struct {
	// AllowedExtensions restricts Enumerate to files with one of these
	// suffixes (".qgs", ".qgz"); empty means no filter.
	AllowedExtensions []string
}

func NewFileHandler(extensions ...string) *FileHandler {
	return &FileHandler{AllowedExtensions: extensions}
}

func (h *FileHandler) Scheme() string { return "file" }

func (h *FileHandler) Resolve(uri string) (cache.SourceRef, error) {
	p := strings.TrimPrefix(uri, "file://")
	abs, err := filepath.Abs(p)
	if err != nil {
		return cache.SourceRef{}, fmt.Errorf("file handler: resolve %q: %w", uri, err)
	}
	return cache.SourceRef{Scheme: "file", URI: "file://" + abs}, nil
}

func (h *FileHandler) path(ref cache.SourceRef) string {
	return strings.TrimPrefix(ref.URI, "file://")
}

func (h *FileHandler) Stat(ctx context.Context, ref cache.SourceRef) (time.Time, bool, error) {
	fi, err := os.Stat(h.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("file handler: stat %q: %w", ref.URI, err)
	}
	return fi.ModTime(), true, nil
}

func (h *FileHandler) Open(ctx context.Context, ref cache.SourceRef) (*cache.LoadedProject, error) {
	path := h.path(ref)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file handler: open %q: %w", ref.URI, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("file handler: %q is a directory", ref.URI)
	}
	// Actual QGIS project parsing happens inside the rendering engine
	// this handler hands the path to; here we report the metadata the
	// cache entry needs without decoding the project body itself.
	return &cache.LoadedProject{
		Filename: filepath.Base(path),
		Layers:   nil,
	}, nil
}

func (h *FileHandler) Enumerate(ctx context.Context, location string) (<-chan cache.Item, error) {
	root := strings.TrimPrefix(location, "file://")
	out := make(chan cache.Item)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !h.matches(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			item := cache.Item{
				URI:          "file://" + path,
				Name:         strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
				LastModified: info.ModTime(),
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()
	return out, nil
}

func (h *FileHandler) matches(path string) bool {
	if len(h.AllowedExtensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, allowed := range h.AllowedExtensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}
