// Package cache implements the per-child project cache: resolving a
// logical project path to a backend URI, loading/reloading/evicting
// projects, and reporting their status.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/3liz/qjazz/internal/errs"
	"github.com/3liz/qjazz/internal/wire"
)

// Manager is the cache held inside a single child process. Pinned
// entries (loaded via restore-list replay or an explicit pull with
// pin=true) never age out; everything else lives in a bounded LRU,
// mirroring py_qgis_cache's separation of "permanent" vs ordinary
// cache entries.
type Manager struct {
	registry *Registry
	resolver *Resolver

	mu     sync.RWMutex
	pinned map[string]*Entry
	lru    *lru.Cache[string, *Entry]
}

// NewManager builds a Manager. maxProjects <= 0 means unbounded: the
// LRU is simply sized very large, matching engine.max_projects == 0
// disabling eviction.
func NewManager(registry *Registry, resolver *Resolver, maxProjects int) (*Manager, error) {
	size := maxProjects
	if size <= 0 {
		size = 1 << 20
	}
	c, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("new cache lru: %w", err)
	}
	return &Manager{
		registry: registry,
		resolver: resolver,
		pinned:   make(map[string]*Entry),
		lru:      c,
	}, nil
}

// resolve maps a logical path to a SourceRef via the search-path table.
// A path that already looks like a backend URI (contains "://", as the
// entries returned by List/Update do) is passed straight to the handler
// without going back through the search-path table.
func (m *Manager) resolve(path string) (SourceRef, StorageHandler, error) {
	uri := path
	if !strings.Contains(path, "://") {
		if resolved, err := m.resolver.Resolve(path); err == nil {
			uri = resolved
		}
	}
	h, err := m.registry.Get(SchemeOf(uri))
	if err != nil {
		return SourceRef{}, nil, err
	}
	ref, err := h.Resolve(uri)
	if err != nil {
		return SourceRef{}, nil, fmt.Errorf("resolve %q: %w", uri, err)
	}
	return ref, h, nil
}

func (m *Manager) lookup(uri string) (*Entry, bool) {
	m.mu.RLock()
	if e, ok := m.pinned[uri]; ok {
		m.mu.RUnlock()
		return e, true
	}
	m.mu.RUnlock()
	return m.lru.Get(uri)
}

// Checkout inspects the status of uri against the current cache
// contents without loading or evicting anything.
func (m *Manager) Checkout(ctx context.Context, path string) (wire.CheckoutStatus, *Entry, error) {
	ref, h, err := m.resolve(path)
	if err != nil {
		return wire.StatusNotFound, nil, err
	}

	entry, found := m.lookup(ref.URI)
	lastModified, ok, err := h.Stat(ctx, ref)
	if err != nil {
		return wire.StatusUnknown, nil, errs.New(errs.Unavailable, "cache.checkout", err)
	}

	switch {
	case !ok && found:
		return wire.StatusRemoved, entry, nil
	case !ok && !found:
		return wire.StatusNotFound, nil, nil
	case found && lastModified.After(entry.LastModified):
		return wire.StatusNeedUpdate, entry, nil
	case found:
		return wire.StatusUnchanged, entry, nil
	default:
		return wire.StatusNew, nil, nil
	}
}

// Pull applies the load/reload/evict/noop transition table to uri and
// returns the resulting entry (nil if evicted or not found), covering
// the NEW/NEED_UPDATE/UNCHANGED/REMOVED/NOT_FOUND status set.
func (m *Manager) Pull(ctx context.Context, path string, pin bool) (wire.CheckoutStatus, *Entry, error) {
	status, entry, err := m.Checkout(ctx, path)
	if err != nil {
		return status, nil, err
	}

	switch status {
	case wire.StatusNew:
		e, err := m.load(ctx, path, pin)
		if err != nil {
			return wire.StatusUnknown, nil, err
		}
		return wire.StatusUnchanged, e, nil
	case wire.StatusNeedUpdate:
		e, err := m.load(ctx, path, pin || entry.isPinned())
		if err != nil {
			return wire.StatusUnknown, nil, err
		}
		return wire.StatusUnchanged, e, nil
	case wire.StatusUnchanged:
		entry.touch()
		if pin {
			entry.setPinned(true)
		}
		return wire.StatusUnchanged, entry, nil
	case wire.StatusRemoved:
		m.evict(entry.URI)
		return wire.StatusNotFound, nil, nil
	default: // StatusNotFound
		return wire.StatusNotFound, nil, nil
	}
}

func (m *Manager) load(ctx context.Context, path string, pin bool) (*Entry, error) {
	ref, h, err := m.resolve(path)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	proj, err := h.Open(ctx, ref)
	if err != nil {
		return nil, errs.New(errs.Internal, "cache.load", err)
	}
	elapsed := time.Since(start)

	lastModified, _, err := h.Stat(ctx, ref)
	if err != nil {
		return nil, errs.New(errs.Unavailable, "cache.load", err)
	}

	entry := newEntry(ref.URI, ref, proj, lastModified, elapsed)
	entry.Pinned = pin

	m.mu.Lock()
	defer m.mu.Unlock()
	if pin {
		m.lru.Remove(ref.URI)
		m.pinned[ref.URI] = entry
	} else {
		delete(m.pinned, ref.URI)
		m.lru.Add(ref.URI, entry)
	}
	return entry, nil
}

func (m *Manager) evict(uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pinned, uri)
	m.lru.Remove(uri)
}

// Drop removes uri from the cache unconditionally, regardless of its
// current status.
func (m *Manager) Drop(uri string) wire.CheckoutStatus {
	if _, found := m.lookup(uri); !found {
		return wire.StatusNotFound
	}
	m.evict(uri)
	return wire.StatusUnchanged
}

// Clear drops every cached entry, pinned or not (the ClearCache op).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = make(map[string]*Entry)
	m.lru.Purge()
}

// List returns a CacheInfo snapshot of every currently cached entry.
func (m *Manager) List() []wire.CacheInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.CacheInfo, 0, len(m.pinned)+m.lru.Len())
	for _, e := range m.pinned {
		out = append(out, e.Info(wire.StatusUnchanged))
	}
	for _, k := range m.lru.Keys() {
		if e, ok := m.lru.Peek(k); ok {
			out = append(out, e.Info(wire.StatusUnchanged))
		}
	}
	return out
}

// Update walks every cached entry, reloading anything whose backend
// reports a newer modification time and evicting anything removed from
// the backend, returning the outcome of each, per the UpdateCache op.
func (m *Manager) Update(ctx context.Context) []wire.CacheInfo {
	var uris []string
	m.mu.RLock()
	for u := range m.pinned {
		uris = append(uris, u)
	}
	for _, u := range m.lru.Keys() {
		uris = append(uris, u)
	}
	m.mu.RUnlock()

	out := make([]wire.CacheInfo, 0, len(uris))
	for _, uri := range uris {
		status, entry, err := m.Pull(ctx, uri, false)
		if err != nil {
			out = append(out, wire.CacheInfo{URI: uri, Status: wire.StatusUnknown})
			continue
		}
		if entry != nil {
			out = append(out, entry.Info(status))
		} else {
			out = append(out, wire.CacheInfo{URI: uri, Status: status})
		}
	}
	return out
}

// ProjectInfo returns the full wire.ProjectInfo for an already-cached
// entry, used by GetProjectInfo.
func (m *Manager) ProjectInfo(uri string) (*wire.ProjectInfo, error) {
	entry, found := m.lookup(uri)
	if !found {
		return nil, errs.New(errs.NotFound, "cache.project_info", fmt.Errorf("%q not cached", uri))
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	layers := make([]wire.LayerInfo, 0, len(entry.Project.Layers))
	for _, l := range entry.Project.Layers {
		layers = append(layers, wire.LayerInfo{
			LayerID: l.LayerID, Name: l.Name, Source: l.Source,
			CRS: l.CRS, IsValid: l.IsValid, IsSpatial: l.IsSpatial,
		})
	}
	return &wire.ProjectInfo{
		Status:       wire.StatusUnchanged,
		URI:          entry.URI,
		Filename:     entry.Project.Filename,
		CRS:          entry.Project.CRS,
		LastModified: float64(entry.LastModified.Unix()),
		HasBadLayers: entry.Project.HasBadLayers,
		Layers:       layers,
	}, nil
}

// Catalog enumerates every project reachable under location without
// loading it, rewriting backend URIs back to public mount-relative
// paths via the resolver, per the Catalog operation.
func (m *Manager) Catalog(ctx context.Context, location string) (<-chan wire.CatalogItem, error) {
	uri := location
	if !strings.Contains(location, "://") {
		if resolved, err := m.resolver.Resolve(location); err == nil {
			uri = resolved
		}
	}
	h, err := m.registry.Get(SchemeOf(uri))
	if err != nil {
		return nil, err
	}
	items, err := h.Enumerate(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("enumerate %q: %w", uri, err)
	}

	out := make(chan wire.CatalogItem)
	go func() {
		defer close(out)
		for it := range items {
			public, ok := m.resolver.PublicPath(it.URI)
			if !ok {
				public = it.URI
			}
			select {
			case out <- wire.CatalogItem{
				URI:          it.URI,
				Name:         it.Name,
				LastModified: float64(it.LastModified.Unix()),
				PublicURI:    public,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Len reports the total number of cached entries, pinned and unpinned.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pinned) + m.lru.Len()
}
