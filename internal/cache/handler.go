package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SourceRef is a handler-specific resolved reference to a project,
// produced by StorageHandler.Resolve and passed back into Stat/Open.
type SourceRef struct {
	Scheme string
	URI    string // canonical, handler-resolved URI
}

// Item is one enumerated project, as returned by StorageHandler.Enumerate
// for a catalog listing — never loaded, metadata only.
type Item struct {
	URI          string
	Name         string
	LastModified time.Time
}

// LoadedProject is the opaque project value a handler's Open returns.
// The parent never sees anything but URIs and Info records; this
// struct is exactly the surface the cache entry needs to answer
// ProjectInfo requests.
type LoadedProject struct {
	Filename        string
	CRS             string
	Layers          []LayerInfo
	LastSaveVersion string
	HasBadLayers    bool
}

// LayerInfo is a single layer of a loaded project.
type LayerInfo struct {
	LayerID   string
	Name      string
	Source    string
	CRS       string
	IsValid   bool
	IsSpatial bool
}

// StorageHandler is the capability set a project-source backend must
// implement: resolve, stat, open, enumerate. Concrete handlers
// register themselves by URL scheme at startup rather than through an
// inheritance hierarchy.
type StorageHandler interface {
	// Scheme returns the URL scheme this handler is registered under.
	Scheme() string
	// Resolve turns a handler-specific URI into a SourceRef.
	Resolve(uri string) (SourceRef, error)
	// Stat returns the source's last-modified marker, or ok=false if
	// the source no longer exists (maps to CheckoutStatus Removed).
	Stat(ctx context.Context, ref SourceRef) (lastModified time.Time, ok bool, err error)
	// Open loads the project behind ref.
	Open(ctx context.Context, ref SourceRef) (*LoadedProject, error)
	// Enumerate lists every project reachable under location without
	// loading any of them.
	Enumerate(ctx context.Context, location string) (<-chan Item, error)
}

// Registry holds the set of StorageHandlers registered by scheme,
// mirroring py_qgis_cache's register_protocol_handler /
// get_protocol_handler component-manager lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StorageHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StorageHandler)}
}

func (r *Registry) Register(h StorageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Scheme()] = h
}

func (r *Registry) Get(scheme string) (StorageHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[scheme]
	if !ok {
		return nil, fmt.Errorf("no storage handler registered for scheme %q", scheme)
	}
	return h, nil
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	return out
}
