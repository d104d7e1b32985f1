package cache

import (
	"sync"
	"time"

	"github.com/3liz/qjazz/internal/wire"
)

// Entry is one cached project, keyed by its resolved backend URI.
// LastModified/LastHit/HitCount are tracked purely for CacheInfo
// observability; eviction itself is driven by the LRU that owns
// unpinned entries, not by this bookkeeping.
type Entry struct {
	mu sync.RWMutex

	URI             string
	Ref             SourceRef
	Project         *LoadedProject
	LastModified    time.Time
	LoadedAt        time.Time
	LastHit         time.Time
	HitCount        int64
	Pinned          bool
	LoadMemoryBytes int64
	LoadTimeMillis  float64
}

func newEntry(uri string, ref SourceRef, proj *LoadedProject, lastModified time.Time, loadTime time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		URI:            uri,
		Ref:            ref,
		Project:        proj,
		LastModified:   lastModified,
		LoadedAt:       now,
		LastHit:        now,
		LoadTimeMillis: float64(loadTime) / float64(time.Millisecond),
	}
}

func (e *Entry) touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LastHit = time.Now()
	e.HitCount++
}

func (e *Entry) setPinned(pinned bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Pinned = pinned
}

func (e *Entry) isPinned() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Pinned
}

// Info snapshots the entry into the wire-level CacheInfo record.
func (e *Entry) Info(status wire.CheckoutStatus) wire.CacheInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info := wire.CacheInfo{
		URI:          e.URI,
		Status:       status,
		InCache:      true,
		Timestamp:    float64(e.LoadedAt.Unix()),
		LastModified: float64(e.LastModified.Unix()),
		Pinned:       e.Pinned,
		Hits:         e.HitCount,
		LastHit:      float64(e.LastHit.Unix()),
		DebugLoadMs:  int64(e.LoadTimeMillis),
	}
	if e.Project != nil {
		info.SavedVersion = e.Project.LastSaveVersion
	}
	return info
}
