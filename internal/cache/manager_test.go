package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz/internal/wire"
)

// fakeHandler is an in-memory StorageHandler standing in for a real
// backend, letting the pull-state transition table be exercised without
// touching a filesystem or object store.
type fakeHandler struct {
	mu        sync.Mutex
	modified  map[string]time.Time
	removed   map[string]bool
	openCalls int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{modified: make(map[string]time.Time), removed: make(map[string]bool)}
}

func (h *fakeHandler) Scheme() string { return "fake" }

func (h *fakeHandler) Resolve(uri string) (SourceRef, error) {
	return SourceRef{Scheme: "fake", URI: uri}, nil
}

func (h *fakeHandler) Stat(ctx context.Context, ref SourceRef) (time.Time, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed[ref.URI] {
		return time.Time{}, false, nil
	}
	t, ok := h.modified[ref.URI]
	if !ok {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (h *fakeHandler) Open(ctx context.Context, ref SourceRef) (*LoadedProject, error) {
	h.mu.Lock()
	h.openCalls++
	h.mu.Unlock()
	return &LoadedProject{Filename: ref.URI}, nil
}

func (h *fakeHandler) Enumerate(ctx context.Context, location string) (<-chan Item, error) {
	out := make(chan Item)
	close(out)
	return out, nil
}

func (h *fakeHandler) touch(uri string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modified[uri] = at
	h.removed[uri] = false
}

func (h *fakeHandler) remove(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed[uri] = true
}

func setupManager(t *testing.T) (*Manager, *fakeHandler) {
	t.Helper()
	reg := NewRegistry()
	h := newFakeHandler()
	reg.Register(h)
	resolver := NewResolver([]SearchPath{{MountPrefix: "/", Template: "fake://{path}"}})
	mgr, err := NewManager(reg, resolver, 10)
	require.NoError(t, err)
	return mgr, h
}

func TestPullLoadsNewProject(t *testing.T) {
	mgr, h := setupManager(t)
	h.touch("fake://a.qgs", time.Now())

	status, entry, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)
	require.Equal(t, wire.StatusUnchanged, status)
	require.NotNil(t, entry)
	require.Equal(t, 1, h.openCalls)
}

func TestPullUnchangedDoesNotReload(t *testing.T) {
	mgr, h := setupManager(t)
	h.touch("fake://a.qgs", time.Now())

	_, _, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)

	status, _, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)
	require.Equal(t, wire.StatusUnchanged, status)
	require.Equal(t, 1, h.openCalls)
}

func TestPullReloadsOnNeedUpdate(t *testing.T) {
	mgr, h := setupManager(t)
	h.touch("fake://a.qgs", time.Now())
	_, _, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)

	h.touch("fake://a.qgs", time.Now().Add(time.Hour))
	status, _, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)
	require.Equal(t, wire.StatusUnchanged, status)
	require.Equal(t, 2, h.openCalls)
}

func TestPullEvictsOnRemoved(t *testing.T) {
	mgr, h := setupManager(t)
	h.touch("fake://a.qgs", time.Now())
	_, _, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.Len())

	h.remove("fake://a.qgs")
	status, entry, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)
	require.Equal(t, wire.StatusNotFound, status)
	require.Nil(t, entry)
	require.Equal(t, 0, mgr.Len())
}

func TestCheckoutNotFoundForUnknownURI(t *testing.T) {
	mgr, _ := setupManager(t)
	status, entry, err := mgr.Checkout(context.Background(), "/missing.qgs")
	require.NoError(t, err)
	require.Equal(t, wire.StatusNotFound, status)
	require.Nil(t, entry)
}

func TestPullWithPinListsEntryAsPinned(t *testing.T) {
	mgr, h := setupManager(t)
	h.touch("fake://pinned.qgs", time.Now())
	_, _, err := mgr.Pull(context.Background(), "/pinned.qgs", true)
	require.NoError(t, err)

	list := mgr.List()
	require.Len(t, list, 1)
	require.True(t, list[0].Pinned)
}

func TestDropRemovesEntry(t *testing.T) {
	mgr, h := setupManager(t)
	h.touch("fake://a.qgs", time.Now())
	_, _, err := mgr.Pull(context.Background(), "/a.qgs", false)
	require.NoError(t, err)

	status := mgr.Drop("fake://a.qgs")
	require.Equal(t, wire.StatusUnchanged, status)
	require.Equal(t, 0, mgr.Len())

	require.Equal(t, wire.StatusNotFound, mgr.Drop("fake://a.qgs"))
}

func TestUpdateReportsEveryEntry(t *testing.T) {
	mgr, h := setupManager(t)
	for i := 0; i < 3; i++ {
		uri := fmt.Sprintf("/p%d.qgs", i)
		h.touch(fmt.Sprintf("fake://p%d.qgs", i), time.Now())
		_, _, err := mgr.Pull(context.Background(), uri, false)
		require.NoError(t, err)
	}

	infos := mgr.Update(context.Background())
	require.Len(t, infos, 3)
}
