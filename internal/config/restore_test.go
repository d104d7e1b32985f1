package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRestoreListSkipsCommentsAndBlanks(t *testing.T) {
	uris := parseRestoreList("# comment\n\n/projects/a.qgs\n/projects/b.qgs\n")
	require.Equal(t, []string{"/projects/a.qgs", "/projects/b.qgs"}, uris)
}

func TestNewRestoreListMergesSeedAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restore.txt")
	require.NoError(t, os.WriteFile(path, []byte("/projects/b.qgs\n"), 0o600))

	rl, err := NewRestoreList([]string{"/projects/a.qgs"}, path, "", nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/projects/a.qgs", "/projects/b.qgs"}, rl.Snapshot())
}

func TestRestoreListAddRemove(t *testing.T) {
	rl, err := NewRestoreList(nil, "", "", nil)
	require.NoError(t, err)

	rl.Add("/projects/a.qgs")
	rl.Add("/projects/a.qgs") // idempotent
	require.Equal(t, []string{"/projects/a.qgs"}, rl.Snapshot())

	rl.Remove("/projects/a.qgs")
	require.Empty(t, rl.Snapshot())
}

func TestRestoreListReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restore.txt")
	require.NoError(t, os.WriteFile(path, []byte("/projects/a.qgs\n"), 0o600))

	rl, err := NewRestoreList(nil, path, "", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"/projects/a.qgs"}, rl.Snapshot())

	require.NoError(t, os.WriteFile(path, []byte("/projects/a.qgs\n/projects/c.qgs\n"), 0o600))
	require.NoError(t, rl.Reload())
	require.ElementsMatch(t, []string{"/projects/a.qgs", "/projects/c.qgs"}, rl.Snapshot())
}
