package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolverLongestPrefixMatch(t *testing.T) {
	r := NewResolver([]SearchPath{
		{MountPrefix: "/", Template: "file:///data/{path}"},
		{MountPrefix: "/france", Template: "file:///data/fr/{path}"},
	})

	uri, err := r.Resolve("/france/communes.qgs")
	require.NoError(t, err)
	require.Equal(t, "file:///data/fr/communes.qgs", uri)

	uri, err = r.Resolve("/other/project.qgs")
	require.NoError(t, err)
	require.Equal(t, "file:///data/other/project.qgs", uri)
}

func TestResolverNoMatch(t *testing.T) {
	r := NewResolver([]SearchPath{{MountPrefix: "/france", Template: "file:///data/fr/{path}"}})
	_, err := r.Resolve("/other/project.qgs")
	require.Error(t, err)
}

func TestResolverPublicPath(t *testing.T) {
	r := NewResolver([]SearchPath{{MountPrefix: "/france", Template: "file:///data/fr/{path}"}})
	public, ok := r.PublicPath("file:///data/fr/communes.qgs")
	require.True(t, ok)
	require.Equal(t, "/france/communes.qgs", public)
}

func TestSchemeOf(t *testing.T) {
	require.Equal(t, "file", SchemeOf("file:///data/a.qgs"))
	require.Equal(t, "s3", SchemeOf("s3://bucket/a.qgs"))
	require.Equal(t, "file", SchemeOf("/data/a.qgs"))
}
