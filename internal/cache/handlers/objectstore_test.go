package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz/internal/cache"
)

func TestNewObjectStoreHandlerRequiresBucket(t *testing.T) {
	_, err := NewObjectStoreHandler(ObjectStoreConfig{Endpoint: "s3.example.com"})
	require.Error(t, err)
}

func TestNewObjectStoreHandlerDefaultsSchemeToS3(t *testing.T) {
	h, err := NewObjectStoreHandler(ObjectStoreConfig{Endpoint: "s3.example.com", Bucket: "projects"})
	require.NoError(t, err)
	require.Equal(t, "s3", h.Scheme())
}

func TestObjectKeyStripsSchemeBucketAndAppliesPrefix(t *testing.T) {
	h, err := NewObjectStoreHandler(ObjectStoreConfig{
		Endpoint: "s3.example.com",
		Bucket:   "projects",
		Prefix:   "staging",
	})
	require.NoError(t, err)

	key := h.objectKey(cache.SourceRef{Scheme: "s3", URI: "s3://projects/a/b.qgs"})
	require.Equal(t, "staging/a/b.qgs", key)
}

func TestObjectKeyWithoutPrefix(t *testing.T) {
	h, err := NewObjectStoreHandler(ObjectStoreConfig{Endpoint: "s3.example.com", Bucket: "projects"})
	require.NoError(t, err)

	key := h.objectKey(cache.SourceRef{Scheme: "s3", URI: "s3://projects/a.qgs"})
	require.Equal(t, "a.qgs", key)
}
