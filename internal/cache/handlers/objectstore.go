package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3liz/qjazz/internal/cache"
)

// ObjectStoreConfig configures an ObjectStoreHandler, grounded on the
// options a pack S3 backend exposes (endpoint/region/bucket/path-style).
type ObjectStoreConfig struct {
	Scheme         string // URI scheme this handler answers to, e.g. "s3"
	Endpoint       string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	AccessKey      string
	SecretKey      string
}

// ObjectStoreHandler resolves project sources from S3-compatible object
// storage, grounded on the pack's minio-go S3 store and generalized from
// byte-object CRUD to the cache manager's resolve/stat/open/enumerate
// capability set.
type ObjectStoreHandler struct {
	client *minio.Client
	cfg    ObjectStoreConfig
}

func NewObjectStoreHandler(cfg ObjectStoreConfig) (*ObjectStoreHandler, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store handler: bucket is required")
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store handler: new client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Scheme == "" {
		cfg.Scheme = "s3"
	}
	return &ObjectStoreHandler{client: client, cfg: cfg}, nil
}

func (h *ObjectStoreHandler) Scheme() string { return h.cfg.Scheme }

func (h *ObjectStoreHandler) Resolve(uri string) (cache.SourceRef, error) {
	return cache.SourceRef{Scheme: h.cfg.Scheme, URI: uri}, nil
}

func (h *ObjectStoreHandler) objectKey(ref cache.SourceRef) string {
	key := strings.TrimPrefix(ref.URI, h.cfg.Scheme+"://")
	key = strings.TrimPrefix(key, h.cfg.Bucket+"/")
	if h.cfg.Prefix != "" {
		key = h.cfg.Prefix + "/" + key
	}
	return key
}

// withRetry retries a transient object-store error (network errors, 5xx,
// throttling) once, after a jittered exponential backoff delay, grounded
// on the retry-on-transient-storage-error behaviour of the original
// rendering engine's cache layer. Any other error, such as a missing
// object, is returned without retrying.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil {
			code := minio.ToErrorResponse(err).StatusCode
			if code != 0 && code < 500 && code != http.StatusTooManyRequests {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)
}

func (h *ObjectStoreHandler) Stat(ctx context.Context, ref cache.SourceRef) (time.Time, bool, error) {
	info, err := withRetry(ctx, func() (minio.ObjectInfo, error) {
		return h.client.StatObject(ctx, h.cfg.Bucket, h.objectKey(ref), minio.StatObjectOptions{})
	})
	if err != nil {
		if isNotFoundErr(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("object store handler: stat %q: %w", ref.URI, err)
	}
	return info.LastModified, true, nil
}

func (h *ObjectStoreHandler) Open(ctx context.Context, ref cache.SourceRef) (*cache.LoadedProject, error) {
	obj, err := withRetry(ctx, func() (*minio.Object, error) {
		return h.client.GetObject(ctx, h.cfg.Bucket, h.objectKey(ref), minio.GetObjectOptions{})
	})
	if err != nil {
		return nil, fmt.Errorf("object store handler: open %q: %w", ref.URI, err)
	}
	defer obj.Close()
	if _, err := obj.Stat(); err != nil {
		return nil, fmt.Errorf("object store handler: stat opened %q: %w", ref.URI, err)
	}
	key := h.objectKey(ref)
	return &cache.LoadedProject{
		Filename: key[strings.LastIndex(key, "/")+1:],
	}, nil
}

func (h *ObjectStoreHandler) Enumerate(ctx context.Context, location string) (<-chan cache.Item, error) {
	prefix := strings.TrimPrefix(location, h.cfg.Scheme+"://"+h.cfg.Bucket+"/")
	if h.cfg.Prefix != "" {
		prefix = h.cfg.Prefix + "/" + prefix
	}
	out := make(chan cache.Item)
	go func() {
		defer close(out)
		opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
		for obj := range h.client.ListObjects(ctx, h.cfg.Bucket, opts) {
			if obj.Err != nil {
				return
			}
			key := strings.TrimPrefix(obj.Key, h.cfg.Prefix+"/")
			item := cache.Item{
				URI:          fmt.Sprintf("%s://%s/%s", h.cfg.Scheme, h.cfg.Bucket, key),
				Name:         key[strings.LastIndex(key, "/")+1:],
				LastModified: obj.LastModified,
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func isNotFoundErr(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound
}
