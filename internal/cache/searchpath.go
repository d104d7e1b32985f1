package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// SearchPath is one entry of the resolver table: requests whose path
// starts with MountPrefix are rewritten against Template, substituting
// the single "{path}" placeholder with the remainder of the path, per
// py_qgis_cache's CacheManager.resolve_path.
type SearchPath struct {
	MountPrefix string
	Template    string
}

// Resolver resolves a logical project path (e.g. "/mount/sub/project")
// into a backend URI by longest-prefix match over a table of
// SearchPaths, mirroring py_qgis_cache.cachemanager.CacheManager's
// search-path resolution.
type Resolver struct {
	paths []SearchPath
}

func NewResolver(paths []SearchPath) *Resolver {
	sorted := append([]SearchPath{}, paths...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].MountPrefix) > len(sorted[j].MountPrefix)
	})
	return &Resolver{paths: sorted}
}

// Resolve rewrites path into a backend URI. It returns an error if no
// search path entry's MountPrefix matches.
func (r *Resolver) Resolve(path string) (string, error) {
	for _, sp := range r.paths {
		if !pathHasPrefix(path, sp.MountPrefix) {
			continue
		}
		rest := strings.TrimPrefix(path, sp.MountPrefix)
		rest = strings.TrimPrefix(rest, "/")
		uri := strings.ReplaceAll(sp.Template, "{path}", rest)
		return uri, nil
	}
	return "", fmt.Errorf("no search path matches %q", path)
}

// PublicPath does the inverse mapping: given a backend URI, find the
// search path entry it was produced from and rebuild the logical
// mount-relative path exposed to clients. Catalog uses it to report
// public paths alongside raw backend URIs.
func (r *Resolver) PublicPath(uri string) (string, bool) {
	for _, sp := range r.paths {
		prefix := strings.Replace(sp.Template, "{path}", "", 1)
		if strings.HasPrefix(uri, prefix) {
			rest := strings.TrimPrefix(uri, prefix)
			return strings.TrimSuffix(sp.MountPrefix, "/") + "/" + strings.TrimPrefix(rest, "/"), true
		}
	}
	return "", false
}

func pathHasPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// SchemeOf extracts the URI scheme a resolved URI should be dispatched
// to a StorageHandler under.
func SchemeOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return "file"
	}
	return u.Scheme
}
