package config

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/3liz/qjazz/internal/logging"
)

// RestoreList holds the set of pinned project URIs replayed into every
// child at startup and re-pulled into every child by each admin
// UpdateCache. A child respawned by the pool starts with an empty cache
// and gets the set again only on the next UpdateCache. It is safe for
// concurrent reads via Snapshot while Reload or Watch mutate it.
type RestoreList struct {
	mu      sync.RWMutex
	uris    []string
	path    string
	command string
	log     *logging.Logger
	watcher *fsnotify.Watcher
}

// NewRestoreList builds a RestoreList from the static seed (worker.restore_projects)
// plus, if set, a file path or external command to read at startup.
func NewRestoreList(seed []string, path, command string, log *logging.Logger) (*RestoreList, error) {
	rl := &RestoreList{uris: append([]string{}, seed...), path: path, command: command, log: log}
	if err := rl.Reload(); err != nil {
		return nil, err
	}
	return rl, nil
}

// Reload re-reads the configured file or command and merges its URIs
// into the in-memory set (deduplicated, order-preserving).
func (r *RestoreList) Reload() error {
	var extra []string
	switch {
	case r.command != "":
		out, err := exec.Command("sh", "-c", r.command).Output()
		if err != nil {
			return fmt.Errorf("restore list command: %w", err)
		}
		extra = parseRestoreList(string(out))
	case r.path != "":
		data, err := os.ReadFile(r.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("restore list file: %w", err)
		}
		extra = parseRestoreList(string(data))
	default:
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(r.uris))
	merged := make([]string, 0, len(r.uris)+len(extra))
	for _, u := range r.uris {
		if !seen[u] {
			seen[u] = true
			merged = append(merged, u)
		}
	}
	for _, u := range extra {
		if !seen[u] {
			seen[u] = true
			merged = append(merged, u)
		}
	}
	r.uris = merged
	return nil
}

// Add pins an additional URI into the restore set, used by the admin
// plane's UpdateCache for every URI it re-pulls as pinned.
func (r *RestoreList) Add(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.uris {
		if u == uri {
			return
		}
	}
	r.uris = append(r.uris, uri)
}

// Remove drops a URI from the restore set, used when the admin plane
// drops it (DropProject).
func (r *RestoreList) Remove(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.uris[:0:0]
	for _, u := range r.uris {
		if u != uri {
			out = append(out, u)
		}
	}
	r.uris = out
}

// Snapshot returns a copy of the current pinned-URI set.
func (r *RestoreList) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.uris))
	copy(out, r.uris)
	return out
}

// Watch starts watching the restore-list file (if configured as a path,
// not a command) for edits, reloading on every write. Returns a stop
// function; it is a no-op if no path was configured.
func (r *RestoreList) Watch() (stop func(), err error) {
	if r.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("restore list watcher: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch restore list: %w", err)
	}
	r.watcher = w

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := r.Reload(); err != nil && r.log != nil {
						r.log.Warn("restore list reload failed: %v", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if r.log != nil {
					r.log.Warn("restore list watcher error: %v", err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}, nil
}

// parseRestoreList parses newline-delimited URIs, skipping blank lines
// and lines beginning with '#'.
func parseRestoreList(data string) []string {
	var uris []string
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	return uris
}
