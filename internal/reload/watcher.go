// Package reload detects edits to the files a configuration was assembled
// from.
package reload

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/timzifer/pulseinj/config"
)

// fingerprint identifies one revision of a file. The digest is only
// recomputed when size or modification time moved, so touching a file
// without editing it is not reported.
type fingerprint struct {
	size   int64
	mod    time.Time
	digest uint64
}

func takeFingerprint(path string) (fingerprint, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fingerprint{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fingerprint{}, false
	}
	return fingerprint{size: info.Size(), mod: info.ModTime(), digest: xxhash.Sum64(data)}, true
}

// Watcher keeps a fingerprint per configuration file.
type Watcher struct {
	mu      sync.Mutex
	tracked map[string]fingerprint
}

// NewWatcher fingerprints the files referenced by cfg plus the root file.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	w := new(Watcher)
	if err := w.Update(root, cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// Update replaces the tracked set with the files of cfg. Files that cannot
// be read are left out.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	candidates := config.SourceFiles(cfg)
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			candidates = append(candidates, abs)
		}
	}
	tracked := make(map[string]fingerprint, len(candidates))
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, seen := tracked[path]; seen {
			continue
		}
		if fp, ok := takeFingerprint(path); ok {
			tracked[path] = fp
		}
	}
	w.mu.Lock()
	w.tracked = tracked
	w.mu.Unlock()
	return nil
}

// Files lists the tracked paths, sorted.
func (w *Watcher) Files() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.tracked))
	for path := range w.tracked {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

// Check returns the sorted paths whose content changed or that disappeared
// since the last Update.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var changed []string
	for path, previous := range w.tracked {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.Size() == previous.size && info.ModTime().Equal(previous.mod) {
			continue
		}
		current, ok := takeFingerprint(path)
		if !ok || current.digest != previous.digest {
			changed = append(changed, path)
			continue
		}
		// Same content under a new timestamp.
		w.tracked[path] = current
	}
	slices.Sort(changed)
	return changed, nil
}

// Watch runs Check every interval and sends each non-empty result. A change
// keeps being reported until Update is called. The channel closes with ctx.
func (w *Watcher) Watch(ctx context.Context, interval time.Duration) <-chan []string {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan []string)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			changed, err := w.Check()
			if err != nil || len(changed) == 0 {
				continue
			}
			select {
			case out <- changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
