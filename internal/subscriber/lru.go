package subscriber

import (
	"os"
	"sort"
	"sync"
)

// lru tracks per-dataset disk usage and evicts whole datasets oldest-first
// once the configured quota is exceeded (spec.md §4.3 "Cache eviction").
// Grounded directly rather than via a third-party LRU package: the eviction
// unit here is a whole dataset keyed by an arbitrary string, not a bounded
// count of recently-used entries, which is a poor fit for the usual
// fixed-capacity LRU cache libraries.
type lru struct {
	quota int64

	mu    sync.Mutex
	sizes map[string]int64
	order []string // least-recently-touched first
}

func newLRU(quota int64) *lru {
	return &lru{quota: quota, sizes: make(map[string]int64)}
}

// touch records key as most-recently-used with the given size, and returns
// the list of keys (if any) the caller should evict to stay within quota.
func (l *lru) touch(key string, size int64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sizes[key] = size
	l.moveToFront(key)

	if l.quota <= 0 {
		return nil
	}

	var total int64
	for _, s := range l.sizes {
		total += s
	}
	var evicted []string
	for total > l.quota && len(l.order) > 0 {
		victim := l.order[0]
		if victim == key {
			break // never evict the entry that was just touched
		}
		l.order = l.order[1:]
		total -= l.sizes[victim]
		delete(l.sizes, victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

func (l *lru) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sizes, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *lru) moveToFront(key string) {
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.order = append(l.order, key)
}

// snapshot returns the tracked keys sorted by name (not by recency), for
// diagnostics/tests.
func (l *lru) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	sort.Strings(out) // deterministic for tests that don't care about order
	return out
}

// evictDatasetFiles removes a dataset's shadow container and sidecar from disk.
func evictDatasetFiles(containerPath, sidecarPath string) {
	_ = os.Remove(containerPath)
	_ = os.Remove(sidecarPath)
}
