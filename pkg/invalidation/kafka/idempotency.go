package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the last applied version per spatial id so
// redelivered or reordered events do not evict fresher cache entries twice.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// newer returns the ids whose last applied version is below v.
func (d *versionDedupe) newer(ids []string, v uint64) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if last, ok := d.lru.Get(id); ok && v <= last {
			continue
		}
		out = append(out, id)
	}
	return out
}

// commit records v for ids. Call only after the eviction succeeded.
func (d *versionDedupe) commit(ids []string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if last, ok := d.lru.Get(id); ok && v <= last {
			continue
		}
		d.lru.Add(id, v)
	}
}
