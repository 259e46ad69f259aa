package dircache

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
)

const DefaultRegistrySize = 1024

// Registry shares directory snapshots between runs. Entries are evicted when
// the registry is full or when a watched directory changes.
type Registry struct {
	cache *lru.Cache
	log   log.Logger

	mu      sync.Mutex
	onLoad  func(dir string)
	loads   int
	dropped int
}

func NewRegistry(size int, logger log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	if size <= 0 {
		size = DefaultRegistrySize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory cache: %w", err)
	}
	return &Registry{cache: cache, log: logger.New("component", "dircache")}, nil
}

// Get returns the snapshot of dir, reading it if it is not cached.
func (r *Registry) Get(dir string) *Cache {
	dir = filepath.Clean(dir)
	if v, ok := r.cache.Get(dir); ok {
		return v.(*Cache)
	}
	c := New(dir)
	r.cache.Add(dir, c)

	r.mu.Lock()
	r.loads++
	hook := r.onLoad
	r.mu.Unlock()
	if hook != nil {
		hook(dir)
	}
	return c
}

// Invalidate drops the snapshot of dir so the next Get re-reads it.
func (r *Registry) Invalidate(dir string) {
	if r.cache.Remove(filepath.Clean(dir)) {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Debug("Invalidated directory snapshot", "dir", dir)
	}
}

func (r *Registry) Purge() {
	r.cache.Purge()
}

func (r *Registry) Len() int {
	return r.cache.Len()
}

// Stats returns the number of directory reads and invalidations so far
func (r *Registry) Stats() (loads, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads, r.dropped
}

func (r *Registry) setOnLoad(fn func(dir string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoad = fn
}
