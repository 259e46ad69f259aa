// Package dircache keeps sorted snapshots of test directories and resolves
// file stems against the active version tags of an application.
package dircache

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// VersionSet is a sorted, duplicate-free set of version tags
type VersionSet []string

func NewVersionSet(tags ...string) VersionSet {
	vs := slices.Clone(tags)
	vs = slices.DeleteFunc(vs, func(t string) bool { return t == "" })
	slices.Sort(vs)
	return slices.Compact(vs)
}

func (v VersionSet) Contains(tag string) bool {
	_, found := slices.BinarySearch(v, tag)
	return found
}

// SubsetOf reports whether every tag of v is in allowed
func (v VersionSet) SubsetOf(allowed map[string]bool) bool {
	for _, tag := range v {
		if !allowed[tag] {
			return false
		}
	}
	return true
}

func (v VersionSet) String() string {
	return strings.Join(v, ".")
}

// File is a concrete directory entry matching a stem
type File struct {
	Path     string
	Versions VersionSet
}

// SplitStem splits "stem.v1.v2" into its stem and version set.
func SplitStem(name string) (string, VersionSet) {
	parts := strings.Split(name, ".")
	return parts[0], NewVersionSet(parts[1:]...)
}

// Cache is a snapshot of a directory's entries. It is the only surface
// through which the test model reads the filesystem.
type Cache struct {
	dir string

	mu        sync.RWMutex
	entries   []string
	subCaches map[string]*Cache
}

func New(dir string) *Cache {
	c := &Cache{dir: dir}
	c.Refresh()
	return c
}

func (c *Cache) Dir() string {
	return c.dir
}

// Refresh re-reads the directory. A missing directory yields an empty snapshot.
func (c *Cache) Refresh() {
	var names []string
	if entries, err := os.ReadDir(c.dir); err == nil {
		names = make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		slices.Sort(names)
	}
	c.mu.Lock()
	c.entries = names
	c.subCaches = nil
	c.mu.Unlock()
}

// Entries returns the sorted directory entries
func (c *Cache) Entries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.entries)
}

func (c *Cache) Exists(name string) bool {
	if dir, base, ok := splitDir(name); ok {
		return c.sub(dir).Exists(base)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, found := slices.BinarySearch(c.entries, name)
	return found
}

func (c *Cache) PathName(name string) string {
	return filepath.Join(c.dir, name)
}

// FindVersionSets returns every entry with the given stem whose version set
// satisfies pred. A stem containing a path separator is looked up in the
// corresponding sub-directory.
func (c *Cache) FindVersionSets(stem string, pred func(VersionSet) bool) []File {
	if dir, base, ok := splitDir(stem); ok {
		files := c.sub(dir).FindVersionSets(base, pred)
		return files
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var files []File
	for _, name := range c.entries {
		s, vs := SplitStem(name)
		if s != stem {
			continue
		}
		if pred == nil || pred(vs) {
			files = append(files, File{Path: filepath.Join(c.dir, name), Versions: vs})
		}
	}
	return files
}

func (c *Cache) HasStem(stem string) bool {
	return len(c.FindVersionSets(stem, nil)) > 0
}

// FindAllStems returns the distinct stems of entries whose version set satisfies pred
func (c *Cache) FindAllStems(pred func(VersionSet) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stems []string
	for _, name := range c.entries {
		s, vs := SplitStem(name)
		if s == "" || (pred != nil && !pred(vs)) {
			continue
		}
		if !slices.Contains(stems, s) {
			stems = append(stems, s)
		}
	}
	return stems
}

func (c *Cache) sub(dir string) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subCaches == nil {
		c.subCaches = make(map[string]*Cache)
	}
	if sc, ok := c.subCaches[dir]; ok {
		return sc
	}
	sc := New(filepath.Join(c.dir, dir))
	c.subCaches[dir] = sc
	return sc
}

func splitDir(name string) (string, string, bool) {
	name = filepath.ToSlash(name)
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return "", "", false
	}
	return filepath.FromSlash(name[:idx]), name[idx+1:], true
}
