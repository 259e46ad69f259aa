package dircache

import (
	"cmp"
	"slices"
)

// Mode selects which files are candidates for a stem
type Mode int

const (
	// Strict admits files whose versions are all active, base or the application name.
	Strict Mode = iota
	// All admits every file carrying the application name.
	All
)

const DefaultPriority = 99

// Resolver ranks files against the version configuration of one application.
type Resolver struct {
	App           string
	Versions      []string
	BaseVersions  []string
	ExtraVersions []string
	// Priority returns the configured version_priority of a tag; nil means DefaultPriority
	Priority func(version string) int
}

type candidate struct {
	File
	cacheIdx int
	explicit int
	base     int
	priority int
	declared []int
	extraIdx int
}

// FilesWithStem returns the files for stem found in caches, highest ranked
// first. It returns nil when nothing matches.
func (r Resolver) FilesWithStem(caches []*Cache, stem string, mode Mode) []File {
	pred := r.predicate(mode)
	var cands []candidate
	for i, c := range caches {
		if c == nil {
			continue
		}
		for _, f := range c.FindVersionSets(stem, pred) {
			cands = append(cands, r.describe(f, i))
		}
	}
	if len(cands) == 0 {
		return nil
	}
	if mode == All {
		slices.SortStableFunc(cands, compareForDisplay)
	} else {
		slices.SortStableFunc(cands, compareForRun)
	}
	files := make([]File, len(cands))
	for i, c := range cands {
		files[i] = c.File
	}
	return files
}

// FileWithStem returns the best ranked strict match, or "".
func (r Resolver) FileWithStem(caches []*Cache, stem string) string {
	files := r.FilesWithStem(caches, stem, Strict)
	if len(files) == 0 {
		return ""
	}
	return files[0].Path
}

func (r Resolver) predicate(mode Mode) func(VersionSet) bool {
	if mode == All {
		return func(vs VersionSet) bool { return vs.Contains(r.App) }
	}
	allowed := map[string]bool{r.App: true}
	for _, v := range r.Versions {
		allowed[v] = true
	}
	for _, v := range r.BaseVersions {
		allowed[v] = true
	}
	return func(vs VersionSet) bool { return vs.SubsetOf(allowed) }
}

func (r Resolver) describe(f File, cacheIdx int) candidate {
	c := candidate{File: f, cacheIdx: cacheIdx, priority: DefaultPriority, extraIdx: DefaultPriority}
	declared := append(slices.Clone(r.Versions), r.BaseVersions...)
	for _, tag := range f.Versions {
		if tag == r.App {
			continue
		}
		if slices.Contains(r.Versions, tag) {
			c.explicit++
		}
		if slices.Contains(r.BaseVersions, tag) {
			c.base++
		}
		if r.Priority != nil {
			c.priority = min(c.priority, r.Priority(tag))
		}
		if idx := slices.Index(declared, tag); idx >= 0 {
			c.declared = append(c.declared, idx)
		}
		if idx := slices.Index(r.ExtraVersions, tag); idx >= 0 {
			c.extraIdx = min(c.extraIdx, idx)
		}
	}
	slices.Sort(c.declared)
	return c
}

func compareForRun(a, b candidate) int {
	if n := cmp.Compare(b.explicit, a.explicit); n != 0 {
		return n
	}
	if n := cmp.Compare(b.base, a.base); n != 0 {
		return n
	}
	if n := cmp.Compare(a.priority, b.priority); n != 0 {
		return n
	}
	if n := slices.Compare(a.declared, b.declared); n != 0 {
		return n
	}
	return compareLocation(a, b)
}

func compareForDisplay(a, b candidate) int {
	// a superset always has more tags than its subsets
	if n := cmp.Compare(len(b.Versions), len(a.Versions)); n != 0 {
		return n
	}
	if n := cmp.Compare(a.extraIdx, b.extraIdx); n != 0 {
		return n
	}
	return compareLocation(a, b)
}

func compareLocation(a, b candidate) int {
	if n := cmp.Compare(a.cacheIdx, b.cacheIdx); n != 0 {
		return n
	}
	return cmp.Compare(a.Path, b.Path)
}
