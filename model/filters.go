package model

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// Filter decides which tests are read into a suite
type Filter interface {
	AcceptsCase(t *Node) bool
	AcceptsSuite(s *Node) bool
}

// TestNameFilter accepts cases whose name contains any of the substrings
type TestNameFilter struct {
	Substrings []string
}

func NewTestNameFilter(arg string) *TestNameFilter {
	return &TestNameFilter{Substrings: splitList(arg)}
}

func (f *TestNameFilter) AcceptsCase(t *Node) bool {
	for _, s := range f.Substrings {
		if strings.Contains(t.Name, s) {
			return true
		}
	}
	return false
}

func (f *TestNameFilter) AcceptsSuite(*Node) bool {
	return true
}

// TestPathFilter accepts exactly the given relative paths and the suites above them.
type TestPathFilter struct {
	Paths []string
}

func NewTestPathFilter(arg string) *TestPathFilter {
	return &TestPathFilter{Paths: splitList(arg)}
}

func (f *TestPathFilter) AcceptsCase(t *Node) bool {
	return slices.Contains(f.Paths, t.RelPath)
}

func (f *TestPathFilter) AcceptsSuite(s *Node) bool {
	if s.RelPath == "" {
		return true
	}
	for _, p := range f.Paths {
		if p == s.RelPath || strings.HasPrefix(p, s.RelPath+"/") {
			return true
		}
	}
	return false
}

// FileListFilter accepts cases named, by name or by relative path, in a file
type FileListFilter struct {
	entries []string
}

func NewFileListFilter(path string) (*FileListFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test list %s: %w", path, err)
	}
	f := &FileListFilter{}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			f.entries = append(f.entries, line)
		}
	}
	return f, nil
}

func (f *FileListFilter) AcceptsCase(t *Node) bool {
	return slices.Contains(f.entries, t.Name) || slices.Contains(f.entries, t.RelPath)
}

func (f *FileListFilter) AcceptsSuite(*Node) bool {
	return true
}

func acceptsCase(filters []Filter, t *Node) bool {
	for _, f := range filters {
		if !f.AcceptsCase(t) {
			return false
		}
	}
	return true
}

func acceptsSuite(filters []Filter, s *Node) bool {
	for _, f := range filters {
		if !f.AcceptsSuite(s) {
			return false
		}
	}
	return true
}
