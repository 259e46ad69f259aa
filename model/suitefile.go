package model

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SuiteEntry is one child name in a suite index file together with the
// comment and blank lines written directly above it.
type SuiteEntry struct {
	Name     string
	Comments []string
}

// SuiteFile is an editable suite index file. Comments and blank lines stay
// attached to the entry that follows them.
type SuiteFile struct {
	Path    string
	Entries []SuiteEntry
	Trailer []string
}

func ReadSuiteFile(path string) (*SuiteFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sf, err := ParseSuiteFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file %s: %w", path, err)
	}
	sf.Path = path
	return sf, nil
}

func ParseSuiteFile(r io.Reader) (*SuiteFile, error) {
	sf := &SuiteFile{}
	var pending []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		name := strings.TrimSpace(line)
		if name == "" || strings.HasPrefix(name, "#") {
			pending = append(pending, line)
			continue
		}
		if sf.index(name) >= 0 {
			// duplicates keep their first position
			pending = nil
			continue
		}
		sf.Entries = append(sf.Entries, SuiteEntry{Name: name, Comments: pending})
		pending = nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sf.Trailer = pending
	return sf, nil
}

func (sf *SuiteFile) Names() []string {
	names := make([]string, len(sf.Entries))
	for i, e := range sf.Entries {
		names[i] = e.Name
	}
	return names
}

func (sf *SuiteFile) index(name string) int {
	return slices.IndexFunc(sf.Entries, func(e SuiteEntry) bool { return e.Name == name })
}

// Add inserts name at position index, or appends it when index is out of range.
func (sf *SuiteFile) Add(name string, index int) bool {
	if sf.index(name) >= 0 {
		return false
	}
	entry := SuiteEntry{Name: name}
	if index < 0 || index >= len(sf.Entries) {
		sf.Entries = append(sf.Entries, entry)
	} else {
		sf.Entries = slices.Insert(sf.Entries, index, entry)
	}
	return true
}

// Remove drops name and the comments attached to it
func (sf *SuiteFile) Remove(name string) bool {
	idx := sf.index(name)
	if idx < 0 {
		return false
	}
	sf.Entries = slices.Delete(sf.Entries, idx, idx+1)
	return true
}

func (sf *SuiteFile) Rename(oldName, newName string) bool {
	idx := sf.index(oldName)
	if idx < 0 || sf.index(newName) >= 0 {
		return false
	}
	sf.Entries[idx].Name = newName
	return true
}

// Reposition moves name, with its comments, to newIndex.
func (sf *SuiteFile) Reposition(name string, newIndex int) bool {
	idx := sf.index(name)
	if idx < 0 || newIndex < 0 || newIndex >= len(sf.Entries) {
		return false
	}
	entry := sf.Entries[idx]
	sf.Entries = slices.Delete(sf.Entries, idx, idx+1)
	sf.Entries = slices.Insert(sf.Entries, newIndex, entry)
	return true
}

// Sort orders the entries alphabetically with test cases ahead of suites.
func (sf *SuiteFile) Sort(descending bool, isSuite func(name string) bool) {
	slices.SortStableFunc(sf.Entries, func(a, b SuiteEntry) int {
		return compareChildren(a.Name, b.Name, descending, isSuite)
	})
}

func compareChildren(a, b string, descending bool, isSuite func(string) bool) int {
	if isSuite != nil {
		if sa, sb := isSuite(a), isSuite(b); sa != sb {
			if sa {
				return 1
			}
			return -1
		}
	}
	if descending {
		return cmp.Compare(b, a)
	}
	return cmp.Compare(a, b)
}

func (sf *SuiteFile) Bytes() []byte {
	var buf bytes.Buffer
	for _, e := range sf.Entries {
		for _, c := range e.Comments {
			buf.WriteString(c + "\n")
		}
		buf.WriteString(e.Name + "\n")
	}
	for _, c := range sf.Trailer {
		buf.WriteString(c + "\n")
	}
	return buf.Bytes()
}

// Write replaces the file on disk atomically.
func (sf *SuiteFile) Write() error {
	if sf.Path == "" {
		return fmt.Errorf("suite file has no path")
	}
	tmp, err := os.CreateTemp(filepath.Dir(sf.Path), ".testsuite-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary suite file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write suite file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), sf.Path)
}
