package config

import "slices"

// Section is an insertion-ordered dictionary. Values are string, int,
// float64, []string or *Section.
type Section struct {
	keys   []string
	values map[string]any
}

func NewSection() *Section {
	return &Section{values: make(map[string]any)}
}

// Set stores value under key and returns the section for chaining
func (s *Section) Set(key string, value any) *Section {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
	return s
}

func (s *Section) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

func (s *Section) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.keys = slices.DeleteFunc(s.keys, func(k string) bool { return k == key })
}

// Keys returns the keys in insertion order
func (s *Section) Keys() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.keys)
}

func (s *Section) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

func (s *Section) clone() *Section {
	c := NewSection()
	for _, k := range s.keys {
		c.Set(k, cloneValue(s.values[k]))
	}
	return c
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []string:
		return slices.Clone(val)
	case *Section:
		return val.clone()
	}
	return v
}
