package action

import (
	"fmt"
	"io"
	"slices"
	"sync"
)

// ScriptFactory builds the single action that replaces the pipeline when a
// script is selected with -s. args are the words following the script name.
type ScriptFactory func(args []string, out io.Writer) (Action, error)

// Scripts is a registry of named scripts such as "default.CountTest".
type Scripts struct {
	mu        sync.RWMutex
	factories map[string]ScriptFactory
}

func NewScripts() *Scripts {
	return &Scripts{factories: make(map[string]ScriptFactory)}
}

func (s *Scripts) Register(name string, factory ScriptFactory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.factories[name]; ok {
		return fmt.Errorf("script %s is already registered", name)
	}
	s.factories[name] = factory
	return nil
}

func (s *Scripts) Lookup(name string) (ScriptFactory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factories[name]
	return f, ok
}

func (s *Scripts) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.factories))
	for name := range s.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build looks up name and creates its action
func (s *Scripts) Build(name string, args []string, out io.Writer) (Action, error) {
	factory, ok := s.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown script %q, available scripts: %v", name, s.Names())
	}
	return factory(args, out)
}
