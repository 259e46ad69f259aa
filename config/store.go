// Package config implements the layered key/value store read from an
// application's config files.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

const (
	ClearList  = "{CLEAR LIST}"
	ImportKey  = "import_config_file"
	DefaultKey = "default"
)

// LoadMode controls how unknown keys are treated while reading entries.
// The bootstrap pass inserts them; the final pass rejects them.
type LoadMode struct {
	Insert         bool
	ErrorOnUnknown bool
}

var (
	Bootstrap = LoadMode{Insert: true}
	Strict    = LoadMode{ErrorOnUnknown: true}
)

type Store struct {
	mu      sync.RWMutex
	app     string
	root    *Section
	aliases map[string]string
	log     log.Logger
}

func New(app string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.New()
	}
	return &Store{
		app:     app,
		root:    NewSection(),
		aliases: make(map[string]string),
		log:     logger.New("component", "config", "app", app),
	}
}

// SetDefault registers key with its default value. The value's type decides
// how later entries for key are merged.
func (s *Store) SetDefault(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root.Set(key, normalise(value))
}

// SetAlias rewrites the user-visible key alias to key before storing.
func (s *Store) SetAlias(alias, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = key
}

// Clone returns a deep copy that can be changed without affecting s.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := New(s.app, s.log)
	c.root = s.root.clone()
	for k, v := range s.aliases {
		c.aliases[k] = v
	}
	return c
}

// ReadFiles reads each file in order, later files overriding earlier ones.
func (s *Store) ReadFiles(paths []string, mode LoadMode) error {
	for _, p := range paths {
		if err := s.ReadFile(p, mode); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile parses "key:value" lines with "[section]" / "end" markers.
func (s *Store) ReadFile(filename string, mode LoadMode) error {
	f, err := os.Open(filename)
	if err != nil {
		return types.NewConfigurationError(s.app, "failed to open config file: %w", err)
	}
	defer f.Close()

	section := ""
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "end" {
				section = ""
			} else {
				section = name
			}
			continue
		}
		if line == "end" {
			section = ""
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			s.log.Warn("Ignoring config line without a ':'", "file", filename, "line", lineNo, "text", line)
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if section == "" && s.resolveAlias(key) == ImportKey {
			if err := s.importFile(filename, value, mode); err != nil {
				return err
			}
			continue
		}
		if err := s.AddEntry(key, value, section, mode); err != nil {
			return fmt.Errorf("%s:%d: %w", filename, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return types.NewConfigurationError(s.app, "failed to read config file %s: %w", filename, err)
	}
	return nil
}

func (s *Store) importFile(from, value string, mode LoadMode) error {
	name := os.ExpandEnv(value)
	if !filepath.IsAbs(name) {
		name = filepath.Join(filepath.Dir(from), name)
	}
	if _, err := os.Stat(name); err != nil {
		return types.NewConfigurationError(s.app, "cannot import config file %s: %w", value, err)
	}
	s.log.Debug("Importing config file", "file", name)
	return s.ReadFile(name, mode)
}

func (s *Store) resolveAlias(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if real, ok := s.aliases[key]; ok {
		return real
	}
	return key
}

// AddEntry stores a single "key: value" entry, in sectionName if non-empty.
func (s *Store) AddEntry(key, value, sectionName string, mode LoadMode) error {
	key = s.resolveAlias(key)
	if sectionName != "" {
		sectionName = s.resolveAlias(sectionName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sectionName != "" {
		existing, ok := s.root.Get(sectionName)
		var sect *Section
		switch {
		case ok:
			sect, ok = existing.(*Section)
			if !ok {
				return types.NewConfigurationError(s.app, "%q is not a section", sectionName)
			}
		case mode.Insert:
			sect = NewSection()
			s.root.Set(sectionName, sect)
		case mode.ErrorOnUnknown:
			return types.NewConfigurationError(s.app, "no section named %q", sectionName)
		default:
			s.log.Warn("Ignoring entry in unknown section", "section", sectionName, "key", key)
			return nil
		}
		return s.storeInSection(sect, key, value)
	}

	existing, ok := s.root.Get(key)
	if !ok {
		switch {
		case mode.Insert:
			s.root.Set(key, value)
			return nil
		case mode.ErrorOnUnknown:
			return types.NewConfigurationError(s.app, "no setting named %q", key)
		default:
			s.log.Warn("Ignoring unknown config setting", "key", key)
			return nil
		}
	}
	merged, err := s.merge(key, existing, value)
	if err != nil {
		return err
	}
	s.root.Set(key, merged)
	return nil
}

func (s *Store) storeInSection(sect *Section, key, value string) error {
	if existing, ok := sect.Get(key); ok {
		merged, err := s.merge(key, existing, value)
		if err != nil {
			return err
		}
		sect.Set(key, merged)
		return nil
	}
	// new keys take the type of the section's default entry
	var proto any = ""
	if def, ok := sect.Get(DefaultKey); ok {
		proto = def
	}
	switch proto.(type) {
	case []string:
		merged, err := s.merge(key, []string{}, value)
		if err != nil {
			return err
		}
		sect.Set(key, merged)
	case int, float64:
		merged, err := s.merge(key, proto, value)
		if err != nil {
			return err
		}
		sect.Set(key, merged)
	default:
		sect.Set(key, value)
	}
	return nil
}

func (s *Store) merge(key string, existing any, value string) (any, error) {
	switch cur := existing.(type) {
	case []string:
		switch {
		case value == ClearList:
			return []string{}, nil
		case strings.HasPrefix(value, "{CLEAR ") && strings.HasSuffix(value, "}"):
			item := strings.TrimSuffix(strings.TrimPrefix(value, "{CLEAR "), "}")
			return slices.DeleteFunc(slices.Clone(cur), func(v string) bool { return v == item }), nil
		case slices.Contains(cur, value):
			return cur, nil
		default:
			return append(slices.Clone(cur), value), nil
		}
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, types.NewConfigurationError(s.app, "setting %q expects an integer, got %q", key, value)
		}
		return n, nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, types.NewConfigurationError(s.app, "setting %q expects a number, got %q", key, value)
		}
		return f, nil
	case *Section:
		if err := s.storeInSection(cur, DefaultKey, value); err != nil {
			return nil, err
		}
		return cur, nil
	}
	return value, nil
}

func normalise(value any) any {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return 1
		}
		return 0
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		sect := NewSection()
		for _, k := range keys {
			sect.Set(k, normalise(v[k]))
		}
		return sect
	case map[string][]string:
		m := make(map[string]any, len(v))
		for k, l := range v {
			m[k] = l
		}
		return normalise(m)
	case []string:
		return slices.Clone(v)
	case *Section:
		return v.clone()
	}
	return value
}

// Get returns the raw value stored for key
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.root.Get(s.aliasLocked(key))
	return cloneValue(v), ok
}

func (s *Store) aliasLocked(key string) string {
	if real, ok := s.aliases[key]; ok {
		return real
	}
	return key
}

func (s *Store) String(key string) string {
	v, _ := s.Get(key)
	return asString(v)
}

func (s *Store) Int(key string) int {
	v, _ := s.Get(key)
	return asInt(v)
}

func (s *Store) Float(key string) float64 {
	v, _ := s.Get(key)
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	case string:
		parsed, _ := strconv.ParseFloat(f, 64)
		return parsed
	}
	return 0
}

func (s *Store) List(key string) []string {
	v, _ := s.Get(key)
	return asList(v)
}

// Section returns a copy of the named section, or nil.
func (s *Store) Section(key string) *Section {
	v, _ := s.Get(key)
	sect, _ := v.(*Section)
	return sect
}

// Composite looks key up in the named section. Sub-keys may be glob
// patterns. When both the matched value and the section default are lists
// the result is their concatenation, matched value first.
func (s *Store) Composite(sectionName, key string) (any, bool) {
	sect := s.Section(sectionName)
	if sect == nil {
		return nil, false
	}
	value, found := sect.Get(key)
	if !found {
		for _, k := range sect.Keys() {
			if k == DefaultKey {
				continue
			}
			if matched, _ := path.Match(k, key); matched {
				value, found = sect.Get(k)
				break
			}
		}
	}
	def, hasDefault := sect.Get(DefaultKey)
	if !found {
		return def, hasDefault
	}
	if l, ok := value.([]string); ok {
		if d, ok := def.([]string); ok {
			return append(slices.Clone(l), d...), true
		}
	}
	return value, true
}

func (s *Store) CompositeString(sectionName, key string) string {
	v, _ := s.Composite(sectionName, key)
	return asString(v)
}

func (s *Store) CompositeInt(sectionName, key string) int {
	v, _ := s.Composite(sectionName, key)
	return asInt(v)
}

func (s *Store) CompositeList(sectionName, key string) []string {
	v, _ := s.Composite(sectionName, key)
	return asList(v)
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []string:
		return strings.Join(val, ",")
	}
	return ""
}

func asInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	}
	return 0
}

func asList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	}
	return nil
}
