package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the version of the state encoding shared by master and slave
const SchemaVersion = 1

type wireState struct {
	Schema int `json:"schema"`
	*TestState
}

// EncodeState renders s in the wire schema exchanged between slave and master.
func EncodeState(s *TestState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot encode nil state")
	}
	return json.Marshal(wireState{Schema: SchemaVersion, TestState: s})
}

// DecodeState parses bytes produced by EncodeState.
func DecodeState(data []byte) (*TestState, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty state payload")
	}
	w := wireState{TestState: &TestState{}}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if w.Schema != SchemaVersion {
		return nil, fmt.Errorf("unsupported state schema %d", w.Schema)
	}
	if err := validate(w.TestState); err != nil {
		return nil, err
	}
	return w.TestState, nil
}

func validate(s *TestState) error {
	for ; s != nil; s = s.Previous {
		if !s.Category.IsValid() {
			return fmt.Errorf("unknown state category %q", s.Category)
		}
	}
	return nil
}

// WriteStateFile persists s as yaml, creating the parent directory if needed.
func WriteStateFile(path string, s *TestState) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func ReadStateFile(path string) (*TestState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	s := &TestState{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}
