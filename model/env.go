package model

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ClearValue unsets a variable in an environment file
const ClearValue = "{CLEAR}"

// EnvEntry is one KEY:VALUE assignment, applied in order.
type EnvEntry struct {
	Key   string
	Value string
}

// ReadEnvironmentFile parses KEY:VALUE lines. Blank lines and # comments are skipped.
func ReadEnvironmentFile(path string) ([]EnvEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []EnvEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected KEY:VALUE, got %q", path, lineNo, line)
		}
		entries = append(entries, EnvEntry{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	return entries, scanner.Err()
}

// ProcessEnvironment returns the current process environment as a map
func ProcessEnvironment() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// ApplyEnvironment overlays entries on env in order. Each value is expanded
// against the variables accumulated so far, so X:$X:extra reads the outer X once.
func ApplyEnvironment(env map[string]string, entries []EnvEntry) {
	for _, e := range entries {
		if e.Value == ClearValue {
			delete(env, e.Key)
			continue
		}
		env[e.Key] = os.Expand(e.Value, func(name string) string { return env[name] })
	}
}

// EnvironList renders env as KEY=VALUE pairs for os/exec
func EnvironList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}
