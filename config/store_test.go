package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func newTestStore() *Store {
	s := New("A", nil)
	s.SetDefault("executable", "")
	s.SetDefault("kill_timeout", 0)
	s.SetDefault("copy_test_path", []string{})
	s.SetDefault("base_version", map[string]any{"default": []string{}})
	s.SetDefault("version_priority", map[string]any{"default": 99})
	return s
}

func TestReadFileMergeSemantics(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.A", `
# comment
executable: /bin/echo
executable: /bin/cat
kill_timeout: 30
copy_test_path: input
copy_test_path: data
copy_test_path: input
`)
	s := newTestStore()
	require.NoError(t, s.ReadFile(p, Strict))

	assert.Equal(t, "/bin/cat", s.String("executable"))
	assert.Equal(t, 30, s.Int("kill_timeout"))
	assert.Equal(t, []string{"input", "data"}, s.List("copy_test_path"))
}

func TestClearList(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.A", `
copy_test_path: a
copy_test_path: b
copy_test_path: c
copy_test_path: {CLEAR b}
`)
	s := newTestStore()
	require.NoError(t, s.ReadFile(p, Strict))
	assert.Equal(t, []string{"a", "c"}, s.List("copy_test_path"))

	require.NoError(t, s.AddEntry("copy_test_path", ClearList, "", Strict))
	assert.Empty(t, s.List("copy_test_path"))
}

func TestIntegerEntryMustParse(t *testing.T) {
	s := newTestStore()
	err := s.AddEntry("kill_timeout", "soon", "", Strict)
	require.Error(t, err)
	assert.True(t, types.IsConfigurationError(err))
}

func TestSections(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.A", `
base_version: v0
[base_version]
v1: v0.5
v2: v0.6
end
[version_priority]
v1: 5
[end]
version_priority: 7
`)
	s := newTestStore()
	require.NoError(t, s.ReadFile(p, Strict))

	sect := s.Section("base_version")
	require.NotNil(t, sect)
	assert.Equal(t, []string{"default", "v1", "v2"}, sect.Keys())
	assert.Equal(t, []string{"v0.5", "v0"}, s.CompositeList("base_version", "v1"))
	assert.Equal(t, []string{"v0"}, s.CompositeList("base_version", "v9"))

	assert.Equal(t, 5, s.CompositeInt("version_priority", "v1"))
	// a value for a section key outside a section lands on its default
	assert.Equal(t, 7, s.CompositeInt("version_priority", "other"))
}

func TestCompositeConcatenatesLists(t *testing.T) {
	s := New("A", nil)
	sect := NewSection().
		Set("default", []string{"d1", "d2"}).
		Set("k", []string{"k1"}).
		Set("*.log", []string{"glob"}).
		Set("scalar", "x")
	s.SetDefault("collate_file", sect)

	assert.Equal(t, []string{"k1", "d1", "d2"}, s.CompositeList("collate_file", "k"))
	assert.Equal(t, []string{"glob", "d1", "d2"}, s.CompositeList("collate_file", "run.log"))
	assert.Equal(t, []string{"d1", "d2"}, s.CompositeList("collate_file", "missing"))
	assert.Equal(t, "x", s.CompositeString("collate_file", "scalar"))

	_, ok := s.Composite("no_such_section", "k")
	assert.False(t, ok)
}

func TestCompositeIsAssociativeOnLists(t *testing.T) {
	keyValues := [][]string{{}, {"a"}, {"a", "b"}}
	defaults := [][]string{{}, {"x"}, {"x", "y", "z"}}
	for _, kv := range keyValues {
		for _, dv := range defaults {
			s := New("A", nil)
			s.SetDefault("sect", NewSection().Set("default", dv).Set("k", kv))
			expected := append(append([]string{}, kv...), dv...)
			assert.Equal(t, expected, s.CompositeList("sect", "k"))
		}
	}
}

func TestUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.A", "plugin_setting: 3\n")

	bootstrap := newTestStore()
	require.NoError(t, bootstrap.ReadFile(p, Bootstrap))
	assert.Equal(t, "3", bootstrap.String("plugin_setting"))

	strict := newTestStore()
	err := strict.ReadFile(p, Strict)
	require.Error(t, err)
	assert.True(t, types.IsConfigurationError(err))

	lenient := newTestStore()
	require.NoError(t, lenient.ReadFile(p, LoadMode{}))
	_, ok := lenient.Get("plugin_setting")
	assert.False(t, ok)
}

func TestUnknownSectionOnStrictLoad(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.A", "[nothing]\nk: v\nend\n")
	err := newTestStore().ReadFile(p, Strict)
	require.Error(t, err)
}

func TestAliases(t *testing.T) {
	s := newTestStore()
	s.SetAlias("binary", "executable")
	require.NoError(t, s.AddEntry("binary", "/bin/true", "", Strict))
	assert.Equal(t, "/bin/true", s.String("executable"))
	assert.Equal(t, "/bin/true", s.String("binary"))
}

func TestImportConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "shared.cfg", "copy_test_path: shared\n")
	p := writeConfig(t, dir, "config.A", "copy_test_path: own\nimport_config_file: shared.cfg\n")

	s := newTestStore()
	require.NoError(t, s.ReadFile(p, Strict))
	assert.Equal(t, []string{"own", "shared"}, s.List("copy_test_path"))

	bad := writeConfig(t, dir, "config.B", "import_config_file: missing.cfg\n")
	require.Error(t, newTestStore().ReadFile(bad, Strict))
}

func TestCloneIsIndependent(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.AddEntry("copy_test_path", "a", "", Strict))
	c := s.Clone()
	require.NoError(t, c.AddEntry("copy_test_path", "b", "", Strict))

	assert.Equal(t, []string{"a"}, s.List("copy_test_path"))
	assert.Equal(t, []string{"a", "b"}, c.List("copy_test_path"))
}
