package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

func TestParseSelections(t *testing.T) {
	sel := ParseAppSelection("A.v1, B")
	require.Len(t, sel, 2)
	assert.Equal(t, "A", sel[0].Name)
	assert.Equal(t, []string{"v1"}, sel[0].Versions)
	assert.Equal(t, "B", sel[1].Name)
	assert.Empty(t, sel[1].Versions)

	assert.Equal(t, [][]string{{"v1", "v2"}, {"v3"}}, ParseVersions("v1.v2,v3"))
	assert.Empty(t, ParseVersions(""))
}

func TestLoadApplicationsTwoPassConfig(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"config.A":    "full_name: Plain\nbase_version: v0\n",
		"config.A.v0": "full_name: Base\n",
		"config.A.v1": "kill_timeout: 5\n",
		"config.B":    "executable: b.sh\n",
	})

	apps, errs := LoadApplications(LoadOptions{
		Roots:    []string{root},
		Versions: [][]string{{"v1"}},
		TmpRoot:  t.TempDir(),
		RunTag:   "run1",
	})
	require.Empty(t, errs)
	require.Len(t, apps, 2)

	a := apps[0]
	assert.Equal(t, "A.v1", a.Description())
	assert.Equal(t, []string{"v0"}, a.BaseVersions())
	assert.Equal(t, "Base", a.FullName)
	assert.Equal(t, 5, a.Config.Int("kill_timeout"))
	assert.Equal(t, "A.v1.run1", filepath.Base(a.WriteDirectory()))

	b := apps[1]
	assert.Equal(t, "B.v1", b.Description())
	assert.Equal(t, "b.sh", b.Config.String("executable"))
	assert.Equal(t, "B", b.FullName)
}

func TestLoadApplicationsSkipsBadConfig(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"config.A": "executable: a.sh\n",
		"config.B": "no_such_setting: 1\n",
	})
	apps, errs := LoadApplications(LoadOptions{Roots: []string{root}, TmpRoot: t.TempDir()})
	require.Len(t, apps, 1)
	assert.Equal(t, "A", apps[0].Name)
	require.Len(t, errs, 1)
	assert.True(t, types.IsConfigurationError(errs[0]))
}

func TestLoadApplicationsSelectionCopiesAndExtras(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"config.A": "executable: a.sh\n",
		"config.B": "executable: b.sh\n",
	})
	apps, errs := LoadApplications(LoadOptions{
		Roots:     []string{root},
		Selection: ParseAppSelection("A"),
		Copies:    2,
		TmpRoot:   t.TempDir(),
		ExtraVersions: func(*Application) []string {
			return []string{"e1", "e1"}
		},
	})
	require.Empty(t, errs)
	require.Len(t, apps, 2)
	assert.Equal(t, "A.copy_1", apps[0].Description())
	assert.Equal(t, "A.copy_2", apps[1].Description())
	require.Len(t, apps[0].Extras, 1)
	assert.Equal(t, "A.copy_1.e1", apps[0].Extras[0].Description())
	assert.Len(t, apps[0].AllApplications(), 2)
}

func TestApplicationCleanWriteDirectory(t *testing.T) {
	app := testApp("A")
	app.writeDir = filepath.Join(t.TempDir(), "A.run")
	arena := NewArena(nil)
	root, err := arena.Add(&Node{Kind: KindSuite, Name: "A", App: app}, NoNode)
	require.NoError(t, err)
	pass, err := arena.Add(&Node{Kind: KindCase, Name: "pass", App: app, RelPath: "pass"}, root.ID)
	require.NoError(t, err)
	fail, err := arena.Add(&Node{Kind: KindCase, Name: "fail", App: app, RelPath: "fail"}, root.ID)
	require.NoError(t, err)
	writeTree(t, app.writeDir, map[string]string{"pass/out": "x", "fail/out": "y"})

	arena.ChangeState(pass, types.Succeeded(nil, nil))
	arena.ChangeState(fail, types.Failed("differences", "", nil, nil))

	require.NoError(t, app.CleanWriteDirectory(CleanSucceeded, []*Node{pass, fail}))
	assert.NoDirExists(t, pass.WriteDirectory())
	assert.DirExists(t, fail.WriteDirectory())

	require.NoError(t, app.CleanWriteDirectory(CleanNone, nil))
	assert.DirExists(t, app.WriteDirectory())
	require.NoError(t, app.CleanWriteDirectory(CleanAll, nil))
	assert.NoDirExists(t, app.WriteDirectory())
}

func TestApplicationWithoutLogger(t *testing.T) {
	app := &Application{Name: "A", FullName: "A", writeDir: filepath.Join(t.TempDir(), "A.run")}
	require.NotNil(t, app.Logger())
	require.NoError(t, os.MkdirAll(app.WriteDirectory(), 0755))

	require.NotPanics(t, func() {
		require.NoError(t, app.CleanWriteDirectory(CleanAll, nil))
	})
	assert.NoDirExists(t, app.WriteDirectory())
}
