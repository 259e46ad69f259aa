package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

func buildFixture(t *testing.T, files map[string]string) (*Arena, *Application) {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, files)
	apps, errs := LoadApplications(LoadOptions{Roots: []string{root}, TmpRoot: t.TempDir(), RunTag: "test"})
	require.Empty(t, errs)
	require.Len(t, apps, 1)
	return NewArena(nil), apps[0]
}

var basicTree = map[string]string{
	"config.A":          "executable: run.sh\n",
	"testsuite.A":       "t1\n# a comment\nsub\nmissing\n",
	"environment.A":     "ROOTVAR:root\n",
	"t1/options.A":      "-q\n",
	"sub/testsuite.A":   "t2\n",
	"sub/environment.A": "SUBVAR:$ROOTVAR/sub\n",
	"sub/t2/":           "",
}

func TestBuildSuite(t *testing.T) {
	arena, app := buildFixture(t, basicTree)
	root, err := arena.BuildSuite(app, BuildOptions{ForTestRuns: true})
	require.NoError(t, err)
	require.NotNil(t, root)

	cases := arena.TestCases(root)
	assert.Equal(t, []string{"t1", "sub/t2", "missing"}, relPaths(cases))

	missing := arena.Lookup(Key{App: "A", RelPath: "missing"})
	require.NotNil(t, missing)
	assert.Equal(t, types.CategoryUnrunnable, missing.State().Category)
	assert.Equal(t, "NONEXISTENT", missing.State().BriefText)
	assert.Contains(t, missing.State().FreeText, "No such test: ")

	t2, err := arena.FindTest("A", "sub/t2")
	require.NoError(t, err)
	env := t2.Environment()
	assert.Equal(t, "root", env["ROOTVAR"])
	assert.Equal(t, "root/sub", env["SUBVAR"])
	assert.Equal(t, []string{"A", "sub"}, []string{t2.Ancestors()[0].Name, t2.Ancestors()[1].Name})
	assert.Equal(t, filepath.Join(app.WriteDirectory(), "sub", "t2"), t2.WriteDirectory())

	_, err = arena.FindTest("A", "sub")
	assert.Error(t, err)
}

func TestBuildSuiteFilters(t *testing.T) {
	t.Run("name filter", func(t *testing.T) {
		arena, app := buildFixture(t, basicTree)
		root, err := arena.BuildSuite(app, BuildOptions{Filters: []Filter{NewTestNameFilter("t2")}, ForTestRuns: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"sub/t2"}, relPaths(arena.TestCases(root)))
	})
	t.Run("empty suite dropped for runs", func(t *testing.T) {
		arena, app := buildFixture(t, basicTree)
		root, err := arena.BuildSuite(app, BuildOptions{Filters: []Filter{NewTestNameFilter("zzz")}, ForTestRuns: true})
		require.NoError(t, err)
		assert.Nil(t, root)
		assert.Equal(t, 0, arena.Len())
	})
	t.Run("empty suite kept otherwise", func(t *testing.T) {
		arena, app := buildFixture(t, basicTree)
		root, err := arena.BuildSuite(app, BuildOptions{Filters: []Filter{NewTestNameFilter("zzz")}})
		require.NoError(t, err)
		require.NotNil(t, root)
		children := root.Children()
		require.Len(t, children, 1)
		assert.Equal(t, "sub", children[0].Name)
		assert.Empty(t, arena.TestCases(root))
	})
	t.Run("path filter", func(t *testing.T) {
		arena, app := buildFixture(t, basicTree)
		root, err := arena.BuildSuite(app, BuildOptions{Filters: []Filter{NewTestPathFilter("sub/t2")}, ForTestRuns: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"sub/t2"}, relPaths(arena.TestCases(root)))
	})
}

func TestBuildSuiteAutoSort(t *testing.T) {
	files := map[string]string{}
	for k, v := range basicTree {
		files[k] = v
	}
	files["config.A"] = "executable: run.sh\nauto_sort_test_suites: -1\n"
	arena, app := buildFixture(t, files)
	root, err := arena.BuildSuite(app, BuildOptions{ForTestRuns: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "missing", "sub/t2"}, relPaths(arena.TestCases(root)))
}

func TestEnvironmentSelfReference(t *testing.T) {
	env := map[string]string{"X": "a", "GONE": "1"}
	ApplyEnvironment(env, []EnvEntry{
		{Key: "X", Value: "$X:b"},
		{Key: "X", Value: "${X}:c"},
		{Key: "GONE", Value: ClearValue},
	})
	assert.Equal(t, "a:b:c", env["X"])
	_, ok := env["GONE"]
	assert.False(t, ok)
}

func TestChangeStateNotifications(t *testing.T) {
	app := testApp("A")
	arena := NewArena(nil)
	obs := &recordingObserver{}
	arena.SetObserver(obs)
	root, err := arena.Add(&Node{Kind: KindSuite, Name: "A", App: app}, NoNode)
	require.NoError(t, err)
	tc, err := arena.Add(&Node{Kind: KindCase, Name: "t1", App: app, RelPath: "t1"}, root.ID)
	require.NoError(t, err)

	assert.True(t, arena.ChangeState(tc, types.Running([]string{"host"})))
	assert.True(t, arena.ChangeState(tc, types.Succeeded(nil, []string{"host"})))
	arena.ActionsCompleted(tc)
	assert.False(t, arena.ChangeState(tc, types.Running([]string{"host"})), "complete state must not be replaced")
	arena.ActionsCompleted(tc)

	assert.Equal(t, []string{"lifecycle:start", "lifecycle:complete", "complete"}, obs.kinds())
	assert.True(t, tc.State().IsComplete())
	assert.True(t, arena.CompleteNotified(tc))
}

func TestMarkUnmarkRestoresExactState(t *testing.T) {
	app := testApp("A")
	arena := NewArena(nil)
	obs := &recordingObserver{}
	arena.SetObserver(obs)
	tc, err := arena.Add(&Node{Kind: KindCase, Name: "t1", App: app, RelPath: "t1"}, NoNode)
	require.NoError(t, err)

	require.Error(t, arena.Mark(tc, "checked", "looked at it"))
	arena.ChangeState(tc, types.Failed("differences", "output differs", nil, nil))
	arena.ActionsCompleted(tc)
	before := tc.State()

	require.NoError(t, arena.Mark(tc, "checked", "looked at it"))
	assert.Equal(t, types.CategoryMarked, tc.State().Category)
	require.NoError(t, arena.Unmark(tc))
	assert.Same(t, before, tc.State())
	assert.Equal(t, types.ChangeComplete, tc.State().LifecycleChange)

	last := obs.events[len(obs.events)-1]
	assert.Equal(t, types.ChangeUnmarked, last.change)
	assert.Same(t, before, last.state)
	assert.Error(t, arena.Unmark(tc))
}

func TestSaveKeepsCategory(t *testing.T) {
	app := testApp("A")
	arena := NewArena(nil)
	tc, err := arena.Add(&Node{Kind: KindCase, Name: "t1", App: app, RelPath: "t1"}, NoNode)
	require.NoError(t, err)
	require.Error(t, arena.Save(tc, nil))

	arena.ChangeState(tc, types.Failed("differences", "", nil, nil))
	comps := []types.FileComparison{{Stem: "output", Status: types.ComparisonEqual}}
	require.NoError(t, arena.Save(tc, comps))
	assert.Equal(t, types.CategoryFailure, tc.State().Category)
	assert.Equal(t, types.ChangeSaved, tc.State().LifecycleChange)
	assert.Equal(t, comps, tc.State().Comparisons)
}

func TestRenameRepositionAndSort(t *testing.T) {
	arena, app := buildFixture(t, basicTree)
	root, err := arena.BuildSuite(app, BuildOptions{})
	require.NoError(t, err)

	t1 := arena.Lookup(Key{App: "A", RelPath: "t1"})
	require.NotNil(t, t1)
	require.NoError(t, arena.RenameTest(t1, "t9"))
	assert.Nil(t, arena.Lookup(Key{App: "A", RelPath: "t1"}))
	assert.Same(t, t1, arena.Lookup(Key{App: "A", RelPath: "t9"}))
	assert.DirExists(t, filepath.Join(app.Dir, "t9"))

	sf, err := ReadSuiteFile(root.SuiteFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"t9", "sub", "missing"}, sf.Names())

	require.NoError(t, arena.RepositionTest(t1, 2))
	assert.Equal(t, []string{"sub/t2", "missing", "t9"}, relPaths(arena.TestCases(root)))

	require.NoError(t, arena.SortSuite(root, false))
	assert.Equal(t, []string{"missing", "t9", "sub/t2"}, relPaths(arena.TestCases(root)))
	sf, err = ReadSuiteFile(root.SuiteFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing", "t9", "sub"}, sf.Names())

	sub := arena.Lookup(Key{App: "A", RelPath: "sub"})
	require.NoError(t, arena.RenameTest(sub, "nested"))
	assert.NotNil(t, arena.Lookup(Key{App: "A", RelPath: "nested/t2"}))
}

func TestRemoveTest(t *testing.T) {
	arena, app := buildFixture(t, basicTree)
	obs := &recordingObserver{}
	arena.SetObserver(obs)
	root, err := arena.BuildSuite(app, BuildOptions{})
	require.NoError(t, err)

	missing := arena.Lookup(Key{App: "A", RelPath: "missing"})
	require.NoError(t, arena.RemoveTest(missing))
	assert.Nil(t, arena.Lookup(Key{App: "A", RelPath: "missing"}))
	assert.Equal(t, []string{"t1", "sub/t2"}, relPaths(arena.TestCases(root)))
	assert.Equal(t, []string{"remove"}, obs.kinds())

	assert.Error(t, arena.RemoveTest(root))
}

func TestAddTestWithPath(t *testing.T) {
	arena, app := buildFixture(t, basicTree)
	root, err := arena.BuildSuite(app, BuildOptions{Filters: []Filter{NewTestPathFilter("t1")}, ForTestRuns: true})
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, relPaths(arena.TestCases(root)))

	t2, created, err := arena.AddTestWithPath(root, "sub/t2", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub", "sub/t2"}, relPaths(created))
	assert.True(t, t2.IsCase())
	assert.Equal(t, "root/sub", t2.Environment()["SUBVAR"])
	assert.Equal(t, []string{"t1", "sub/t2"}, relPaths(arena.TestCases(root)))

	again, created, err := arena.AddTestWithPath(root, "sub/t2", BuildOptions{})
	require.NoError(t, err)
	assert.Same(t, t2, again)
	assert.Empty(t, created)

	_, _, err = arena.AddTestWithPath(root, "sub", BuildOptions{})
	assert.Error(t, err)
	_, _, err = arena.AddTestWithPath(root, "t1/deeper", BuildOptions{})
	assert.Error(t, err)
}
