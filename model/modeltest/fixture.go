// Package modeltest builds test trees on disk for tests of packages that
// consume the model.
package modeltest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/config"
	"github.com/ethereum-optimism/infra/op-regress/model"
)

// TwoApps is a root with applications A and B, each with tests t1 and t2
var TwoApps = map[string]string{
	"config.A":    "executable: run.sh\n",
	"config.B":    "executable: run.sh\n",
	"testsuite.A": "t1\nt2\n",
	"testsuite.B": "t1\nt2\n",
	"t1/":         "",
	"t2/":         "",
}

// Fixture is a loaded and built test tree
type Fixture struct {
	Root   string
	Tmp    string
	Arena  *model.Arena
	Apps   []*model.Application
	Suites []*model.Node
}

type options struct {
	load     func(*model.LoadOptions)
	defaults func(app string, store *config.Store)
	build    model.BuildOptions
}

type Option func(*options)

// WithLoadOptions adjusts the options used to load applications
func WithLoadOptions(fn func(*model.LoadOptions)) Option {
	return func(o *options) { o.load = fn }
}

// WithDefaults registers extra configuration defaults
func WithDefaults(fn func(app string, store *config.Store)) Option {
	return func(o *options) { o.defaults = fn }
}

func WithBuildOptions(b model.BuildOptions) Option {
	return func(o *options) { o.build = b }
}

// WriteTree creates files under root; names ending in "/" are directories.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(p, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

// Build writes files to a fresh root, loads every application and builds
// its suite for test runs.
func Build(t testing.TB, files map[string]string, opts ...Option) *Fixture {
	t.Helper()
	o := &options{build: model.BuildOptions{ForTestRuns: true}}
	for _, opt := range opts {
		opt(o)
	}
	f := &Fixture{Root: t.TempDir(), Tmp: t.TempDir(), Arena: model.NewArena(nil)}
	WriteTree(t, f.Root, files)

	lo := model.LoadOptions{
		Roots:    []string{f.Root},
		TmpRoot:  f.Tmp,
		RunTag:   "test",
		Defaults: o.defaults,
	}
	if o.load != nil {
		o.load(&lo)
	}
	apps, errs := model.LoadApplications(lo)
	require.Empty(t, errs)
	for _, app := range apps {
		for _, a := range app.AllApplications() {
			f.Apps = append(f.Apps, a)
			suite, err := f.Arena.BuildSuite(a, o.build)
			require.NoError(t, err)
			if suite != nil {
				f.Suites = append(f.Suites, suite)
			}
		}
	}
	require.NoError(t, f.Arena.AssignUniqueNames(f.Cases()))
	return f
}

// Cases returns every test case in suite order
func (f *Fixture) Cases() []*model.Node {
	var cases []*model.Node
	for _, s := range f.Suites {
		cases = append(cases, f.Arena.TestCases(s)...)
	}
	return cases
}

// Test returns the case at path for the application description app
func (f *Fixture) Test(t testing.TB, app, path string) *model.Node {
	t.Helper()
	n, err := f.Arena.FindTest(app, path)
	require.NoError(t, err)
	return n
}

// App returns the application with description desc
func (f *Fixture) App(t testing.TB, desc string) *model.Application {
	t.Helper()
	for _, a := range f.Apps {
		if a.Description() == desc {
			return a
		}
	}
	require.FailNow(t, "no application "+desc)
	return nil
}

type adder interface {
	NotifyAdd(t *model.Node, initial bool)
}

// Announce adds every suite and case to the observer in tree order
func (f *Fixture) Announce(obs adder) {
	for _, s := range f.Suites {
		f.announce(obs, s)
	}
}

func (f *Fixture) announce(obs adder, n *model.Node) {
	obs.NotifyAdd(n, true)
	for _, c := range n.Children() {
		f.announce(obs, c)
	}
}
