package model

import (
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethereum-optimism/infra/op-regress/dircache"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

const (
	SuiteFileStem   = "testsuite"
	EnvironmentStem = "environment"
	OptionsStem     = "options"
)

// BuildOptions controls suite construction
type BuildOptions struct {
	Filters []Filter
	// ForTestRuns drops suites left empty by the filters
	ForTestRuns bool
	// Environment returns extra assignments applied after a node's environment files
	Environment func(n *Node) []EnvEntry
}

// BuildSuite reads the test tree of app into the arena and returns its root
// suite. It returns nil when ForTestRuns is set and no test survives the filters.
func (a *Arena) BuildSuite(app *Application, opts BuildOptions) (*Node, error) {
	root := &Node{
		Kind: KindSuite,
		Name: app.Name,
		App:  app,
		Dir:  app.Dir,
	}
	if !acceptsSuite(opts.Filters, root) {
		return nil, nil
	}
	if err := a.prepareNode(root, opts); err != nil {
		return nil, err
	}
	root.SuiteFile = app.FileWithStem(app.Dir, SuiteFileStem)
	if _, err := a.Add(root, NoNode); err != nil {
		return nil, err
	}
	if err := a.fillSuite(root, opts); err != nil {
		a.discard(root)
		return nil, err
	}
	if opts.ForTestRuns && len(root.children) == 0 {
		a.discard(root)
		return nil, nil
	}
	return root, nil
}

func (a *Arena) fillSuite(suite *Node, opts BuildOptions) error {
	if suite.SuiteFile == "" {
		return nil
	}
	sf, err := ReadSuiteFile(suite.SuiteFile)
	if err != nil {
		return types.NewConfigurationError(suite.App.Description(), "%w", err)
	}
	app := suite.App
	for _, name := range sf.Names() {
		child := &Node{
			Name:    name,
			App:     app,
			Dir:     filepath.Join(suite.Dir, name),
			RelPath: path.Join(suite.RelPath, name),
		}
		if index := app.FileWithStem(child.Dir, SuiteFileStem); index != "" {
			child.Kind = KindSuite
			child.SuiteFile = index
			if !acceptsSuite(opts.Filters, child) {
				continue
			}
			if err := a.addChild(suite, child, opts); err != nil {
				return err
			}
			if err := a.fillSuite(child, opts); err != nil {
				return err
			}
			if opts.ForTestRuns && len(child.children) == 0 {
				a.discard(child)
			}
			continue
		}

		child.Kind = KindCase
		if !acceptsCase(opts.Filters, child) {
			continue
		}
		if !app.Cache(suite.Dir).Exists(name) {
			child.state = types.Unrunnable("No such test: "+child.Dir, "NONEXISTENT", nil)
		}
		if err := a.addChild(suite, child, opts); err != nil {
			return err
		}
	}
	a.autoSort(suite)
	return nil
}

func (a *Arena) addChild(parent, child *Node, opts BuildOptions) error {
	if err := a.prepareNode(child, opts); err != nil {
		return err
	}
	_, err := a.Add(child, parent.ID)
	return err
}

// prepareNode reads the node's environment files, least specific first.
func (a *Arena) prepareNode(n *Node, opts BuildOptions) error {
	files := n.App.FilesWithStem(n.Dir, EnvironmentStem, dircache.Strict)
	for i := len(files) - 1; i >= 0; i-- {
		entries, err := ReadEnvironmentFile(files[i].Path)
		if err != nil {
			return types.NewConfigurationError(n.App.Description(), "%w", err)
		}
		n.Env = append(n.Env, entries...)
	}
	if opts.Environment != nil {
		n.Env = append(n.Env, opts.Environment(n)...)
	}
	return nil
}

func (a *Arena) autoSort(suite *Node) {
	order := suite.App.Config.Int("auto_sort_test_suites")
	if order == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	slices.SortStableFunc(suite.children, func(x, y NodeID) int {
		nx, ny := a.nodes[x], a.nodes[y]
		isSuite := func(name string) bool {
			if name == nx.Name {
				return nx.IsSuite()
			}
			return ny.IsSuite()
		}
		return compareChildren(nx.Name, ny.Name, order < 0, isSuite)
	})
}

// FindTest resolves "app.ver:path" style identifiers against the arena.
func (a *Arena) FindTest(appDesc, relPath string) (*Node, error) {
	t := a.Lookup(Key{App: appDesc, RelPath: relPath})
	if t == nil || !t.IsCase() {
		return nil, fmt.Errorf("no test %s:%s", appDesc, relPath)
	}
	return t, nil
}

// AddTestWithPath adds the test case at relPath under root, creating the
// suites between them, and returns it with the nodes that were created in
// tree order. Nodes already in the arena are reused.
func (a *Arena) AddTestWithPath(root *Node, relPath string, opts BuildOptions) (*Node, []*Node, error) {
	if root == nil || !root.IsSuite() {
		return nil, nil, fmt.Errorf("no root suite to add %s to", relPath)
	}
	app := root.App
	parent := root
	var created []*Node
	parts := strings.Split(path.Clean(relPath), "/")
	for i, name := range parts {
		rel := path.Join(parent.RelPath, name)
		if n := a.Lookup(Key{App: app.Description(), RelPath: rel}); n != nil {
			if n.IsCase() && i < len(parts)-1 {
				return nil, created, fmt.Errorf("%s is not a test suite", rel)
			}
			parent = n
			continue
		}
		child := &Node{
			Kind:    KindCase,
			Name:    name,
			App:     app,
			Dir:     filepath.Join(parent.Dir, name),
			RelPath: rel,
		}
		if index := app.FileWithStem(child.Dir, SuiteFileStem); index != "" {
			child.Kind = KindSuite
			child.SuiteFile = index
		}
		last := i == len(parts)-1
		if last && !child.IsCase() {
			return nil, created, fmt.Errorf("%s is not a test case", rel)
		}
		if !last && child.IsCase() {
			return nil, created, fmt.Errorf("%s is not a test suite", rel)
		}
		if child.IsCase() && !app.Cache(parent.Dir).Exists(name) {
			child.state = types.Unrunnable("No such test: "+child.Dir, "NONEXISTENT", nil)
		}
		if err := a.addChild(parent, child, opts); err != nil {
			return nil, created, err
		}
		created = append(created, child)
		parent = child
	}
	if !parent.IsCase() {
		return nil, created, fmt.Errorf("%s is not a test case", relPath)
	}
	return parent, created, nil
}
