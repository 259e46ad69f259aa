package model

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

// NodeID is a stable index into an Arena
type NodeID int

// NoNode is the parent of a root suite
const NoNode NodeID = -1

type Kind int

const (
	KindSuite Kind = iota
	KindCase
)

// Key identifies a node across processes: application description plus the
// path relative to the application root.
type Key struct {
	App     string
	RelPath string
}

func (k Key) String() string {
	return k.App + ":" + k.RelPath
}

// Observer receives model notifications. The responder bus implements it.
type Observer interface {
	NotifyAdd(t *Node, initial bool)
	NotifyRemove(t *Node)
	NotifyLifecycleChange(t *Node, state *types.TestState, change string)
	NotifyComplete(t *Node)
}

// Node is a test suite or test case held by an Arena.
type Node struct {
	ID      NodeID
	Kind    Kind
	Name    string
	App     *Application
	Dir     string
	RelPath string

	// Env holds the assignments read from this node's environment files
	Env []EnvEntry
	// SuiteFile is the index file a suite was read from
	SuiteFile string

	parent   NodeID
	children []NodeID
	arena    *Arena

	state            *types.TestState
	completeNotified bool
	uniqueName       string
}

func (n *Node) IsCase() bool  { return n.Kind == KindCase }
func (n *Node) IsSuite() bool { return n.Kind == KindSuite }

func (n *Node) Key() Key {
	return Key{App: n.App.Description(), RelPath: n.RelPath}
}

// State returns the current published state. Suites are always not started.
func (n *Node) State() *types.TestState {
	n.arena.mu.RLock()
	defer n.arena.mu.RUnlock()
	if n.state == nil {
		return types.NotStarted()
	}
	return n.state
}

// UniqueName is the name disambiguated across applications and versions
func (n *Node) UniqueName() string {
	n.arena.mu.RLock()
	defer n.arena.mu.RUnlock()
	if n.uniqueName == "" {
		return n.Name
	}
	return n.uniqueName
}

func (n *Node) WriteDirectory() string {
	return n.App.relWriteDir(n.RelPath)
}

// ChangeState publishes s through the owning arena
func (n *Node) ChangeState(s *types.TestState) bool {
	return n.arena.ChangeState(n, s)
}

// Arena returns the arena that owns n
func (n *Node) Arena() *Arena {
	return n.arena
}

func (n *Node) Parent() *Node {
	return n.arena.Node(n.parent)
}

func (n *Node) Children() []*Node {
	return n.arena.Children(n)
}

// Ancestors returns the suites above n, root first
func (n *Node) Ancestors() []*Node {
	return n.arena.Ancestors(n)
}

// Environment returns the effective environment: the process environment
// overlaid by every ancestor's assignments, root first, then n's own.
func (n *Node) Environment() map[string]string {
	env := ProcessEnvironment()
	for _, a := range n.Ancestors() {
		ApplyEnvironment(env, a.Env)
	}
	ApplyEnvironment(env, n.Env)
	return env
}

// Arena owns every node of a run. Parent links are IDs into the arena and a
// second index maps unique names to nodes.
type Arena struct {
	mu       sync.RWMutex
	nodes    []*Node
	keys     map[Key]NodeID
	unique   map[string]NodeID
	observer Observer
	log      log.Logger
}

func NewArena(logger log.Logger) *Arena {
	if logger == nil {
		logger = log.New()
	}
	return &Arena{
		keys:   make(map[Key]NodeID),
		unique: make(map[string]NodeID),
		log:    logger.New("component", "arena"),
	}
}

func (a *Arena) SetObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observer = o
}

// Add registers n under parent and returns it with its ID assigned.
func (a *Arena) Add(n *Node, parent NodeID) (*Node, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := n.Key()
	if _, ok := a.keys[key]; ok {
		return nil, fmt.Errorf("duplicate test %s", key)
	}
	n.ID = NodeID(len(a.nodes))
	n.parent = parent
	n.arena = a
	if n.IsCase() && n.state == nil {
		n.state = types.NotStarted()
	}
	a.nodes = append(a.nodes, n)
	a.keys[key] = n.ID
	if p := a.nodeLocked(parent); p != nil {
		p.children = append(p.children, n.ID)
	}
	return n, nil
}

// discard forgets a subtree without notifying the observer
func (a *Arena) discard(n *Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discardLocked(n)
}

func (a *Arena) discardLocked(n *Node) {
	for _, c := range slices.Clone(n.children) {
		a.discardLocked(a.nodes[c])
	}
	if p := a.nodeLocked(n.parent); p != nil {
		p.children = slices.DeleteFunc(p.children, func(id NodeID) bool { return id == n.ID })
	}
	delete(a.keys, n.Key())
	if n.uniqueName != "" {
		delete(a.unique, n.uniqueName)
	}
	a.nodes[n.ID] = nil
}

func (a *Arena) Node(id NodeID) *Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeLocked(id)
}

func (a *Arena) nodeLocked(id NodeID) *Node {
	if id < 0 || int(id) >= len(a.nodes) {
		return nil
	}
	return a.nodes[id]
}

func (a *Arena) Lookup(key Key) *Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id, ok := a.keys[key]; ok {
		return a.nodes[id]
	}
	return nil
}

func (a *Arena) LookupUnique(name string) *Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id, ok := a.unique[name]; ok {
		return a.nodes[id]
	}
	return nil
}

func (a *Arena) Children(n *Node) []*Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	children := make([]*Node, 0, len(n.children))
	for _, id := range n.children {
		children = append(children, a.nodes[id])
	}
	return children
}

func (a *Arena) Ancestors(n *Node) []*Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var chain []*Node
	for p := a.nodeLocked(n.parent); p != nil; p = a.nodeLocked(p.parent) {
		chain = append(chain, p)
	}
	slices.Reverse(chain)
	return chain
}

// TestCases returns the cases under root in tree order
func (a *Arena) TestCases(root *Node) []*Node {
	if root.IsCase() {
		return []*Node{root}
	}
	var cases []*Node
	for _, c := range a.Children(root) {
		cases = append(cases, a.TestCases(c)...)
	}
	return cases
}

// Len returns the number of live nodes
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// ChangeState publishes s for t. A complete state is never replaced by an
// incomplete one; such changes are refused and false is returned.
func (a *Arena) ChangeState(t *Node, s *types.TestState) bool {
	a.mu.Lock()
	if t.state.IsComplete() && !s.IsComplete() {
		a.mu.Unlock()
		a.log.Warn("Refusing to replace a complete state", "test", t.Key(), "old", t.state, "new", s)
		return false
	}
	t.state = s
	notifyComplete := s.LifecycleChange == types.ChangeComplete && !t.completeNotified
	if notifyComplete {
		t.completeNotified = true
	}
	obs := a.observer
	a.mu.Unlock()

	if obs == nil {
		return true
	}
	if s.LifecycleChange != "" {
		obs.NotifyLifecycleChange(t, s, s.LifecycleChange)
	}
	if notifyComplete {
		obs.NotifyComplete(t)
	}
	return true
}

// ActionsCompleted is called when the pipeline has finished with t. A complete
// state without a lifecycle change is republished with the complete change.
func (a *Arena) ActionsCompleted(t *Node) {
	s := t.State()
	if !s.IsComplete() {
		return
	}
	if s.LifecycleChange == "" {
		a.ChangeState(t, s.WithLifecycleChange(types.ChangeComplete))
		return
	}
	a.mu.Lock()
	notify := !t.completeNotified
	t.completeNotified = true
	obs := a.observer
	a.mu.Unlock()
	if notify && obs != nil {
		obs.NotifyComplete(t)
	}
}

// CompleteNotified reports whether notify_complete has been delivered for t
func (a *Arena) CompleteNotified(t *Node) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return t.completeNotified
}

func (a *Arena) Mark(t *Node, brief, freeText string) error {
	marked, err := types.Mark(t.State(), brief, freeText)
	if err != nil {
		return err
	}
	a.ChangeState(t, marked)
	return nil
}

// Unmark restores the exact state that was marked and announces it as unmarked.
func (a *Arena) Unmark(t *Node) error {
	prev, err := types.Unmark(t.State())
	if err != nil {
		return err
	}
	a.mu.Lock()
	t.state = prev
	obs := a.observer
	a.mu.Unlock()
	if obs != nil {
		obs.NotifyLifecycleChange(t, prev, types.ChangeUnmarked)
	}
	return nil
}

func (a *Arena) Save(t *Node, comparisons []types.FileComparison) error {
	saved, err := types.Save(t.State(), comparisons)
	if err != nil {
		return err
	}
	a.ChangeState(t, saved)
	return nil
}

func (a *Arena) parentSuiteFile(t *Node) (*Node, *SuiteFile, error) {
	parent := t.Parent()
	if parent == nil {
		return nil, nil, fmt.Errorf("cannot edit the root suite of %s", t.App)
	}
	if parent.SuiteFile == "" {
		return nil, nil, fmt.Errorf("suite %s has no index file", parent.Key())
	}
	sf, err := ReadSuiteFile(parent.SuiteFile)
	if err != nil {
		return nil, nil, err
	}
	return parent, sf, nil
}

// RenameTest renames t on disk and in its suite index file.
func (a *Arena) RenameTest(t *Node, newName string) error {
	parent, sf, err := a.parentSuiteFile(t)
	if err != nil {
		return err
	}
	if !sf.Rename(t.Name, newName) {
		return fmt.Errorf("cannot rename %s to %s in %s", t.Name, newName, sf.Path)
	}
	newDir := filepath.Join(parent.Dir, newName)
	if _, err := os.Stat(t.Dir); err == nil {
		if err := os.Rename(t.Dir, newDir); err != nil {
			return fmt.Errorf("failed to rename test directory: %w", err)
		}
	}
	if err := sf.Write(); err != nil {
		return err
	}
	t.App.Cache(parent.Dir).Refresh()

	a.mu.Lock()
	t.Name = newName
	a.relocateLocked(t, newDir, path.Join(parent.RelPath, newName))
	a.mu.Unlock()
	return nil
}

func (a *Arena) relocateLocked(n *Node, dir, relPath string) {
	delete(a.keys, n.Key())
	n.Dir = dir
	n.RelPath = relPath
	if n.SuiteFile != "" {
		n.SuiteFile = filepath.Join(dir, filepath.Base(n.SuiteFile))
	}
	a.keys[n.Key()] = n.ID
	for _, c := range n.children {
		child := a.nodes[c]
		a.relocateLocked(child, filepath.Join(dir, child.Name), path.Join(relPath, child.Name))
	}
}

// RepositionTest moves t to index among its siblings and rewrites the index file.
func (a *Arena) RepositionTest(t *Node, index int) error {
	parent, sf, err := a.parentSuiteFile(t)
	if err != nil {
		return err
	}
	if !sf.Reposition(t.Name, index) {
		return fmt.Errorf("cannot move %s to position %d in %s", t.Name, index, sf.Path)
	}
	if err := sf.Write(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reorderLocked(parent, sf)
	return nil
}

// RemoveTest drops t from its suite index file and from the arena.
func (a *Arena) RemoveTest(t *Node) error {
	_, sf, err := a.parentSuiteFile(t)
	if err != nil {
		return err
	}
	if !sf.Remove(t.Name) {
		return fmt.Errorf("%s is not listed in %s", t.Name, sf.Path)
	}
	if err := sf.Write(); err != nil {
		return err
	}
	a.mu.Lock()
	a.discardLocked(t)
	obs := a.observer
	a.mu.Unlock()
	if obs != nil {
		obs.NotifyRemove(t)
	}
	return nil
}

// SortSuite sorts the index file of s alphabetically, cases first.
func (a *Arena) SortSuite(s *Node, descending bool) error {
	if s.SuiteFile == "" {
		return fmt.Errorf("suite %s has no index file", s.Key())
	}
	sf, err := ReadSuiteFile(s.SuiteFile)
	if err != nil {
		return err
	}
	sf.Sort(descending, a.suiteChildPredicate(s))
	if err := sf.Write(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reorderLocked(s, sf)
	return nil
}

func (a *Arena) suiteChildPredicate(s *Node) func(string) bool {
	children := a.Children(s)
	return func(name string) bool {
		for _, c := range children {
			if c.Name == name {
				return c.IsSuite()
			}
		}
		return false
	}
}

func (a *Arena) reorderLocked(s *Node, sf *SuiteFile) {
	names := sf.Names()
	slices.SortStableFunc(s.children, func(x, y NodeID) int {
		return slices.Index(names, a.nodes[x].Name) - slices.Index(names, a.nodes[y].Name)
	})
}
