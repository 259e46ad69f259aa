package runner

import (
	"cmp"
	"slices"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/model"
)

type teardown struct {
	suite   *model.Node
	actions []action.Action
}

// scope tracks which suites execution is inside and which actions have set
// them up. A suite left while one of its tests is requeued stays set up until
// that test has finished.
type scope struct {
	log log.Logger

	entered  []*model.Node
	pending  map[*model.Node][]action.Action
	setUp    map[*model.Node][]action.Action
	held     map[*model.Node]int
	deferred []*model.Node
}

func newScope(logger log.Logger) *scope {
	return &scope{
		log:     logger,
		pending: make(map[*model.Node][]action.Action),
		setUp:   make(map[*model.Node][]action.Action),
		held:    make(map[*model.Node]int),
	}
}

// hold keeps the suites above t set up while t waits in the queue
func (s *scope) hold(t *model.Node) {
	for _, a := range t.Ancestors() {
		s.held[a]++
	}
}

func (s *scope) release(t *model.Node) {
	for _, a := range t.Ancestors() {
		if s.held[a]--; s.held[a] <= 0 {
			delete(s.held, a)
		}
	}
}

// enter moves execution to t. Suites on t's path not yet entered need set-up
// by every action of pipeline; the suites that can now be torn down are
// returned leaf first.
func (s *scope) enter(t *model.Node, pipeline action.Pipeline) []teardown {
	path := t.Ancestors()
	common := 0
	for common < len(s.entered) && common < len(path) && s.entered[common] == path[common] {
		common++
	}
	for _, left := range s.entered[common:] {
		if !slices.Contains(s.deferred, left) {
			s.deferred = append(s.deferred, left)
		}
	}
	for _, suite := range path[common:] {
		if i := slices.Index(s.deferred, suite); i >= 0 {
			s.deferred = slices.Delete(s.deferred, i, i+1)
			continue
		}
		s.pending[suite] = slices.Clone(pipeline)
	}
	s.entered = path

	var ready []*model.Node
	s.deferred = slices.DeleteFunc(s.deferred, func(suite *model.Node) bool {
		if s.held[suite] > 0 {
			return false
		}
		ready = append(ready, suite)
		return true
	})
	return s.tearDown(ready)
}

// exitAll returns every suite still set up, leaf first
func (s *scope) exitAll() []teardown {
	suites := append(s.deferred, s.entered...)
	s.deferred, s.entered = nil, nil
	return s.tearDown(suites)
}

func (s *scope) tearDown(suites []*model.Node) []teardown {
	depth := make(map[*model.Node]int, len(suites))
	for _, suite := range suites {
		depth[suite] = len(suite.Ancestors())
	}
	slices.SortStableFunc(suites, func(a, b *model.Node) int {
		return cmp.Compare(depth[b], depth[a])
	})
	var out []teardown
	for _, suite := range suites {
		actions := s.setUp[suite]
		delete(s.setUp, suite)
		delete(s.pending, suite)
		if len(actions) == 0 {
			continue
		}
		s.log.Debug("Leaving suite", "suite", suite.Key())
		out = append(out, teardown{suite: suite, actions: actions})
	}
	return out
}

// pendingSetUps returns, root first, the suites above t still waiting for a
// to set them up and records them as set up by a.
func (s *scope) pendingSetUps(t *model.Node, a action.Action) []*model.Node {
	var due []*model.Node
	for _, suite := range t.Ancestors() {
		actions := s.pending[suite]
		i := slices.Index(actions, a)
		if i < 0 {
			continue
		}
		s.pending[suite] = slices.Delete(actions, i, i+1)
		s.setUp[suite] = append(s.setUp[suite], a)
		due = append(due, suite)
	}
	return due
}
