package responder

import (
	"slices"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// Event is a lifecycle change as seen by status API clients
type Event struct {
	App       string         `json:"app"`
	Path      string         `json:"path"`
	Name      string         `json:"name"`
	Change    string         `json:"change"`
	Category  types.Category `json:"category"`
	BriefText string         `json:"brief_text,omitempty"`
	Time      time.Time      `json:"time"`
}

// TestStatus is the latest known state of one test
type TestStatus struct {
	App   string           `json:"app"`
	Path  string           `json:"path"`
	Name  string           `json:"name"`
	State *types.TestState `json:"state"`
}

const subscriberBuffer = 64

// Tracker keeps the latest state of every test and forwards lifecycle
// changes to event subscribers. Slow subscribers lose events.
type Tracker struct {
	mu          sync.RWMutex
	order       []model.Key
	tests       map[model.Key]*TestStatus
	subscribers map[int]chan Event
	nextSub     int
}

func NewTracker() *Tracker {
	return &Tracker{
		tests:       make(map[model.Key]*TestStatus),
		subscribers: make(map[int]chan Event),
	}
}

func (tr *Tracker) NotifyAdd(t *model.Node, initial bool) {
	if !t.IsCase() {
		return
	}
	tr.record(t, t.State())
}

func (tr *Tracker) NotifyRemove(t *model.Node) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	key := t.Key()
	delete(tr.tests, key)
	tr.order = slices.DeleteFunc(tr.order, func(k model.Key) bool { return k == key })
}

func (tr *Tracker) NotifyLifecycleChange(t *model.Node, state *types.TestState, change string) {
	tr.record(t, state)
	ev := Event{
		App:       t.App.Description(),
		Path:      t.RelPath,
		Name:      t.UniqueName(),
		Change:    change,
		Category:  state.Category,
		BriefText: state.BriefText,
		Time:      time.Now(),
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	for _, ch := range tr.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (tr *Tracker) record(t *model.Node, state *types.TestState) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	key := t.Key()
	if _, ok := tr.tests[key]; !ok {
		tr.order = append(tr.order, key)
	}
	tr.tests[key] = &TestStatus{App: key.App, Path: key.RelPath, Name: t.UniqueName(), State: state}
}

// Tests returns the latest states in the order tests were first seen
func (tr *Tracker) Tests() []TestStatus {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]TestStatus, 0, len(tr.order))
	for _, k := range tr.order {
		out = append(out, *tr.tests[k])
	}
	return out
}

func (tr *Tracker) Test(app, path string) (TestStatus, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	st, ok := tr.tests[model.Key{App: app, RelPath: path}]
	if !ok {
		return TestStatus{}, false
	}
	return *st, true
}

// Subscribe returns a channel of future events and a function to stop them
func (tr *Tracker) Subscribe() (<-chan Event, func()) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	id := tr.nextSub
	tr.nextSub++
	ch := make(chan Event, subscriberBuffer)
	tr.subscribers[id] = ch
	return ch, func() {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		if _, ok := tr.subscribers[id]; ok {
			delete(tr.subscribers, id)
			close(ch)
		}
	}
}
