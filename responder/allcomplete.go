package responder

import (
	"sync"

	"github.com/ethereum-optimism/infra/op-regress/model"
)

// AllCompleteResponder announces notify_all_complete exactly once: after all
// tests have been read and every test case added has completed.
type AllCompleteResponder struct {
	bus *Bus

	mu          sync.Mutex
	outstanding map[*model.Node]bool
	allRead     bool
	fired       bool
}

func NewAllCompleteResponder(bus *Bus) *AllCompleteResponder {
	return &AllCompleteResponder{bus: bus, outstanding: make(map[*model.Node]bool)}
}

func (r *AllCompleteResponder) trailing() {}

func (r *AllCompleteResponder) NotifyAdd(t *model.Node, initial bool) {
	if !t.IsCase() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.Arena().CompleteNotified(t) {
		r.outstanding[t] = true
	}
}

func (r *AllCompleteResponder) NotifyComplete(t *model.Node) {
	r.settle(t)
}

func (r *AllCompleteResponder) NotifyRemove(t *model.Node) {
	r.settle(t)
}

func (r *AllCompleteResponder) NotifyAllRead() {
	r.mu.Lock()
	r.allRead = true
	r.mu.Unlock()
	r.check()
}

// Outstanding returns the number of cases still to complete
func (r *AllCompleteResponder) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}

func (r *AllCompleteResponder) settle(t *model.Node) {
	r.mu.Lock()
	delete(r.outstanding, t)
	r.mu.Unlock()
	r.check()
}

func (r *AllCompleteResponder) check() {
	r.mu.Lock()
	fire := r.allRead && len(r.outstanding) == 0 && !r.fired
	if fire {
		r.fired = true
	}
	r.mu.Unlock()
	if fire {
		r.bus.NotifyAllComplete()
	}
}
