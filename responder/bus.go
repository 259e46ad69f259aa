// Package responder delivers test notifications to subscribed responders.
//
// A responder implements any subset of the notifier interfaces below. Direct
// subscribers are called synchronously on the caller's goroutine, in
// subscription order, except that the all-complete responder always sees a
// notification after every other direct subscriber. Queued subscribers
// receive the same notifications in the same order on the goroutine running
// Bus.Run.
package responder

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

type SuitesAdder interface {
	AddSuites(suites []*model.Node)
}

type AddNotifier interface {
	NotifyAdd(t *model.Node, initial bool)
}

type RemoveNotifier interface {
	NotifyRemove(t *model.Node)
}

type LifecycleNotifier interface {
	NotifyLifecycleChange(t *model.Node, state *types.TestState, change string)
}

type CompleteNotifier interface {
	NotifyComplete(t *model.Node)
}

type AllReadNotifier interface {
	NotifyAllRead()
}

type AllCompleteNotifier interface {
	NotifyAllComplete()
}

type StatusNotifier interface {
	NotifyStatus(text string)
}

type KillNotifier interface {
	NotifyKillProcesses(reason string)
}

type ExitNotifier interface {
	NotifyExit()
}

// RerunNotifier is told that a test asked to be run again
type RerunNotifier interface {
	NotifyRerun(t *model.Node)
}

// trailingSink is a direct sink that must run after all others, so that
// anything it announces follows the notification that caused it.
type trailingSink interface {
	trailing()
}

// Bus fans notifications out to responders. It implements model.Observer.
type Bus struct {
	mu     sync.Mutex
	direct []any
	last   []any
	queued []any

	pending *linkedlistqueue.Queue
	wake    chan struct{}
	log     log.Logger
}

var _ model.Observer = (*Bus)(nil)

func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.New()
	}
	return &Bus{
		pending: linkedlistqueue.New(),
		wake:    make(chan struct{}, 1),
		log:     logger.New("component", "bus"),
	}
}

// Subscribe installs r as a direct sink
func (b *Bus) Subscribe(r any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := r.(trailingSink); ok {
		b.last = append(b.last, r)
		return
	}
	b.direct = append(b.direct, r)
}

// SubscribeQueued installs r as a queued sink, drained by Run or Drain
func (b *Bus) SubscribeQueued(r any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, r)
}

// Run delivers queued notifications until ctx is done, then drains what is left.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.Drain()
			return
		case <-b.wake:
			b.Drain()
		}
	}
}

// Drain delivers every queued notification on the calling goroutine
func (b *Bus) Drain() {
	for {
		b.mu.Lock()
		v, ok := b.pending.Dequeue()
		b.mu.Unlock()
		if !ok {
			return
		}
		v.(func())()
	}
}

// Pending returns the number of undelivered queued notifications
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Size()
}

func (b *Bus) deliver(call func(r any)) {
	b.mu.Lock()
	direct := make([]any, 0, len(b.direct)+len(b.last))
	direct = append(append(direct, b.direct...), b.last...)
	for _, r := range b.queued {
		b.pending.Enqueue(func() { call(r) })
	}
	queued := len(b.queued) > 0
	b.mu.Unlock()

	for _, r := range direct {
		call(r)
	}
	if queued {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) AddSuites(suites []*model.Node) {
	b.deliver(func(r any) {
		if s, ok := r.(SuitesAdder); ok {
			s.AddSuites(suites)
		}
	})
}

func (b *Bus) NotifyAdd(t *model.Node, initial bool) {
	b.deliver(func(r any) {
		if s, ok := r.(AddNotifier); ok {
			s.NotifyAdd(t, initial)
		}
	})
}

func (b *Bus) NotifyRemove(t *model.Node) {
	b.deliver(func(r any) {
		if s, ok := r.(RemoveNotifier); ok {
			s.NotifyRemove(t)
		}
	})
}

func (b *Bus) NotifyLifecycleChange(t *model.Node, state *types.TestState, change string) {
	b.log.Debug("Lifecycle change", "test", t.Key(), "change", change, "state", state.Category)
	b.deliver(func(r any) {
		if s, ok := r.(LifecycleNotifier); ok {
			s.NotifyLifecycleChange(t, state, change)
		}
	})
}

func (b *Bus) NotifyComplete(t *model.Node) {
	b.deliver(func(r any) {
		if s, ok := r.(CompleteNotifier); ok {
			s.NotifyComplete(t)
		}
	})
}

func (b *Bus) NotifyAllRead() {
	b.deliver(func(r any) {
		if s, ok := r.(AllReadNotifier); ok {
			s.NotifyAllRead()
		}
	})
}

func (b *Bus) NotifyAllComplete() {
	b.log.Debug("All tests complete")
	b.deliver(func(r any) {
		if s, ok := r.(AllCompleteNotifier); ok {
			s.NotifyAllComplete()
		}
	})
}

func (b *Bus) NotifyStatus(text string) {
	b.deliver(func(r any) {
		if s, ok := r.(StatusNotifier); ok {
			s.NotifyStatus(text)
		}
	})
}

func (b *Bus) NotifyKillProcesses(reason string) {
	b.deliver(func(r any) {
		if s, ok := r.(KillNotifier); ok {
			s.NotifyKillProcesses(reason)
		}
	})
}

func (b *Bus) NotifyExit() {
	b.deliver(func(r any) {
		if s, ok := r.(ExitNotifier); ok {
			s.NotifyExit()
		}
	})
}

func (b *Bus) NotifyRerun(t *model.Node) {
	b.deliver(func(r any) {
		if s, ok := r.(RerunNotifier); ok {
			s.NotifyRerun(t)
		}
	})
}
