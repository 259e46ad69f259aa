// Package action defines the capabilities of the actions making up an
// application's pipeline. Every action implements Action; the remaining
// interfaces are optional and discovered by type assertion.
package action

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethereum-optimism/infra/op-regress/model"
)

// ControlFlow is returned by Action.Call
type ControlFlow int

const (
	// Done means the action has finished with the test
	Done ControlFlow = iota
	// Retry asks to be called again for the same test after a short sleep
	Retry
	// RetrySwitch asks to be called again once the other queued tests have had a turn
	RetrySwitch
)

func (c ControlFlow) String() string {
	switch c {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case RetrySwitch:
		return "retry_switch"
	}
	return fmt.Sprintf("ControlFlow(%d)", int(c))
}

// Action is one step of the pipeline run on every test case.
type Action interface {
	Name() string
	Call(ctx context.Context, t *model.Node) (ControlFlow, error)
}

// ApplicationSetUpper is called once per application before any of its tests
// run. A *types.ConfigurationError aborts the application.
type ApplicationSetUpper interface {
	SetUpApplication(ctx context.Context, app *model.Application) error
}

// SuiteSetUpper is called, root first, the first time a test under the suite
// reaches the action.
type SuiteSetUpper interface {
	SetUpSuite(ctx context.Context, suite *model.Node) error
}

// SuiteTearDowner is called, leaf first, once execution leaves the suite.
type SuiteTearDowner interface {
	TearDownSuite(ctx context.Context, suite *model.Node) error
}

// CleanupProvider contributes an action to the cleanup sequence run after all tests
type CleanupProvider interface {
	CleanupAction() Action
}

// AbandonCaller actions are still called for tests that should be abandoned
// when CallDuringAbandon returns true.
type AbandonCaller interface {
	CallDuringAbandon(t *model.Node) bool
}

// Killer actions stop whatever they are running for t
type Killer interface {
	Kill(t *model.Node, reason string)
}

// CallDuringAbandon reports whether a must be called for a test that should be abandoned
func CallDuringAbandon(a Action, t *model.Node) bool {
	if ac, ok := a.(AbandonCaller); ok {
		return ac.CallDuringAbandon(t)
	}
	return false
}

// Pipeline is the ordered, immutable list of actions for an application
type Pipeline []Action

func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, a := range p {
		names[i] = a.Name()
	}
	return names
}

// Cleanup returns the cleanup actions of p in reverse order.
func (p Pipeline) Cleanup() Pipeline {
	var cleanup Pipeline
	for _, a := range slices.Backward(p) {
		if cp, ok := a.(CleanupProvider); ok {
			if c := cp.CleanupAction(); c != nil {
				cleanup = append(cleanup, c)
			}
		}
	}
	return cleanup
}

// Func adapts a function to the Action interface
type Func struct {
	ActionName string
	Fn         func(ctx context.Context, t *model.Node) (ControlFlow, error)
}

func (f *Func) Name() string {
	return f.ActionName
}

func (f *Func) Call(ctx context.Context, t *model.Node) (ControlFlow, error) {
	return f.Fn(ctx, t)
}
