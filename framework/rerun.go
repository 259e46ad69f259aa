package framework

import (
	"context"
	"os"
	"strings"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/model"
)

// RerunNotifier is told about tests that should be run again
type RerunNotifier interface {
	NotifyRerun(t *model.Node)
}

// CheckForRerun asks for a failed test to be run again when its stdout or
// stderr contains one of the rerun_on_output texts, which typically mark
// known intermittent failures. Only the grid master acts on the request.
type CheckForRerun struct {
	Notifier RerunNotifier
}

func (CheckForRerun) Name() string { return "Checking for rerun" }

func (a CheckForRerun) Call(_ context.Context, t *model.Node) (action.ControlFlow, error) {
	s := t.State()
	if a.Notifier == nil || !s.IsComplete() || s.HasSucceeded() {
		return action.Done, nil
	}
	triggers := t.App.Config.List("rerun_on_output")
	if len(triggers) == 0 {
		return action.Done, nil
	}
	for _, stem := range []string{StdoutStem, StderrStem} {
		data, err := os.ReadFile(OutputFile(t, stem))
		if err != nil {
			continue
		}
		for _, trigger := range triggers {
			if strings.Contains(string(data), trigger) {
				t.App.Logger().Info("Requesting rerun", "test", t.Key(), "trigger", trigger)
				a.Notifier.NotifyRerun(t)
				return action.Done, nil
			}
		}
	}
	return action.Done, nil
}
