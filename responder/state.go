package responder

import (
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/metrics"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// StateFileName is where the final state of a test is kept, relative to its write directory
var StateFileName = filepath.Join("framework_tmp", "teststate")

// MetricsResponder counts lifecycle changes and outcomes
type MetricsResponder struct{}

func (MetricsResponder) NotifyLifecycleChange(t *model.Node, _ *types.TestState, change string) {
	metrics.RecordLifecycleChange(t.App.Description(), change)
}

func (MetricsResponder) NotifyComplete(t *model.Node) {
	metrics.RecordTest(t.App.Description(), t.State().Outcome())
}

// StateWriter stores the final state of every test that ran in its write directory
type StateWriter struct {
	log log.Logger
}

func NewStateWriter(logger log.Logger) *StateWriter {
	if logger == nil {
		logger = log.New()
	}
	return &StateWriter{log: logger.New("component", "statewriter")}
}

func (w *StateWriter) NotifyComplete(t *model.Node) {
	s := t.State()
	if !s.Started {
		return
	}
	path := filepath.Join(t.WriteDirectory(), StateFileName)
	if err := types.WriteStateFile(path, s); err != nil {
		w.log.Error("Failed to write test state", "test", t.Key(), "path", path, "err", err)
		metrics.RecordErrorDetails("statewriter", err)
	}
}
