// Package framework holds the default configuration of a run: the action
// pipeline, filters, responders and submission rules, plus the standard
// actions and scripts.
package framework

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/config"
	"github.com/ethereum-optimism/infra/op-regress/grid"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/responder"
)

// Environment variables set for every test
const (
	EnvRoot    = "TEXTTEST_ROOT"
	EnvSandbox = "TEXTTEST_SANDBOX"
)

// Configuration is the fixed set of hooks a run is shaped by
type Configuration interface {
	ActionSequence(app *model.Application) (action.Pipeline, error)
	FilterList(app *model.Application) ([]model.Filter, error)
	SubmissionRules(t *model.Node) *grid.SubmissionRules
	// Responders are subscribed to the bus in order
	Responders(bus *responder.Bus) []any
	// TextResponder reports each completed test, or is nil
	TextResponder() any
	EnvironmentFor(n *model.Node) []model.EnvEntry
	ExtraVersions(app *model.Application) []string
}

// Options are the command line choices the default configuration reads
type Options struct {
	TestNames string
	TestPaths string
	FileList  string
	// Script replaces the pipeline with a single registered script
	Script     string
	ScriptArgs []string
	Slave      bool
	// WriteState stores the final state of each test in its write directory
	WriteState bool
	RunID      string
	// TextPrefix starts every completion line, such as "S: " on a grid master
	TextPrefix string
	Out        io.Writer
	Rerun      RerunNotifier
	Log        log.Logger
}

type Default struct {
	opts    Options
	scripts *action.Scripts
	runTest *RunTest
	log     log.Logger

	mu     sync.Mutex
	script action.Action
}

var _ Configuration = (*Default)(nil)

func NewDefault(opts Options) (*Default, error) {
	if opts.Log == nil {
		opts.Log = log.New()
		opts.Log.Error("No logger provided, using default")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	scripts := action.NewScripts()
	if err := RegisterDefaultScripts(scripts); err != nil {
		return nil, err
	}
	d := &Default{
		opts:    opts,
		scripts: scripts,
		runTest: NewRunTest(opts.Log),
		log:     opts.Log.New("component", "configuration"),
	}
	if opts.Script != "" {
		if _, ok := scripts.Lookup(opts.Script); !ok {
			return nil, fmt.Errorf("unknown script %q, available scripts: %s", opts.Script, strings.Join(scripts.Names(), ", "))
		}
	}
	return d, nil
}

// Scripts is the registry -s names are looked up in
func (d *Default) Scripts() *action.Scripts {
	return d.scripts
}

// SetRerunNotifier sets who is told about tests to run again
func (d *Default) SetRerunNotifier(n RerunNotifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Rerun = n
}

// Defaults registers the configuration keys read by the default actions
func (d *Default) Defaults(_ string, store *config.Store) {
	store.SetDefault("rerun_on_output", []string{})
}

func (d *Default) ActionSequence(app *model.Application) (action.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.Script != "" {
		if d.script == nil {
			script, err := d.scripts.Build(d.opts.Script, d.opts.ScriptArgs, d.opts.Out)
			if err != nil {
				return nil, err
			}
			d.script = script
		}
		return action.Pipeline{d.script}, nil
	}
	return action.Pipeline{
		PrepareWriteDirectory{},
		d.runTest,
		Compare{},
		CheckForRerun{Notifier: d.opts.Rerun},
	}, nil
}

func (d *Default) FilterList(_ *model.Application) ([]model.Filter, error) {
	var filters []model.Filter
	if d.opts.TestNames != "" {
		filters = append(filters, model.NewTestNameFilter(d.opts.TestNames))
	}
	if d.opts.TestPaths != "" {
		filters = append(filters, model.NewTestPathFilter(d.opts.TestPaths))
	}
	if d.opts.FileList != "" {
		f, err := model.NewFileListFilter(d.opts.FileList)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func (d *Default) SubmissionRules(t *model.Node) *grid.SubmissionRules {
	return grid.NewSubmissionRules(t)
}

func (d *Default) Responders(bus *responder.Bus) []any {
	responders := []any{
		responder.MetricsResponder{},
		responder.NewStatusLogger(d.opts.Log),
	}
	if d.opts.WriteState {
		responders = append(responders, responder.NewStateWriter(d.opts.Log))
	}
	if !d.opts.Slave && d.opts.Script == "" {
		responders = append(responders, responder.NewSummaryResponder(d.opts.Out, d.opts.RunID))
	}
	return append(responders, responder.NewAllCompleteResponder(bus))
}

func (d *Default) TextResponder() any {
	if d.opts.Slave || d.opts.Script != "" {
		return nil
	}
	return responder.NewTextResponder(d.opts.TextPrefix, d.opts.Out)
}

// EnvironmentFor sets TEXTTEST_ROOT on each root suite and TEXTTEST_SANDBOX
// on each test case. It runs before the node joins the arena.
func (d *Default) EnvironmentFor(n *model.Node) []model.EnvEntry {
	switch {
	case n.RelPath == "":
		return []model.EnvEntry{{Key: EnvRoot, Value: n.App.Dir}}
	case n.IsCase():
		return []model.EnvEntry{{Key: EnvSandbox, Value: n.WriteDirectory()}}
	}
	return nil
}

func (d *Default) ExtraVersions(app *model.Application) []string {
	return app.Config.List("extra_version")
}

// Finish lets a script report once the run is over
func (d *Default) Finish() error {
	d.mu.Lock()
	script := d.script
	d.mu.Unlock()
	if f, ok := script.(Finisher); ok {
		return f.Finish()
	}
	return nil
}
