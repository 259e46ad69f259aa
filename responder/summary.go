package responder

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-regress/metrics"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

type appStats struct {
	Total     int
	Succeeded int
	Failed    int
	Other     int
}

// SummaryResponder prints a table of outcomes per application once all tests
// are complete and records the run duration.
type SummaryResponder struct {
	RunID string

	out     io.Writer
	started time.Time

	mu    sync.Mutex
	order []string
	stats map[string]*appStats
}

func NewSummaryResponder(out io.Writer, runID string) *SummaryResponder {
	if runID == "" {
		runID = uuid.New().String()
	}
	return &SummaryResponder{
		RunID:   runID,
		out:     out,
		started: time.Now(),
		stats:   make(map[string]*appStats),
	}
}

func (r *SummaryResponder) NotifyComplete(t *model.Node) {
	app := t.App.Description()
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[app]
	if !ok {
		st = &appStats{}
		r.stats[app] = st
		r.order = append(r.order, app)
	}
	st.Total++
	switch t.State().Outcome() {
	case types.CategorySuccess:
		st.Succeeded++
	case types.CategoryFailure:
		st.Failed++
	default:
		st.Other++
	}
}

// Totals returns the accumulated counts over all applications
func (r *SummaryResponder) Totals() (total, succeeded, failed, other int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.stats {
		total += st.Total
		succeeded += st.Succeeded
		failed += st.Failed
		other += st.Other
	}
	return
}

func (r *SummaryResponder) NotifyAllComplete() {
	elapsed := time.Since(r.started)
	total, succeeded, failed, other := r.Totals()

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(fmt.Sprintf("Regression Results (%s)", elapsed.Round(time.Millisecond)))
	t.AppendHeader(table.Row{"Application", "Tests", "Succeeded", "Failed", "Other"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Application", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Succeeded", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Other", Align: text.AlignRight},
	})

	r.mu.Lock()
	apps := slices.Clone(r.order)
	for _, app := range apps {
		st := r.stats[app]
		t.AppendRow(table.Row{app, st.Total, st.Succeeded, st.Failed, st.Other})
	}
	r.mu.Unlock()

	if failed == 0 && other == 0 {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
	t.AppendFooter(table.Row{"TOTAL", total, succeeded, failed, other})
	t.Render()

	metrics.RecordRun(r.RunID, elapsed)
}
