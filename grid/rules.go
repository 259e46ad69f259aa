package grid

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ethereum-optimism/infra/op-regress/model"
)

// SlaveLogDir is the directory, relative to an application write directory,
// holding the slave job logs.
const SlaveLogDir = "slavelogs"

// SubmissionRules describe how a test is submitted to the grid and which
// running slaves may take it over.
type SubmissionRules struct {
	Test      *model.Node
	Resources []string
	Processes int
}

// NewSubmissionRules reads queue_system_resource and queue_system_processes
// for t. QUEUE_SYSTEM_RESOURCE and QUEUE_SYSTEM_PROCESSES in the test
// environment add a resource and override the process count.
func NewSubmissionRules(t *model.Node) *SubmissionRules {
	cfg := t.App.Config
	env := t.Environment()
	resources := slices.Clone(cfg.List("queue_system_resource"))
	if r := os.Expand(env["QUEUE_SYSTEM_RESOURCE"], func(k string) string { return env[k] }); r != "" {
		resources = append(resources, r)
	}
	processes := cfg.Int("queue_system_processes")
	if p, err := strconv.Atoi(env["QUEUE_SYSTEM_PROCESSES"]); err == nil && p > 0 {
		processes = p
	}
	return &SubmissionRules{Test: t, Resources: resources, Processes: max(processes, 1)}
}

// JobName is "Test-<path parts, deepest first, joined by .>-<app description>"
func (r *SubmissionRules) JobName() string {
	parts := strings.Split(r.Test.RelPath, "/")
	slices.Reverse(parts)
	name := "Test-" + strings.Join(parts, ".") + "-" + r.Test.App.Description()
	return strings.ReplaceAll(name, ":", "_")
}

// JobFiles returns the log and error file names of the job
func (r *SubmissionRules) JobFiles() (logFile, errFile string) {
	name := r.JobName()
	return name + ".log", name + ".errors"
}

// JobPaths returns the absolute job file paths under the application's slave log directory
func (r *SubmissionRules) JobPaths() (logPath, errPath string) {
	dir := filepath.Join(r.Test.App.WriteDirectory(), SlaveLogDir)
	logFile, errFile := r.JobFiles()
	return filepath.Join(dir, logFile), filepath.Join(dir, errFile)
}

// AllowsReuse reports whether a slave that ran under r may run a test with
// other. Resource order does not matter.
func (r *SubmissionRules) AllowsReuse(other *SubmissionRules) bool {
	return sameSet(r.Resources, other.Resources) && r.Processes == other.Processes
}

func sameSet(a, b []string) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}
