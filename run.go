package regress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/dircache"
	"github.com/ethereum-optimism/infra/op-regress/framework"
	"github.com/ethereum-optimism/infra/op-regress/grid"
	"github.com/ethereum-optimism/infra/op-regress/metrics"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/responder"
	"github.com/ethereum-optimism/infra/op-regress/runner"
	"github.com/ethereum-optimism/infra/op-regress/slave"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// Grid adapters selected by queue_system_module
const (
	GridLocal = "local"
	GridShell = "shell"
)

// killGrace bounds how long a killed run may take to wind down before its
// context is cancelled.
const killGrace = 30 * time.Second

// RunResult summarises one run
type RunResult struct {
	RunID      string
	Duration   time.Duration
	Categories map[types.Category]int
	Killed     bool
	KillReason string
}

func (r *RunResult) Total() int {
	total := 0
	for _, n := range r.Categories {
		total += n
	}
	return total
}

func (r *RunResult) String() string {
	return fmt.Sprintf("Run %s: %d tests in %s, %d succeeded, %d failed",
		r.RunID, r.Total(), r.Duration.Round(time.Millisecond),
		r.Categories[types.CategorySuccess], r.Categories[types.CategoryFailure])
}

// run is one pass over the selected tests
type run struct {
	cfg      *Config
	id       string
	tag      string
	log      log.Logger
	registry *dircache.Registry
	tracker  *responder.Tracker
	redis    redis.UniversalClient

	bus   *responder.Bus
	arena *model.Arena
	fw    *framework.Default

	apps  []*model.Application
	roots map[string]*model.Node

	mu         sync.Mutex
	killer     func(reason string)
	killed     bool
	killReason string
	pending    []string
}

type runDeps struct {
	registry *dircache.Registry
	tracker  *responder.Tracker
	redis    redis.UniversalClient
}

func newRun(cfg *Config, deps runDeps) (*run, error) {
	id := uuid.New().String()
	logger := cfg.Log.New("run_id", id)
	tag, err := runTag(cfg)
	if err != nil {
		return nil, err
	}
	bus := responder.NewBus(logger)
	arena := model.NewArena(logger)
	arena.SetObserver(bus)

	textPrefix := ""
	if !cfg.IsSlave() && !cfg.Local {
		textPrefix = "S: "
	}
	fw, err := framework.NewDefault(framework.Options{
		TestNames:  cfg.TestNames,
		TestPaths:  cfg.TestPaths,
		FileList:   cfg.FileList,
		Script:     cfg.Script,
		ScriptArgs: cfg.ScriptArgs,
		Slave:      cfg.IsSlave(),
		WriteState: cfg.WriteState,
		RunID:      id,
		TextPrefix: textPrefix,
		Out:        os.Stdout,
		Log:        logger,
	})
	if err != nil {
		return nil, err
	}
	return &run{
		cfg:      cfg,
		id:       id,
		tag:      tag,
		log:      logger,
		registry: deps.registry,
		tracker:  deps.tracker,
		redis:    deps.redis,
		bus:      bus,
		arena:    arena,
		fw:       fw,
		roots:    make(map[string]*model.Node),
	}, nil
}

// runTag names the write directories of a run. A slave takes the tag of its
// master from the write directory it was given.
func runTag(cfg *Config) (string, error) {
	if !cfg.IsSlave() {
		return time.Now().Format("02Jan150405") + "." + strconv.Itoa(os.Getpid()), nil
	}
	if len(cfg.Selection) != 1 {
		return "", errors.New("a slave runs exactly one application")
	}
	sel := cfg.Selection[0]
	desc := strings.Join(append([]string{sel.Name}, sel.Versions...), ".")
	tag, ok := strings.CutPrefix(filepath.Base(cfg.SlaveWriteDir), desc+".")
	if !ok || tag == "" {
		return "", fmt.Errorf("slave write directory %s does not belong to %s", cfg.SlaveWriteDir, desc)
	}
	return tag, nil
}

func (r *run) loadOptions() model.LoadOptions {
	opts := model.LoadOptions{
		Roots:         []string{r.cfg.RootDir},
		Selection:     r.cfg.Selection,
		Versions:      r.cfg.Versions,
		Copies:        r.cfg.Copies,
		TmpRoot:       r.cfg.TmpRoot,
		RunTag:        r.tag,
		Registry:      r.registry,
		Defaults:      r.fw.Defaults,
		ExtraVersions: r.fw.ExtraVersions,
		Log:           r.log,
	}
	if r.cfg.IsSlave() {
		opts.TmpRoot = filepath.Dir(r.cfg.SlaveWriteDir)
		opts.WriteDir = r.localWriteDir
	}
	return opts
}

// masterWriteDir is where the master expects results of app
func (r *run) masterWriteDir(app *model.Application) string {
	return filepath.Join(filepath.Dir(r.cfg.SlaveWriteDir), app.Description()+"."+r.tag)
}

// localWriteDir moves a slave's write directory to local scratch space when
// results are to be copied back to the master.
func (r *run) localWriteDir(app *model.Application) string {
	if app.Config.Int("slave_copy_write_directory") == 0 {
		return ""
	}
	return filepath.Join(os.TempDir(), "op-regress-slave-"+strconv.Itoa(os.Getpid()), app.Description()+"."+r.tag)
}

func (r *run) buildOptions(app *model.Application) (model.BuildOptions, error) {
	filters, err := r.fw.FilterList(app)
	if err != nil {
		return model.BuildOptions{}, err
	}
	return model.BuildOptions{Filters: filters, ForTestRuns: true, Environment: r.fw.EnvironmentFor}, nil
}

// load reads the applications and their test trees into the arena
func (r *run) load() error {
	apps, errs := model.LoadApplications(r.loadOptions())
	for _, err := range errs {
		r.log.Error("Configuration error", "err", err)
		metrics.RecordErrorDetails("configuration", err)
	}
	if len(apps) == 0 {
		return fmt.Errorf("no applications found in %s", r.cfg.RootDir)
	}
	for _, app := range apps {
		for _, a := range app.AllApplications() {
			if err := r.buildSuite(a); err != nil {
				r.log.Error("Skipping application", "app", a.Description(), "err", err)
				metrics.RecordErrorDetails("configuration", err)
			}
		}
	}
	if err := r.arena.AssignUniqueNames(r.cases()); err != nil {
		return err
	}
	return nil
}

func (r *run) buildSuite(app *model.Application) error {
	opts, err := r.buildOptions(app)
	if err != nil {
		return err
	}
	root, err := r.arena.BuildSuite(app, opts)
	if err != nil {
		return err
	}
	if root == nil {
		r.log.Info("No tests selected", "app", app.Description())
		return nil
	}
	r.apps = append(r.apps, app)
	r.roots[app.Description()] = root
	return nil
}

func (r *run) suites() []*model.Node {
	suites := make([]*model.Node, 0, len(r.apps))
	for _, app := range r.apps {
		suites = append(suites, r.roots[app.Description()])
	}
	return suites
}

func (r *run) cases() []*model.Node {
	var cases []*model.Node
	for _, s := range r.suites() {
		cases = append(cases, r.arena.TestCases(s)...)
	}
	return cases
}

// subscribe installs the responders of the run. Responders doing network
// I/O are queued so they never hold up the tests.
func (r *run) subscribe() {
	for _, resp := range r.fw.Responders(r.bus) {
		r.bus.Subscribe(resp)
	}
	if text := r.fw.TextResponder(); text != nil {
		r.bus.Subscribe(text)
	}
	if r.tracker != nil {
		r.bus.SubscribeQueued(r.tracker)
	}
	if r.redis != nil {
		r.bus.SubscribeQueued(responder.NewRedisPublisher(r.redis, r.cfg.RedisPrefix, r.id, r.log))
	}
}

// announce tells the responders about every suite and case in tree order
func (r *run) announce() {
	suites := r.suites()
	r.bus.AddSuites(suites)
	for _, s := range suites {
		r.announceTree(s, true)
	}
}

func (r *run) announceTree(n *model.Node, initial bool) {
	r.bus.NotifyAdd(n, initial)
	for _, c := range n.Children() {
		r.announceTree(c, initial)
	}
}

func (r *run) pipelines() map[*model.Application]action.Pipeline {
	pipelines := make(map[*model.Application]action.Pipeline, len(r.apps))
	for _, app := range r.apps {
		p, err := r.fw.ActionSequence(app)
		if err != nil {
			r.log.Error("Skipping application", "app", app.Description(), "err", err)
			metrics.RecordErrorDetails("configuration", err)
			continue
		}
		pipelines[app] = p
	}
	return pipelines
}

// gridModule is the queue system the applications ask for, or "" to run locally
func (r *run) gridModule() (string, error) {
	if r.cfg.Local || r.cfg.IsSlave() || r.cfg.Script != "" {
		return "", nil
	}
	module := ""
	for _, app := range r.apps {
		m := app.Config.String("queue_system_module")
		if m == "" {
			continue
		}
		if module != "" && m != module {
			return "", types.NewConfigurationError(app.Description(), "queue_system_module %s conflicts with %s", m, module)
		}
		module = m
	}
	return module, nil
}

func (r *run) adapter(module string) (grid.Adapter, error) {
	switch module {
	case GridLocal:
		return grid.NewLocalAdapter(r.cfg.GridCapacity, r.log), nil
	case GridShell:
		if r.cfg.GridShellConfig == "" {
			return nil, fmt.Errorf("queue system %s needs a grid shell config file", module)
		}
		shellCfg, err := grid.ReadShellConfig(r.cfg.GridShellConfig)
		if err != nil {
			return nil, err
		}
		adapter, err := grid.NewShellAdapter(*shellCfg, r.log)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	}
	return nil, fmt.Errorf("unknown queue system %q", module)
}

// setKiller registers how to kill the running tests and delivers kills that
// arrived before it was known.
func (r *run) setKiller(fn func(reason string)) {
	r.mu.Lock()
	r.killer = fn
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, reason := range pending {
		fn(reason)
	}
}

// kill stops the run. Later kills are passed on so that a resource limit can
// follow an interrupt.
func (r *run) kill(reason string) {
	r.mu.Lock()
	if !r.killed {
		r.killed = true
		r.killReason = reason
	}
	fn := r.killer
	if fn == nil {
		r.pending = append(r.pending, reason)
	}
	r.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (r *run) wasKilled() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killReason, r.killed
}

// execute loads the tests and runs them to completion. Cancelling ctx kills
// the run; the tests are then given a grace period to report.
func (r *run) execute(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	if err := r.load(); err != nil {
		return nil, err
	}
	r.subscribe()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	busDone := make(chan struct{})
	busCtx, stopBus := context.WithCancel(context.Background())
	go func() {
		defer close(busDone)
		r.bus.Run(busCtx)
	}()
	interrupt := func() {
		r.log.Warn("Interrupted, killing tests")
		r.kill(types.KillReasonInterrupt)
		time.AfterFunc(r.cfg.GridKillWait+killGrace, cancel)
	}
	if ctx.Err() != nil {
		interrupt()
	} else {
		stopWatch := context.AfterFunc(ctx, interrupt)
		defer stopWatch()
	}

	module, err := r.gridModule()
	if err == nil {
		switch {
		case module != "":
			err = r.runMaster(runCtx, module)
		case r.cfg.IsSlave():
			err = r.runSlave(runCtx)
		default:
			err = r.runLocal(runCtx)
		}
	}
	stopBus()
	<-busDone

	if ferr := r.fw.Finish(); ferr != nil {
		r.log.Error("Script failed to finish", "err", ferr)
	}
	result := r.result(time.Since(start))
	metrics.RecordRun(r.id, result.Duration)
	if err != nil && !errors.Is(err, context.Canceled) {
		return result, err
	}
	return result, nil
}

func (r *run) result(d time.Duration) *RunResult {
	res := &RunResult{RunID: r.id, Duration: d, Categories: make(map[types.Category]int)}
	for _, t := range r.cases() {
		res.Categories[t.State().Category]++
	}
	res.KillReason, res.Killed = r.wasKilled()
	return res
}

func (r *run) newRunner(pipelines map[*model.Application]action.Pipeline) (*runner.Runner, error) {
	return runner.NewRunner(runner.Config{
		Arena:     r.arena,
		Pipelines: pipelines,
		Notifier:  r.bus,
		CleanMode: r.cfg.CleanMode,
		Log:       r.log,
	})
}

func (r *run) runLocal(ctx context.Context) error {
	rn, err := r.newRunner(r.pipelines())
	if err != nil {
		return err
	}
	r.setKiller(rn.KillProcesses)
	for _, err := range rn.SetUpApplications(ctx) {
		r.log.Error("Configuration error", "err", err)
	}
	r.announce()
	rn.Enqueue(r.cases()...)
	rn.Close()
	r.bus.NotifyAllRead()
	return rn.Run(ctx)
}

func (r *run) runMaster(ctx context.Context, module string) error {
	adapter, err := r.adapter(module)
	if err != nil {
		return err
	}
	m, err := grid.NewMaster(grid.Config{
		Arena:    r.arena,
		Adapter:  adapter,
		Apps:     r.apps,
		Notifier: r.bus,
		BindAddr: r.cfg.GridBind,
		KillWait: r.cfg.GridKillWait,
		Command:  grid.DefaultSlaveCommand(r.cfg.Binary, r.cfg.ForwardedArgs),
		Rules:    r.fw.SubmissionRules,
		Log:      r.log,
	})
	if err != nil {
		return err
	}
	r.bus.Subscribe(m)
	r.fw.SetRerunNotifier(r.bus)
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()
	r.setKiller(func(reason string) { go m.KillProcesses(reason) })
	for _, app := range r.apps {
		if err := app.SetUpWriteDirectory(); err != nil {
			return fmt.Errorf("failed to create write directory of %s: %w", app.Description(), err)
		}
	}

	r.announce()
	m.Enqueue(r.cases()...)
	m.Close()
	r.bus.NotifyAllRead()
	err = m.Run(ctx)

	cases := r.cases()
	for _, app := range r.apps {
		if cerr := app.CleanWriteDirectory(r.cfg.CleanMode, cases); cerr != nil {
			r.log.Warn("Failed to clean write directory", "app", app.Description(), "err", cerr)
		}
	}
	return err
}

func (r *run) runSlave(ctx context.Context) error {
	r.fw.SetRerunNotifier(r.bus)
	rn, err := r.newRunner(r.pipelines())
	if err != nil {
		return err
	}
	r.setKiller(rn.KillProcesses)
	sl, err := slave.New(slave.Config{
		Bus:            r.bus,
		Queue:          rn,
		Load:           r.slaveLoader(ctx, rn),
		ServerAddr:     r.cfg.ServerAddr,
		MasterWriteDir: r.masterWriteDir,
		JobPaths:       r.jobPaths,
		Log:            r.log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sl.Shutdown(); err != nil {
			r.log.Warn("Failed to restore stderr", "err", err)
		}
	}()
	for _, err := range rn.SetUpApplications(ctx) {
		r.log.Error("Configuration error", "err", err)
	}
	r.announce()
	cases := r.cases()
	rn.Enqueue(cases...)
	if len(cases) == 0 {
		r.log.Warn("No test found to run", "path", r.cfg.TestPaths)
		rn.Close()
	}
	r.bus.NotifyAllRead()
	return rn.Run(ctx)
}

// jobPaths locates the job files the master named after a slave's first test
func (r *run) jobPaths(t *model.Node) (string, string) {
	logFile, errFile := r.fw.SubmissionRules(t).JobFiles()
	dir := filepath.Join(r.masterWriteDir(t.App), grid.SlaveLogDir)
	return filepath.Join(dir, logFile), filepath.Join(dir, errFile)
}

// slaveLoader resolves tests the master hands over, reading their
// application and test tree when this slave has not seen them yet. It runs on
// the runner goroutine.
func (r *run) slaveLoader(ctx context.Context, rn *runner.Runner) slave.Loader {
	return func(appDesc, relPath string) (*model.Node, error) {
		if t, err := r.arena.FindTest(appDesc, relPath); err == nil {
			return t, nil
		}
		root, ok := r.roots[appDesc]
		if !ok {
			return r.loadApplication(ctx, rn, appDesc, relPath)
		}
		opts, err := r.buildOptions(root.App)
		if err != nil {
			return nil, err
		}
		opts.Filters = nil
		t, created, err := r.arena.AddTestWithPath(root, relPath, opts)
		if err != nil {
			return nil, err
		}
		for _, n := range created {
			r.bus.NotifyAdd(n, false)
		}
		return t, nil
	}
}

func (r *run) loadApplication(ctx context.Context, rn *runner.Runner, appDesc, relPath string) (*model.Node, error) {
	sel := model.ParseAppSelection(appDesc)
	if len(sel) != 1 {
		return nil, fmt.Errorf("invalid application %q", appDesc)
	}
	opts := r.loadOptions()
	opts.ExtraVersions = nil
	app, err := model.NewApplication(sel[0].Name, r.cfg.RootDir, sel[0].Versions, opts)
	if err != nil {
		return nil, err
	}
	build, err := r.buildOptions(app)
	if err != nil {
		return nil, err
	}
	build.Filters = []model.Filter{model.NewTestPathFilter(relPath)}
	root, err := r.arena.BuildSuite(app, build)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("no test %s:%s", appDesc, relPath)
	}
	r.apps = append(r.apps, app)
	r.roots[appDesc] = root
	pipeline, err := r.fw.ActionSequence(app)
	if err != nil {
		return nil, err
	}
	if err := rn.AddApplication(ctx, app, pipeline); err != nil {
		return nil, err
	}
	r.bus.AddSuites([]*model.Node{root})
	r.announceTree(root, false)
	return r.arena.FindTest(appDesc, relPath)
}
