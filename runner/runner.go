// Package runner drives every queued test case through its application's
// action pipeline, one test at a time.
//
// The runner is cooperative: an action gives up control only by returning
// action.Retry or action.RetrySwitch. Suites are set up lazily, per action,
// the first time a test under them reaches that action, and torn down once
// execution moves to a test outside them.
package runner

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/ethereum/go-ethereum/log"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/metrics"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// DefaultRetryInterval is the sleep between two calls of an action that returned Retry
const DefaultRetryInterval = 100 * time.Millisecond

// Brief texts of tests made unrunnable by an action error
const (
	BriefHarnessError  = "HARNESS ERROR"
	BriefInternalError = "INTERNAL ERROR"
)

// KillNotifier is told about kills before the runner acts on them
type KillNotifier interface {
	NotifyKillProcesses(reason string)
}

// Config holds configuration for creating a new runner
type Config struct {
	Arena *model.Arena
	// Pipelines maps each runnable application to its actions
	Pipelines map[*model.Application]action.Pipeline
	Notifier  KillNotifier
	// RetryInterval defaults to DefaultRetryInterval
	RetryInterval time.Duration
	// CleanMode is one of model.CleanNone, model.CleanSucceeded or model.CleanAll
	CleanMode string
	Log       log.Logger
}

// Runner runs queued tests through their pipelines. Enqueue, Close and
// KillProcesses are safe to call from any goroutine; everything else happens
// on the goroutine calling Run.
type Runner struct {
	arena         *model.Arena
	pipelines     map[*model.Application]action.Pipeline
	notifier      KillNotifier
	retryInterval time.Duration
	cleanMode     string
	log           log.Logger
	tracer        trace.Tracer

	mu            sync.Mutex
	queue         *linkedlistqueue.Queue
	closed        bool
	killed        bool
	killReason    string
	current       *model.Node
	currentAction action.Action
	disabled      map[*model.Application]error
	wake          chan struct{}

	scope     *scope
	remaining map[*model.Node]action.Pipeline
	ran       []*model.Node
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Arena == nil {
		return nil, fmt.Errorf("arena is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.CleanMode == "" {
		cfg.CleanMode = model.CleanNone
	}
	logger := cfg.Log.New("component", "runner")
	return &Runner{
		arena:         cfg.Arena,
		pipelines:     cfg.Pipelines,
		notifier:      cfg.Notifier,
		retryInterval: cfg.RetryInterval,
		cleanMode:     cfg.CleanMode,
		log:           logger,
		tracer:        otel.Tracer("action runner"),
		queue:         linkedlistqueue.New(),
		disabled:      make(map[*model.Application]error),
		wake:          make(chan struct{}, 1),
		scope:         newScope(logger),
		remaining:     make(map[*model.Node]action.Pipeline),
	}, nil
}

// SetUpApplications calls SetUpApplication on every action of every pipeline.
// An application whose set-up fails is skipped: its tests are never run.
func (r *Runner) SetUpApplications(ctx context.Context) []error {
	var errs []error
	apps := make([]*model.Application, 0, len(r.pipelines))
	for app := range r.pipelines {
		apps = append(apps, app)
	}
	slices.SortFunc(apps, func(a, b *model.Application) int {
		if a.Description() < b.Description() {
			return -1
		}
		if a.Description() > b.Description() {
			return 1
		}
		return 0
	})
	for _, app := range apps {
		if err := r.setUpApplication(ctx, app); err != nil {
			if !types.IsConfigurationError(err) {
				err = &types.ConfigurationError{App: app.Description(), Err: err}
			}
			r.log.Error("Skipping application", "app", app.Description(), "err", err)
			metrics.RecordErrorDetails("setup_application", err)
			r.mu.Lock()
			r.disabled[app] = err
			r.mu.Unlock()
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Runner) setUpApplication(ctx context.Context, app *model.Application) error {
	for _, a := range r.pipelines[app] {
		if su, ok := a.(action.ApplicationSetUpper); ok {
			if err := su.SetUpApplication(ctx, app); err != nil {
				return err
			}
		}
	}
	return nil
}

// Enabled reports whether tests of app will be run
func (r *Runner) Enabled(app *model.Application) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, disabled := r.disabled[app]
	_, ok := r.pipelines[app]
	return ok && !disabled
}

// AddApplication sets up an application that was loaded after the run
// started, such as one whose test a grid master handed to this slave.
func (r *Runner) AddApplication(ctx context.Context, app *model.Application, pipeline action.Pipeline) error {
	r.mu.Lock()
	if _, ok := r.pipelines[app]; ok {
		r.mu.Unlock()
		return nil
	}
	if r.pipelines == nil {
		r.pipelines = make(map[*model.Application]action.Pipeline)
	}
	r.pipelines[app] = pipeline
	r.mu.Unlock()
	if err := r.setUpApplication(ctx, app); err != nil {
		r.mu.Lock()
		r.disabled[app] = err
		r.mu.Unlock()
		return err
	}
	return nil
}

// Enqueue adds tests to the back of the queue. Tests of skipped applications
// are dropped; after a kill, tests are cancelled instead of queued.
func (r *Runner) Enqueue(tests ...*model.Node) {
	var cancelled []*model.Node
	r.mu.Lock()
	for _, t := range tests {
		if !t.IsCase() {
			continue
		}
		if _, ok := r.pipelines[t.App]; !ok {
			r.log.Warn("No pipeline for application, dropping test", "test", t.Key())
			continue
		}
		if _, disabled := r.disabled[t.App]; disabled {
			continue
		}
		if r.killed {
			cancelled = append(cancelled, t)
			continue
		}
		r.queue.Enqueue(t)
	}
	r.mu.Unlock()
	r.signal()
	r.cancel(cancelled)
}

// Close tells Run to return once the queue is empty
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

// Len returns the number of queued tests
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Size()
}

// Take removes and returns the first queued test accepted by match, or nil.
// Only tests that have not started can be taken.
func (r *Runner) Take(match func(t *model.Node) bool) *model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *model.Node
	values := r.queue.Values()
	r.queue.Clear()
	for _, v := range values {
		t := v.(*model.Node)
		if found == nil && !t.State().HasStarted() && match(t) {
			found = t
			continue
		}
		r.queue.Enqueue(t)
	}
	return found
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Killed returns the kill reason and whether KillProcesses has been called
func (r *Runner) Killed() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killReason, r.killed
}

// KillProcesses stops the run: responders are told, queued tests that have
// not started are cancelled and the running action is killed. Queued tests
// that have started are killed through their next action and left to finish.
func (r *Runner) KillProcesses(reason string) {
	r.log.Warn("Killing processes", "reason", types.DescribeKillReason(reason))
	if r.notifier != nil {
		r.notifier.NotifyKillProcesses(reason)
	}

	r.mu.Lock()
	r.killed = true
	r.killReason = reason
	current, currentAction := r.current, r.currentAction
	var cancelled, started []*model.Node
	values := r.queue.Values()
	r.queue.Clear()
	for _, v := range values {
		t := v.(*model.Node)
		if t.State().HasStarted() {
			started = append(started, t)
			r.queue.Enqueue(t)
			continue
		}
		cancelled = append(cancelled, t)
	}
	r.closed = true
	r.mu.Unlock()
	r.signal()

	r.cancel(cancelled)
	if k, ok := currentAction.(action.Killer); ok && current != nil {
		k.Kill(current, reason)
	}
	for _, t := range started {
		if pipeline := r.remainingFor(t); len(pipeline) > 0 {
			if k, ok := pipeline[0].(action.Killer); ok {
				k.Kill(t, reason)
			}
		}
	}
}

func (r *Runner) remainingFor(t *model.Node) action.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining[t]
}

func (r *Runner) cancel(tests []*model.Node) {
	for _, t := range tests {
		if t.State().IsComplete() {
			continue
		}
		t.ChangeState(types.Cancelled(""))
		r.arena.ActionsCompleted(t)
	}
}

// Run processes the queue until it is empty and closed, or ctx is done. The
// cleanup sequences and write directory cleaning run before it returns.
func (r *Runner) Run(ctx context.Context) error {
	for {
		t, ok := r.next(ctx)
		if !ok {
			break
		}
		r.runTest(ctx, t)
	}
	r.tearDownAll(ctx)
	r.cleanup(ctx)
	return ctx.Err()
}

func (r *Runner) next(ctx context.Context) (*model.Node, bool) {
	for {
		r.mu.Lock()
		v, ok := r.queue.Dequeue()
		if ok {
			t := v.(*model.Node)
			r.current = t
			r.mu.Unlock()
			return t, true
		}
		closed := r.closed
		r.current, r.currentAction = nil, nil
		r.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-r.wake:
		}
	}
}

func (r *Runner) runTest(ctx context.Context, t *model.Node) {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("test %s", t.UniqueName()))
	defer span.End()
	span.SetAttributes(attribute.String("app", t.App.Description()), attribute.String("path", t.RelPath))

	pipeline, resumed := r.takeRemaining(t)
	r.enterScope(ctx, t, resumed)
	if !resumed {
		r.ran = append(r.ran, t)
	}

	for len(pipeline) > 0 {
		a := pipeline[0]
		if t.State().ShouldAbandon() && !action.CallDuringAbandon(a, t) {
			r.log.Debug("Skipping action for abandoned test", "test", t.Key(), "action", a.Name())
			pipeline = pipeline[1:]
			continue
		}
		flow := r.callAction(ctx, t, a)
		switch flow {
		case action.Retry:
			r.sleep(ctx)
			continue
		case action.RetrySwitch:
			if r.Len() == 0 {
				r.sleep(ctx)
				continue
			}
			r.requeue(t, pipeline)
			return
		}
		pipeline = pipeline[1:]
	}
	r.arena.ActionsCompleted(t)
}

func (r *Runner) takeRemaining(t *model.Node) (action.Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.remaining[t]; ok {
		delete(r.remaining, t)
		return p, true
	}
	return slices.Clone(r.pipelines[t.App]), false
}

func (r *Runner) requeue(t *model.Node, pipeline action.Pipeline) {
	r.mu.Lock()
	r.remaining[t] = pipeline
	r.queue.Enqueue(t)
	r.mu.Unlock()
	r.scope.hold(t)
	r.log.Debug("Requeued test", "test", t.Key(), "action", pipeline[0].Name())
}

func (r *Runner) enterScope(ctx context.Context, t *model.Node, resumed bool) {
	if resumed {
		r.scope.release(t)
	}
	for _, td := range r.scope.enter(t, r.pipelines[t.App]) {
		r.tearDown(ctx, td.suite, td.actions)
	}
}

func (r *Runner) tearDownAll(ctx context.Context) {
	for _, td := range r.scope.exitAll() {
		r.tearDown(ctx, td.suite, td.actions)
	}
}

func (r *Runner) tearDown(ctx context.Context, s *model.Node, actions []action.Action) {
	for _, a := range actions {
		td, ok := a.(action.SuiteTearDowner)
		if !ok {
			continue
		}
		if err := td.TearDownSuite(ctx, s); err != nil {
			r.log.Warn("Failed to tear down suite", "suite", s.Key(), "action", a.Name(), "err", err)
			metrics.RecordErrorDetails("teardown_suite", err)
		}
	}
}

// callAction sets up pending suites for a, then calls it for t. Errors and
// panics make t unrunnable and return Done.
func (r *Runner) callAction(ctx context.Context, t *model.Node, a action.Action) (flow action.ControlFlow) {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("action %s", a.Name()))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordActionDuration(a.Name(), time.Since(start))
	}()

	r.mu.Lock()
	r.currentAction = a
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			r.fail(t, a, pkgerrors.Errorf("panic: %v", p))
			flow = action.Done
		}
	}()

	for _, s := range r.scope.pendingSetUps(t, a) {
		su, ok := a.(action.SuiteSetUpper)
		if !ok {
			continue
		}
		if err := su.SetUpSuite(ctx, s); err != nil {
			r.fail(t, a, err)
			return action.Done
		}
	}

	flow, err := a.Call(ctx, t)
	if err != nil {
		span.RecordError(err)
		r.fail(t, a, err)
		return action.Done
	}
	return flow
}

func (r *Runner) fail(t *model.Node, a action.Action, err error) {
	var testErr *types.TestError
	if pkgerrors.As(err, &testErr) {
		brief := testErr.Brief
		if brief == "" {
			brief = BriefHarnessError
		}
		r.log.Info("Test could not be run", "test", t.Key(), "action", a.Name(), "err", err)
		t.ChangeState(types.Unrunnable(testErr.Text, brief, t.State().ExecutionHosts))
		return
	}
	if _, ok := err.(interface{ StackTrace() pkgerrors.StackTrace }); !ok {
		err = pkgerrors.WithStack(err)
	}
	r.log.Warn("Internal error while running test", "test", t.Key(), "action", a.Name(), "err", err)
	metrics.RecordErrorDetails("action", err)
	t.ChangeState(types.Unrunnable(fmt.Sprintf("Internal error in %s:\n%+v", a.Name(), err),
		BriefInternalError, t.State().ExecutionHosts))
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.retryInterval):
	}
}

// cleanup runs the cleanup sequence of every application for each test that
// ran, then cleans the write directories.
func (r *Runner) cleanup(ctx context.Context) {
	byApp := make(map[*model.Application][]*model.Node)
	var apps []*model.Application
	for _, t := range r.ran {
		if _, ok := byApp[t.App]; !ok {
			apps = append(apps, t.App)
		}
		byApp[t.App] = append(byApp[t.App], t)
	}
	for _, app := range apps {
		sequence := r.pipelines[app].Cleanup()
		for _, t := range byApp[app] {
			for _, a := range sequence {
				r.callCleanup(ctx, t, a)
			}
		}
		if err := app.CleanWriteDirectory(r.cleanMode, byApp[app]); err != nil {
			r.log.Warn("Failed to clean write directory", "app", app.Description(), "err", err)
		}
	}
}

func (r *Runner) callCleanup(ctx context.Context, t *model.Node, a action.Action) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("Cleanup action panicked", "test", t.Key(), "action", a.Name(), "panic", p)
		}
	}()
	for {
		flow, err := a.Call(ctx, t)
		if err != nil {
			r.log.Warn("Cleanup action failed", "test", t.Key(), "action", a.Name(), "err", err)
			return
		}
		if flow == action.Done || ctx.Err() != nil {
			return
		}
		r.sleep(ctx)
	}
}
