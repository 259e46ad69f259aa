package regress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/redis/go-redis/v9"

	"github.com/ethereum-optimism/infra/op-regress/dircache"
	"github.com/ethereum-optimism/infra/op-regress/exitcodes"
	"github.com/ethereum-optimism/infra/op-regress/responder"
	"github.com/ethereum-optimism/infra/op-regress/service"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// regress implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &regress{}

// limitSignals are sent by batch systems when a job exceeds its resources
var limitSignals = map[os.Signal]string{
	syscall.SIGUSR1: types.KillReasonRunLimit1,
	syscall.SIGUSR2: types.KillReasonRunLimit2,
	syscall.SIGXCPU: types.KillReasonCPULimit,
}

// regress loads and runs the selected tests, once or at an interval.
type regress struct {
	ctx      context.Context
	config   *Config
	version  string
	registry *dircache.Registry
	watcher  *dircache.Watcher
	tracker  *responder.Tracker
	redis    redis.UniversalClient
	svc      *service.Service

	signals chan os.Signal

	mu      sync.Mutex
	current *run
	result  *RunResult
	runs    int

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*regress, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		return nil, errors.New("config.Log is required")
	}

	config.Log.Debug("Creating op-regress with config",
		"root", config.RootDir,
		"apps", config.Selection,
		"tmp", config.TmpRoot,
		"slave", config.SlaveWriteDir,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	reg, err := dircache.NewRegistry(0, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory cache: %w", err)
	}

	r := &regress{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		done:             make(chan struct{}),
		signals:          make(chan os.Signal, 1),
		shutdownCallback: shutdownCallback,
	}

	// Between runs, edited test files must be read again
	if !config.RunOnce {
		if r.watcher, err = dircache.NewWatcher(reg, config.Log); err != nil {
			return nil, fmt.Errorf("failed to create directory watcher: %w", err)
		}
	}

	if config.IsSlave() {
		return r, nil
	}
	if config.StatusAddr != "" {
		r.tracker = responder.NewTracker()
	}
	r.svc = service.New(service.Config{
		HealthzAddr: config.HealthzAddr,
		MetricsAddr: config.MetricsAddr,
		StatusAddr:  config.StatusAddr,
		Tracker:     r.tracker,
		RunState:    r.runState,
		Log:         config.Log,
	})
	if config.RedisURL != "" {
		client, err := responder.NewRedisClient(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		if err := responder.CheckRedisConnection(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		r.redis = client
	}
	config.Log.Info("regress.New: created directory cache and services")
	return r, nil
}

// Start runs the tests, then again at every interval in continuous mode.
// Start implements the cliapp.Lifecycle interface.
func (r *regress) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if rec := recover(); rec != nil {
			r.config.Log.Error("Runtime error occurred", "error", rec)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	r.ctx = ctx
	r.done = make(chan struct{})
	r.running.Store(true)

	if r.config.RunOnce {
		r.config.Log.Info("Starting op-regress in run-once mode")
	} else {
		r.config.Log.Info("Starting op-regress in continuous mode", "interval", r.config.RunInterval)
	}

	if r.svc != nil {
		r.svc.Start(ctx)
	}
	r.handleLimitSignals()

	if err := r.runTests(ctx); err != nil {
		return err
	}

	if r.config.RunOnce {
		r.config.Log.Info("Tests completed, exiting (run-once mode)")
		go func() {
			r.shutdownCallback(nil)
		}()
		return nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.config.Log.Debug("Starting periodic test runner goroutine", "interval", r.config.RunInterval)

		for {
			select {
			case <-time.After(r.config.RunInterval):
				if !r.running.Load() {
					r.config.Log.Debug("Service stopped, exiting periodic test runner")
					return
				}

				r.config.Log.Info("Running periodic tests")
				if err := r.runTests(ctx); err != nil {
					r.config.Log.Error("Error running periodic tests", "error", err)
				}

			case <-r.done:
				r.config.Log.Debug("Done signal received, stopping periodic test runner")
				return

			case <-ctx.Done():
				r.config.Log.Debug("Context canceled, stopping periodic test runner")
				r.running.Store(false)
				return
			}
		}
	}()
	r.config.Log.Debug("op-regress started successfully")
	return nil
}

// handleLimitSignals forwards resource limit signals to the current run
func (r *regress) handleLimitSignals() {
	sigs := make([]os.Signal, 0, len(limitSignals))
	for sig := range limitSignals {
		sigs = append(sigs, sig)
	}
	signal.Notify(r.signals, sigs...)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case sig := <-r.signals:
				r.config.Log.Warn("Received resource limit signal", "signal", sig)
				r.kill(limitSignals[sig])
			case <-r.done:
				return
			}
		}
	}()
}

func (r *regress) kill(reason string) {
	r.mu.Lock()
	current := r.current
	r.mu.Unlock()
	if current == nil {
		r.config.Log.Warn("No run in progress to kill", "reason", reason)
		return
	}
	current.kill(reason)
}

// runTests performs one run. A run stopped by a signal returns a KilledError.
func (r *regress) runTests(ctx context.Context) error {
	r.config.Log.Info("Running all tests...")
	rn, err := newRun(r.config, runDeps{registry: r.registry, tracker: r.tracker, redis: r.redis})
	if err != nil {
		r.config.Log.Error("Runtime error setting up run", "error", err)
		return NewRuntimeError(err)
	}
	r.mu.Lock()
	r.current = rn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	result, err := rn.execute(ctx)
	if result != nil {
		r.mu.Lock()
		r.result = result
		r.runs++
		r.mu.Unlock()
		fmt.Println(result.String())
		r.config.Log.Info("Test run completed", "run_id", result.RunID, "tests", result.Total(), "duration", result.Duration)
	}
	if err != nil {
		r.config.Log.Error("Runtime error running tests", "error", err)
		return NewRuntimeError(err)
	}
	if result.Killed {
		return NewKilledError(result.KillReason)
	}
	return nil
}

// Stop stops the op-regress service.
// Stop implements the cliapp.Lifecycle interface.
func (r *regress) Stop(ctx context.Context) error {
	r.config.Log.Info("Stopping op-regress")

	if !r.running.Load() {
		r.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	r.running.Store(false)

	signal.Stop(r.signals)
	r.config.Log.Debug("Sending done signal to goroutines")
	close(r.done)

	if r.svc != nil {
		r.svc.Shutdown()
	}
	var errs []error
	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close directory watcher: %w", err))
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	r.config.Log.Info("op-regress stopped successfully")
	return errors.Join(errs...)
}

// Stopped returns true if the op-regress service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (r *regress) Stopped() bool {
	return !r.running.Load()
}

// Result is the outcome of the latest run
func (r *regress) Result() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// runState reports the run in progress and the latest outcome for health checks
func (r *regress) runState() service.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := service.RunState{Runs: r.runs}
	if r.current != nil {
		st.Running = true
		st.RunID = r.current.id
	}
	if r.result != nil {
		st.LastResult = r.result.String()
		st.Killed = r.result.Killed
	}
	return st
}
