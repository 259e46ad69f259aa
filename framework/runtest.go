package framework

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/grid"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// Output stems written by RunTest into the test write directory
const (
	StdoutStem   = "stdout"
	StderrStem   = "stderr"
	ExitCodeStem = "exitcode"
	InputStem    = "input"
)

// OutputFile is the write directory file for stem, "<stem>.<app name>"
func OutputFile(t *model.Node, stem string) string {
	return filepath.Join(t.WriteDirectory(), stem+"."+t.App.Name)
}

type testProcess struct {
	cmd    *exec.Cmd
	hosts  []string
	done   chan struct{}
	err    error
	timer  *time.Timer
	files  []*os.File
	reason string
	killed bool
}

// RunTest runs the application executable for a test with the test's
// options, environment and input, writing stdout and stderr into the write
// directory. With max_concurrent_tests above one the action gives control
// back to the runner while the process runs.
type RunTest struct {
	log      log.Logger
	hostname string

	mu        sync.Mutex
	processes map[*model.Node]*testProcess
	preKilled map[*model.Node]string
}

func NewRunTest(logger log.Logger) *RunTest {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &RunTest{
		log:       logger.New("component", "run-test"),
		hostname:  host,
		processes: make(map[*model.Node]*testProcess),
		preKilled: make(map[*model.Node]string),
	}
}

func (a *RunTest) Name() string { return "Running" }

func (a *RunTest) SetUpApplication(_ context.Context, app *model.Application) error {
	if app.Config.String("executable") == "" {
		return types.NewConfigurationError(app.Description(), "config file entry 'executable' not defined")
	}
	return nil
}

func (a *RunTest) Call(ctx context.Context, t *model.Node) (action.ControlFlow, error) {
	a.mu.Lock()
	p := a.processes[t]
	reason, preKilled := a.preKilled[t]
	delete(a.preKilled, t)
	running := len(a.processes)
	a.mu.Unlock()

	if p == nil {
		if preKilled {
			t.ChangeState(types.Killed(reason, types.DescribeKillReason(reason)+"\n", []string{a.hostname}))
			return action.Done, nil
		}
		if running >= max(t.App.Config.Int("max_concurrent_tests"), 1) {
			return action.RetrySwitch, nil
		}
		var err error
		if p, err = a.start(t); err != nil {
			return action.Done, err
		}
	}

	if t.App.Config.Int("max_concurrent_tests") > 1 {
		select {
		case <-p.done:
		default:
			return action.RetrySwitch, nil
		}
	} else {
		select {
		case <-p.done:
		case <-ctx.Done():
			a.Kill(t, types.KillReasonInterrupt)
			<-p.done
		}
	}
	return action.Done, a.finish(t, p)
}

// Kill signals the process of t. A test whose process has not started yet
// is marked killed when the action is next called.
func (a *RunTest) Kill(t *model.Node, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.processes[t]
	if p == nil {
		a.preKilled[t] = reason
		return
	}
	if p.killed {
		return
	}
	p.killed = true
	p.reason = reason
	a.log.Info("Killing running test", "test", t.Key(), "pid", p.cmd.Process.Pid, "reason", types.DescribeKillReason(reason))
	sig := grid.KillSignal(reason)
	// the process leads its own group so its children are signalled too
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

func (a *RunTest) command(t *model.Node, env map[string]string) []string {
	cfg := t.App.Config
	expand := func(s string) string { return os.Expand(s, func(k string) string { return env[k] }) }

	var args []string
	for _, word := range strings.Fields(cfg.String("interpreter")) {
		args = append(args, expand(word))
	}
	exe := expand(cfg.String("executable"))
	if !filepath.IsAbs(exe) && strings.ContainsRune(exe, os.PathSeparator) {
		exe = filepath.Join(t.App.Dir, exe)
	}
	args = append(args, exe)
	if optionsFile := t.App.FileWithStem(t.Dir, model.OptionsStem); optionsFile != "" {
		if data, err := os.ReadFile(optionsFile); err == nil {
			for _, word := range strings.Fields(string(data)) {
				args = append(args, expand(word))
			}
		}
	}
	return args
}

func (a *RunTest) start(t *model.Node) (*testProcess, error) {
	if err := os.MkdirAll(t.WriteDirectory(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create write directory: %w", err)
	}
	env := t.Environment()
	args := a.command(t, env)

	stdout, err := os.Create(OutputFile(t, StdoutStem))
	if err != nil {
		return nil, err
	}
	stderr, err := os.Create(OutputFile(t, StderrStem))
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}
	p := &testProcess{hosts: []string{a.hostname}, done: make(chan struct{}), files: []*os.File{stdout, stderr}}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = t.WriteDirectory()
	cmd.Env = model.EnvironList(env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if inputFile := t.App.FileWithStem(t.Dir, InputStem); inputFile != "" {
		stdin, err := os.Open(inputFile)
		if err != nil {
			p.close()
			return nil, err
		}
		p.files = append(p.files, stdin)
		cmd.Stdin = stdin
	}

	a.log.Debug("Running test", "test", t.Key(), "args", args)
	if err := cmd.Start(); err != nil {
		p.close()
		return nil, &types.TestError{
			Brief: "NO PROGRAM",
			Text:  fmt.Sprintf("OS-related error starting the test command - probably cannot find the program %q: %v", args[0], err),
		}
	}
	p.cmd = cmd

	a.mu.Lock()
	a.processes[t] = p
	a.mu.Unlock()

	t.ChangeState(types.Running(p.hosts))
	if timeout := t.App.Config.Int("kill_timeout"); timeout > 0 {
		p.timer = time.AfterFunc(time.Duration(timeout)*time.Second, func() {
			a.Kill(t, types.KillReasonTimeout)
		})
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (a *RunTest) finish(t *model.Node, p *testProcess) error {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.close()

	a.mu.Lock()
	delete(a.processes, t)
	killed, reason := p.killed, p.reason
	a.mu.Unlock()

	if killed {
		free := types.DescribeKillReason(reason)
		if reason == types.KillReasonTimeout {
			free = fmt.Sprintf("Test exceeded wallclock time limit of %d seconds", t.App.Config.Int("kill_timeout"))
		}
		t.ChangeState(types.Killed(reason, free+"\n", p.hosts))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		code := exitErr.ExitCode()
		a.log.Debug("Test process exited", "test", t.Key(), "code", code)
		if err := os.WriteFile(OutputFile(t, ExitCodeStem), []byte(strconv.Itoa(code)+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to store exit code: %w", err)
		}
	} else if p.err != nil {
		return p.err
	}
	return nil
}

func (p *testProcess) close() {
	for _, f := range p.files {
		_ = f.Close()
	}
	p.files = nil
}
