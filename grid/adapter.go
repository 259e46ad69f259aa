package grid

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

// Job is a slave process to be started by a grid adapter
type Job struct {
	Name    string
	Command []string
	// Env is added to the submitting process environment
	Env     []string
	Dir     string
	LogPath string
	ErrPath string
	Rules   *SubmissionRules
}

// Adapter submits slave jobs to a queue system
type Adapter interface {
	Name() string
	// Submit starts job and returns its identifier. Failures are *types.SubmissionError.
	Submit(ctx context.Context, job Job) (string, error)
	// Kill stops a job and reports whether it still existed
	Kill(jobID, reason string) bool
	// Capacity is the maximum number of jobs, 0 for no limit
	Capacity() int
	SlavesOnRemoteSystem() bool
}

// JobWaiter is implemented by adapters that can tell when a job has exited
type JobWaiter interface {
	Done(jobID string) <-chan struct{}
}

// KillSignal maps a kill reason to the signal sent to slave processes
func KillSignal(reason string) syscall.Signal {
	switch reason {
	case types.KillReasonRunLimit1:
		return syscall.SIGUSR1
	case types.KillReasonRunLimit2:
		return syscall.SIGUSR2
	case types.KillReasonCPULimit:
		return syscall.SIGXCPU
	}
	return syscall.SIGTERM
}

// LocalAdapter runs slaves as child processes of the master
type LocalAdapter struct {
	capacity int
	log      log.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
	done  map[string]chan struct{}
}

var _ JobWaiter = (*LocalAdapter)(nil)

// NewLocalAdapter creates an adapter allowing one job per CPU unless capacity is positive
func NewLocalAdapter(capacity int, logger log.Logger) *LocalAdapter {
	if logger == nil {
		logger = log.New()
	}
	if capacity <= 0 {
		capacity = runtime.NumCPU()
	}
	return &LocalAdapter{
		capacity: capacity,
		log:      logger.New("component", "local-grid"),
		procs:    make(map[string]*exec.Cmd),
		done:     make(map[string]chan struct{}),
	}
}

func (a *LocalAdapter) Name() string { return "local" }

func (a *LocalAdapter) Capacity() int { return a.capacity }

func (a *LocalAdapter) SlavesOnRemoteSystem() bool { return false }

func (a *LocalAdapter) Submit(_ context.Context, job Job) (string, error) {
	fail := func(err error) (string, error) {
		return "", &types.SubmissionError{Adapter: a.Name(), Err: err}
	}
	if len(job.Command) == 0 {
		return fail(fmt.Errorf("empty command"))
	}
	logFile, errFile, err := openJobFiles(job)
	if err != nil {
		return fail(err)
	}
	cmd := exec.Command(job.Command[0], job.Command[1:]...)
	cmd.Dir = job.Dir
	cmd.Env = append(os.Environ(), job.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = errFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		errFile.Close()
		return fail(err)
	}
	id := strconv.Itoa(cmd.Process.Pid)
	done := make(chan struct{})
	a.mu.Lock()
	a.procs[id] = cmd
	a.done[id] = done
	a.mu.Unlock()
	a.log.Debug("Started slave", "job", id, "name", job.Name)

	go func() {
		err := cmd.Wait()
		logFile.Close()
		errFile.Close()
		a.mu.Lock()
		delete(a.procs, id)
		a.mu.Unlock()
		a.log.Debug("Slave exited", "job", id, "err", err)
		close(done)
	}()
	return id, nil
}

func openJobFiles(job Job) (*os.File, *os.File, error) {
	if job.LogPath == "" || job.ErrPath == "" {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, err
		}
		devnull2, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			devnull.Close()
			return nil, nil, err
		}
		return devnull, devnull2, nil
	}
	if err := os.MkdirAll(filepath.Dir(job.LogPath), 0755); err != nil {
		return nil, nil, err
	}
	logFile, err := os.Create(job.LogPath)
	if err != nil {
		return nil, nil, err
	}
	errFile, err := os.Create(job.ErrPath)
	if err != nil {
		logFile.Close()
		return nil, nil, err
	}
	return logFile, errFile, nil
}

func (a *LocalAdapter) Kill(jobID, reason string) bool {
	a.mu.Lock()
	cmd, ok := a.procs[jobID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	if err := cmd.Process.Signal(KillSignal(reason)); err != nil {
		a.log.Debug("Failed to signal slave", "job", jobID, "err", err)
		return false
	}
	return true
}

// Done returns a channel closed once the job has exited. Unknown jobs are
// reported as exited.
func (a *LocalAdapter) Done(jobID string) <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.done[jobID]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ShellConfig describes a queue system driven through its command line tools.
// Argument templates may use {job_name}, {log_file}, {err_file},
// {resources}, {processes}, {job_id}, {signal} and {command}; {command}
// expands to the whole slave command line.
type ShellConfig struct {
	Name         string   `toml:"name"`
	Submit       []string `toml:"submit"`
	Kill         []string `toml:"kill"`
	JobIDPattern string   `toml:"job_id_pattern"`
	Capacity     int      `toml:"capacity"`
	Remote       bool     `toml:"remote"`
}

// ShellAdapter submits jobs by running configured commands
type ShellAdapter struct {
	cfg     ShellConfig
	pattern *regexp.Regexp
	log     log.Logger
}

// ReadShellConfig reads a shell adapter configuration file
func ReadShellConfig(path string) (*ShellConfig, error) {
	cfg := new(ShellConfig)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read grid configuration %s: %w", path, err)
	}
	return cfg, nil
}

func NewShellAdapter(cfg ShellConfig, logger log.Logger) (*ShellAdapter, error) {
	if logger == nil {
		logger = log.New()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("grid configuration has no name")
	}
	if len(cfg.Submit) == 0 {
		return nil, fmt.Errorf("grid configuration %s has no submit command", cfg.Name)
	}
	pattern := `(\d+)`
	if cfg.JobIDPattern != "" {
		pattern = cfg.JobIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid job_id_pattern: %w", err)
	}
	return &ShellAdapter{cfg: cfg, pattern: re, log: logger.New("component", "grid", "grid", cfg.Name)}, nil
}

func (a *ShellAdapter) Name() string { return a.cfg.Name }

func (a *ShellAdapter) Capacity() int { return a.cfg.Capacity }

func (a *ShellAdapter) SlavesOnRemoteSystem() bool { return a.cfg.Remote }

func (a *ShellAdapter) Submit(ctx context.Context, job Job) (string, error) {
	vars := map[string]string{
		"job_name": job.Name,
		"log_file": job.LogPath,
		"err_file": job.ErrPath,
	}
	if job.Rules != nil {
		vars["resources"] = strings.Join(job.Rules.Resources, ",")
		vars["processes"] = strconv.Itoa(job.Rules.Processes)
	}
	argv := expandArgs(a.cfg.Submit, vars, job.Command)
	if job.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(job.LogPath), 0755); err != nil {
			return "", &types.SubmissionError{Adapter: a.Name(), Err: err}
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = job.Dir
	cmd.Env = append(os.Environ(), job.Env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &types.SubmissionError{Adapter: a.Name(), Stderr: cleanOutput(stderr.String()), Err: err}
	}
	m := a.pattern.FindStringSubmatch(stdout.String())
	if m == nil {
		return "", &types.SubmissionError{
			Adapter: a.Name(),
			Stderr:  cleanOutput(stderr.String()),
			Err:     fmt.Errorf("no job id in output %q", cleanOutput(stdout.String())),
		}
	}
	id := m[len(m)-1]
	a.log.Debug("Submitted job", "job", id, "name", job.Name)
	return id, nil
}

func (a *ShellAdapter) Kill(jobID, reason string) bool {
	if len(a.cfg.Kill) == 0 {
		return false
	}
	argv := expandArgs(a.cfg.Kill, map[string]string{
		"job_id": jobID,
		"signal": strings.TrimPrefix(KillSignal(reason).String(), "signal "),
	}, nil)
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		a.log.Debug("Kill command failed", "job", jobID, "err", err, "output", cleanOutput(string(out)))
		return false
	}
	return true
}

func expandArgs(template []string, vars map[string]string, command []string) []string {
	var argv []string
	for _, arg := range template {
		if arg == "{command}" {
			argv = append(argv, command...)
			continue
		}
		expanded := arg
		for k, v := range vars {
			expanded = strings.ReplaceAll(expanded, "{"+k+"}", v)
		}
		if expanded == "" && arg != "" {
			continue
		}
		argv = append(argv, expanded)
	}
	return argv
}

func cleanOutput(s string) string {
	return strings.TrimSpace(stripansi.Strip(s))
}
