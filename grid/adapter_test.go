package grid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

func TestKillSignal(t *testing.T) {
	assert.Equal(t, syscall.SIGUSR1, KillSignal(types.KillReasonRunLimit1))
	assert.Equal(t, syscall.SIGUSR2, KillSignal(types.KillReasonRunLimit2))
	assert.Equal(t, syscall.SIGXCPU, KillSignal(types.KillReasonCPULimit))
	assert.Equal(t, syscall.SIGTERM, KillSignal(types.KillReasonInterrupt))
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs(
		[]string{"qsub", "-N", "{job_name}", "-l", "{resources}", "-o", "{log_file}", "{command}"},
		map[string]string{"job_name": "Test-t1-A", "resources": "", "log_file": "/tmp/x.log"},
		[]string{"op-regress", "-tp", "t1"},
	)
	assert.Equal(t, []string{"qsub", "-N", "Test-t1-A", "-l", "-o", "/tmp/x.log", "op-regress", "-tp", "t1"}, got)
}

func TestReadShellConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "sge"
submit = ["qsub", "-N", "{job_name}", "{command}"]
kill = ["qdel", "{job_id}"]
job_id_pattern = 'Your job (\d+)'
capacity = 40
remote = true
`), 0644))

	cfg, err := ReadShellConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sge", cfg.Name)
	assert.Equal(t, []string{"qdel", "{job_id}"}, cfg.Kill)
	assert.Equal(t, 40, cfg.Capacity)

	a, err := NewShellAdapter(*cfg, nil)
	require.NoError(t, err)
	assert.True(t, a.SlavesOnRemoteSystem())
	assert.Equal(t, 40, a.Capacity())

	_, err = ReadShellConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestNewShellAdapterValidates(t *testing.T) {
	_, err := NewShellAdapter(ShellConfig{Submit: []string{"true"}}, nil)
	assert.Error(t, err)
	_, err = NewShellAdapter(ShellConfig{Name: "x"}, nil)
	assert.Error(t, err)
	_, err = NewShellAdapter(ShellConfig{Name: "x", Submit: []string{"true"}, JobIDPattern: "("}, nil)
	assert.Error(t, err)
}

func TestShellAdapterSubmit(t *testing.T) {
	dir := t.TempDir()
	a, err := NewShellAdapter(ShellConfig{
		Name:         "sge",
		Submit:       []string{"sh", "-c", `echo "Your job 42 ($0) has been submitted"`, "{job_name}"},
		Kill:         []string{"sh", "-c", `test "$0" = 42`, "{job_id}"},
		JobIDPattern: `Your job (\d+)`,
	}, nil)
	require.NoError(t, err)

	id, err := a.Submit(context.Background(), Job{
		Name:    "Test-t1-A",
		Command: []string{"true"},
		LogPath: filepath.Join(dir, SlaveLogDir, "Test-t1-A.log"),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.DirExists(t, filepath.Join(dir, SlaveLogDir))

	assert.True(t, a.Kill("42", types.KillReasonRunLimit1))
	assert.False(t, a.Kill("7", types.KillReasonRunLimit1))
}

func TestShellAdapterSubmitFailure(t *testing.T) {
	a, err := NewShellAdapter(ShellConfig{
		Name:   "sge",
		Submit: []string{"sh", "-c", `printf '\033[31mno such queue\033[0m\n' >&2; exit 3`},
	}, nil)
	require.NoError(t, err)

	_, err = a.Submit(context.Background(), Job{Name: "Test-t1-A", Command: []string{"true"}})
	var subErr *types.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "sge", subErr.Adapter)
	assert.Equal(t, "no such queue", subErr.Stderr)

	noID, err := NewShellAdapter(ShellConfig{Name: "sge", Submit: []string{"echo", "submitted"}}, nil)
	require.NoError(t, err)
	_, err = noID.Submit(context.Background(), Job{Command: []string{"true"}})
	assert.True(t, types.IsSubmissionError(err))
}

func TestLocalAdapterRunsJob(t *testing.T) {
	dir := t.TempDir()
	a := NewLocalAdapter(0, nil)
	assert.Positive(t, a.Capacity())
	assert.False(t, a.SlavesOnRemoteSystem())

	logPath := filepath.Join(dir, SlaveLogDir, "job.log")
	errPath := filepath.Join(dir, SlaveLogDir, "job.errors")
	id, err := a.Submit(context.Background(), Job{
		Name:    "job",
		Command: []string{"sh", "-c", `echo "$GREETING"; echo oops >&2`},
		Env:     []string{"GREETING=hello"},
		Dir:     dir,
		LogPath: logPath,
		ErrPath: errPath,
	})
	require.NoError(t, err)

	select {
	case <-a.Done(id):
	case <-time.After(5 * time.Second):
		require.FailNow(t, "job did not exit")
	}
	out, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	errs, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errs))

	assert.False(t, a.Kill(id, types.KillReasonInterrupt), "exited job no longer exists")
}

func TestLocalAdapterKill(t *testing.T) {
	a := NewLocalAdapter(2, nil)
	assert.Equal(t, 2, a.Capacity())
	id, err := a.Submit(context.Background(), Job{Name: "sleeper", Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	assert.True(t, a.Kill(id, types.KillReasonInterrupt))
	select {
	case <-a.Done(id):
	case <-time.After(5 * time.Second):
		require.FailNow(t, "job was not killed")
	}

	_, err = a.Submit(context.Background(), Job{Name: "empty"})
	assert.True(t, types.IsSubmissionError(err))
}
