package slave

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/logging"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// JobPaths returns the job log and error file paths for the first test of a slave
type JobPaths func(t *model.Node) (logPath, errPath string)

// RedirectLogResponder sends the slave's stderr to the job errors file and
// records a timestamped line per lifecycle change in the job log. Nothing is
// redirected when either file already exists, as the grid adapter has then
// set up the redirection itself.
type RedirectLogResponder struct {
	paths JobPaths
	log   log.Logger

	mu      sync.Mutex
	started bool
	logFile *logging.AsyncFile
	errFile *os.File
	stderr  *os.File
}

func NewRedirectLogResponder(paths JobPaths, logger log.Logger) *RedirectLogResponder {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &RedirectLogResponder{paths: paths, log: logger.New("component", "log-redirect")}
}

func (r *RedirectLogResponder) NotifyAdd(t *model.Node, initial bool) {
	if !t.IsCase() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	logPath, errPath := r.paths(t)
	if exists(logPath) || exists(errPath) {
		return
	}
	logFile, err := logging.NewAsyncFile(logPath)
	if err != nil {
		r.log.Error("Failed to open job log", "path", logPath, "err", err)
		return
	}
	errFile, err := os.Create(errPath)
	if err != nil {
		r.log.Error("Failed to open job errors file", "path", errPath, "err", err)
		_ = logFile.Close()
		return
	}
	r.logFile = logFile
	r.errFile = errFile
	r.stderr = os.Stderr
	os.Stderr = errFile
}

func (r *RedirectLogResponder) NotifyLifecycleChange(t *model.Node, state *types.TestState, change string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logFile == nil {
		return
	}
	line := fmt.Sprintf("%s %s: %s (%s)\n", time.Now().Format(time.DateTime), t.Key(), change, state.Describe())
	if _, err := r.logFile.Write([]byte(line)); err != nil {
		r.log.Warn("Failed to write job log", "err", err)
	}
}

// Close restores stderr and flushes the job files
func (r *RedirectLogResponder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logFile == nil {
		return nil
	}
	os.Stderr = r.stderr
	err := r.logFile.Close()
	if cerr := r.errFile.Close(); err == nil {
		err = cerr
	}
	r.logFile, r.errFile = nil, nil
	return err
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
