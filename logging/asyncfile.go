// Package logging holds the file writers used for slave job logs and for the
// diagnostic log of the harness itself.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	"github.com/ethereum/go-ethereum/log"
)

// DiagnosticsFile is the name of the process log written with -xw
const DiagnosticsFile = "op-regress.log"

// AsyncFile provides non-blocking file writing
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

var _ io.WriteCloser = (*AsyncFile)(nil)

// NewAsyncFile truncates path, creating its directory if needed
func NewAsyncFile(path string) (*AsyncFile, error) {
	return openAsync(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

// AppendAsyncFile opens path for appending
func AppendAsyncFile(path string) (*AsyncFile, error) {
	return openAsync(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

func openAsync(path string, flag int) (*AsyncFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Name returns the path of the underlying file
func (af *AsyncFile) Name() string {
	return af.file.Name()
}

// Write queues a copy of data. It only blocks when the queue is full.
func (af *AsyncFile) Write(data []byte) (int, error) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if af.stopped {
		return 0, fmt.Errorf("async file is closed")
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	af.queue <- dataCopy
	return len(data), nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()
	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to %s: %v\n", af.file.Name(), err)
		}
	}
}

// Close flushes queued writes and closes the file. Later calls are no-ops.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.stopped {
		af.mu.Unlock()
		return nil
	}
	af.stopped = true
	close(af.queue)
	af.mu.Unlock()

	af.wg.Wait()
	return af.file.Close()
}

// OpenDiagnostics starts writing the process log to dir/op-regress.log at
// level. The returned file must be closed when the process exits.
func OpenDiagnostics(dir string, level slog.Level) (*AsyncFile, log.Logger, error) {
	af, err := NewAsyncFile(filepath.Join(dir, DiagnosticsFile))
	if err != nil {
		return nil, nil, err
	}
	return af, log.NewLogger(log.NewTerminalHandlerWithLevel(af, level, false)), nil
}

// ReadLevelFile reads a level name such as "debug" from the first line of path
func ReadLevelFile(path string) (slog.Level, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return log.LevelInfo, fmt.Errorf("failed to read log level file: %w", err)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	lvl, err := oplog.LevelFromString(strings.TrimSpace(first))
	if err != nil {
		return log.LevelInfo, fmt.Errorf("invalid log level in %s: %w", path, err)
	}
	return lvl, nil
}
