package logging

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "async_test.log")
	af, err := NewAsyncFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, af.Name())

	n, err := af.Write([]byte("Test async write 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 19, n)
	_, err = af.Write([]byte("Test async write 2\n"))
	require.NoError(t, err)
	require.NoError(t, af.Close())
	require.NoError(t, af.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Test async write 1\nTest async write 2\n", string(content))

	_, err = af.Write([]byte("This should fail"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "async file is closed")
}

func TestAsyncFileConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.log")
	af, err := NewAsyncFile(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := af.Write([]byte("line\n"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, af.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, content, 8*50*len("line\n"))
}

func TestAppendAsyncFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.log")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0644))

	af, err := AppendAsyncFile(path)
	require.NoError(t, err)
	_, err = af.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, af.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(content))
}

func TestOpenDiagnostics(t *testing.T) {
	dir := t.TempDir()
	af, logger, err := OpenDiagnostics(dir, log.LevelDebug)
	require.NoError(t, err)
	logger.Debug("Loaded application", "app", "A")
	logger.Trace("hidden")
	require.NoError(t, af.Close())

	content, err := os.ReadFile(filepath.Join(dir, DiagnosticsFile))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Loaded application")
	assert.Contains(t, string(content), "app=A")
	assert.NotContains(t, string(content), "hidden")
}

func TestReadLevelFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "level")
	require.NoError(t, os.WriteFile(path, []byte("debug\nignored\n"), 0644))
	lvl, err := ReadLevelFile(path)
	require.NoError(t, err)
	assert.Equal(t, log.LevelDebug, lvl)

	require.NoError(t, os.WriteFile(path, []byte("  WARN \n"), 0644))
	lvl, err = ReadLevelFile(path)
	require.NoError(t, err)
	assert.Equal(t, log.LevelWarn, lvl)

	require.NoError(t, os.WriteFile(path, []byte("loud\n"), 0644))
	_, err = ReadLevelFile(path)
	assert.Error(t, err)

	_, err = ReadLevelFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
