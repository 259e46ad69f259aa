package slave

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/grid"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/model/modeltest"
	"github.com/ethereum-optimism/infra/op-regress/responder"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// fakeMaster records every message and answers with the scripted replies in order
type fakeMaster struct {
	ln      net.Listener
	mu      sync.Mutex
	msgs    []*grid.Message
	replies []string
}

func newFakeMaster(t *testing.T, replies ...string) *fakeMaster {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &fakeMaster{ln: ln, replies: replies}
	t.Cleanup(func() { _ = ln.Close() })
	go m.serve()
	return m
}

func (m *fakeMaster) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		msg, err := grid.ReadMessage(conn)
		reply := ""
		m.mu.Lock()
		if err == nil && msg != nil {
			m.msgs = append(m.msgs, msg)
			if len(m.replies) > 0 {
				reply, m.replies = m.replies[0], m.replies[1:]
			}
		}
		m.mu.Unlock()
		_, _ = conn.Write([]byte(reply))
		_ = conn.Close()
	}
}

func (m *fakeMaster) messages() []*grid.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*grid.Message(nil), m.msgs...)
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []*model.Node
	closed   int
}

func (q *fakeQueue) Enqueue(tests ...*model.Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, tests...)
}

func (q *fakeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed++
}

func (q *fakeQueue) closeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type slaveFixture struct {
	*modeltest.Fixture
	bus    *responder.Bus
	queue  *fakeQueue
	master *fakeMaster
	slave  *Slave
}

func newSlave(t *testing.T, replies ...string) *slaveFixture {
	f := modeltest.Build(t, modeltest.TwoApps)
	bus := responder.NewBus(nil)
	f.Arena.SetObserver(bus)
	sf := &slaveFixture{Fixture: f, bus: bus, queue: &fakeQueue{}, master: newFakeMaster(t, replies...)}
	s, err := New(Config{
		Bus:             bus,
		Queue:           sf.queue,
		Load:            f.Arena.FindTest,
		ServerAddr:      sf.master.ln.Addr().String(),
		Identifier:      "77",
		ConnectInterval: time.Millisecond,
		SendBackoff:     time.Millisecond,
	})
	require.NoError(t, err)
	sf.slave = s
	return sf
}

func runToCompletion(tc *model.Node, s *types.TestState) {
	tc.ChangeState(types.Running([]string{"host1"}))
	tc.ChangeState(s)
	tc.Arena().ActionsCompleted(tc)
}

func TestSocketResponderReportsStates(t *testing.T) {
	sf := newSlave(t)
	t1 := sf.Test(t, "A", "t1")

	runToCompletion(t1, types.Succeeded(nil, []string{"host1"}))

	msgs := sf.master.messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, grid.Identifier{ID: "77"}, msg.Identifier)
		assert.Equal(t, "A", msg.App)
		assert.Equal(t, "t1", msg.RelPath)
	}
	running, err := types.DecodeState(msgs[0].State)
	require.NoError(t, err)
	assert.Equal(t, types.ChangeStart, running.LifecycleChange)
	done, err := types.DecodeState(msgs[1].State)
	require.NoError(t, err)
	assert.Equal(t, types.CategorySuccess, done.Category)
	assert.Equal(t, types.ChangeComplete, done.LifecycleChange)

	assert.Equal(t, 1, sf.queue.closeCount(), "empty reply to a complete state ends the slave")
}

func TestSocketResponderRunsHandedOverTest(t *testing.T) {
	sf := newSlave(t, "", "B:t2")
	runToCompletion(sf.Test(t, "A", "t1"), types.Succeeded(nil, nil))

	assert.Equal(t, []*model.Node{sf.Test(t, "B", "t2")}, sf.queue.enqueued)
	assert.Zero(t, sf.queue.closeCount())
}

func TestSocketResponderClosesOnUnknownTest(t *testing.T) {
	sf := newSlave(t, "", "A:missing")
	runToCompletion(sf.Test(t, "A", "t1"), types.Succeeded(nil, nil))

	assert.Empty(t, sf.queue.enqueued)
	assert.Equal(t, 1, sf.queue.closeCount())
}

func TestSocketResponderIdentifierSuffixes(t *testing.T) {
	sf := newSlave(t)
	t1 := sf.Test(t, "A", "t1")

	t1.ChangeState(types.Running(nil))
	sf.bus.NotifyRerun(t1)
	t1.ChangeState(types.Failed("differences", "", nil, nil))
	t1.Arena().ActionsCompleted(t1)

	t2 := sf.Test(t, "A", "t2")
	sf.bus.NotifyKillProcesses(types.KillReasonInterrupt)
	t2.ChangeState(types.Running(nil))

	msgs := sf.master.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, grid.Identifier{ID: "77"}, msgs[0].Identifier)
	assert.Equal(t, grid.Identifier{ID: "77", Rerun: true}, msgs[1].Identifier)
	assert.Equal(t, grid.Identifier{ID: "77", NoReuse: true}, msgs[2].Identifier)
}

func TestSocketResponderGivesUpWithoutMaster(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	f := modeltest.Build(t, modeltest.TwoApps)
	q := &fakeQueue{}
	r, err := NewSocketResponder(SocketConfig{
		ServerAddr:      addr,
		Runtime:         &Slave{queue: q, load: f.Arena.FindTest},
		ConnectAttempts: 2,
		ConnectInterval: time.Millisecond,
	})
	require.NoError(t, err)

	r.NotifyLifecycleChange(f.Test(t, "A", "t1"), types.Running(nil), types.ChangeStart)
	assert.Equal(t, 1, q.closeCount())
}

func TestNewSocketResponderValidates(t *testing.T) {
	_, err := NewSocketResponder(SocketConfig{Runtime: &Slave{}})
	assert.Error(t, err)
	_, err = NewSocketResponder(SocketConfig{ServerAddr: "nohost", Runtime: &Slave{}})
	assert.Error(t, err)
	_, err = NewSocketResponder(SocketConfig{ServerAddr: "127.0.0.1:1"})
	assert.Error(t, err)

	r, err := NewSocketResponder(SocketConfig{ServerAddr: "127.0.0.1:1", Runtime: &Slave{}})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(os.Getpid()), r.id)
}

func TestTransferResponder(t *testing.T) {
	f := modeltest.Build(t, map[string]string{
		"config.A":    "executable: run.sh\nslave_copy_write_directory: 1\n",
		"config.B":    "executable: run.sh\n",
		"testsuite.A": "t1\n",
		"testsuite.B": "t1\n",
		"t1/":         "",
	})
	master := t.TempDir()
	r := NewTransferResponder(func(*model.Application) string { return master }, nil)

	for _, app := range []string{"A", "B"} {
		tc := f.Test(t, app, "t1")
		require.NoError(t, os.MkdirAll(filepath.Join(tc.WriteDirectory(), "sub"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(tc.WriteDirectory(), "sub", "output."+app), []byte("out"), 0644))
		r.NotifyLifecycleChange(tc, types.Succeeded(nil, nil), types.ChangeStart)
	}
	assert.NoFileExists(t, filepath.Join(master, "t1", "sub", "output.A"), "only complete states are copied")

	r.NotifyLifecycleChange(f.Test(t, "A", "t1"), types.Succeeded(nil, nil), types.ChangeComplete)
	r.NotifyLifecycleChange(f.Test(t, "B", "t1"), types.Succeeded(nil, nil), types.ChangeComplete)

	data, err := os.ReadFile(filepath.Join(master, "t1", "sub", "output.A"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(data))
	assert.NoFileExists(t, filepath.Join(master, "t1", "sub", "output.B"), "B does not copy its write directory")

	// a second transfer replaces the earlier copy
	require.NoError(t, os.WriteFile(filepath.Join(f.Test(t, "A", "t1").WriteDirectory(), "sub", "output.A"), []byte("again"), 0644))
	require.NoError(t, r.Transfer(f.Test(t, "A", "t1")))
	data, err = os.ReadFile(filepath.Join(master, "t1", "sub", "output.A"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(data))
}

func TestRedirectLogResponder(t *testing.T) {
	f := modeltest.Build(t, modeltest.TwoApps)
	dir := t.TempDir()
	logPath := filepath.Join(dir, grid.SlaveLogDir, "job.log")
	errPath := filepath.Join(dir, grid.SlaveLogDir, "job.errors")
	require.NoError(t, os.MkdirAll(filepath.Dir(errPath), 0755))

	stderr := os.Stderr
	r := NewRedirectLogResponder(func(*model.Node) (string, string) { return logPath, errPath }, nil)
	t1 := f.Test(t, "A", "t1")
	r.NotifyAdd(t1.Parent(), true)
	assert.Same(t, stderr, os.Stderr, "suites do not start the redirection")

	r.NotifyAdd(t1, true)
	r.NotifyAdd(f.Test(t, "A", "t2"), true)
	_, err := fmt.Fprint(os.Stderr, "oops")
	require.NoError(t, err)
	r.NotifyLifecycleChange(t1, types.Running([]string{"host1"}), types.ChangeStart)
	require.NoError(t, r.Close())
	assert.Same(t, stderr, os.Stderr)

	errs, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Equal(t, "oops", string(errs))
	lines, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(lines), "A:t1: start")
}

func TestRedirectLogResponderLeavesAdapterFiles(t *testing.T) {
	f := modeltest.Build(t, modeltest.TwoApps)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.log")
	require.NoError(t, os.WriteFile(logPath, []byte("from adapter\n"), 0644))

	stderr := os.Stderr
	r := NewRedirectLogResponder(func(*model.Node) (string, string) { return logPath, filepath.Join(dir, "job.errors") }, nil)
	t1 := f.Test(t, "A", "t1")
	r.NotifyAdd(t1, true)
	r.NotifyLifecycleChange(t1, types.Running(nil), types.ChangeStart)
	assert.Same(t, stderr, os.Stderr)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "from adapter\n", string(data))
	assert.NoFileExists(t, filepath.Join(dir, "job.errors"))
}
