// Package grid submits tests to a queue system as slave jobs and collects the
// states the slaves report back over TCP.
package grid

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ethereum-optimism/infra/op-regress/metrics"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

const (
	// DefaultKillWait bounds the wait for slaves killed by a resource limit
	DefaultKillWait = 60 * time.Second

	BriefNotSubmitted = "NOT SUBMITTED"
	BriefNoReport     = "no report, possibly killed with SIGKILL"

	readTimeout = time.Minute
)

// KillNotifier is told about kills before the master acts on them
type KillNotifier interface {
	NotifyKillProcesses(reason string)
}

// SlaveCommand builds the command line that runs t as a slave reporting to serverAddr
type SlaveCommand func(t *model.Node, serverAddr string) []string

// DefaultSlaveCommand runs binary with the forwarded arguments followed by
// the switches selecting t and the slave mode.
func DefaultSlaveCommand(binary string, forwarded []string) SlaveCommand {
	return func(t *model.Node, serverAddr string) []string {
		cmd := append([]string{binary}, forwarded...)
		return append(cmd,
			"-a", t.App.Description(),
			"-l",
			"-tp", t.RelPath,
			"-slave", t.App.WriteDirectory(),
			"-servaddr", serverAddr,
		)
	}
}

// Config holds configuration for creating a new master
type Config struct {
	Arena   *model.Arena
	Adapter Adapter
	// Apps are the applications whose tests are submitted; their
	// queue_system_max_capacity settings bound the capacity.
	Apps     []*model.Application
	Notifier KillNotifier
	// BindAddr is the slave server address, 127.0.0.1:0 when empty
	BindAddr string
	// KillWait defaults to DefaultKillWait
	KillWait time.Duration
	Command  SlaveCommand
	// Rules defaults to NewSubmissionRules
	Rules func(t *model.Node) *SubmissionRules
	Log   log.Logger
}

type job struct {
	id      string
	test    *model.Node
	rules   *SubmissionRules
	errPath string
	holding bool
}

// Master keeps its own queue of tests to submit. Tests are handed to running
// slaves in preference to new submissions when their rules allow it.
type Master struct {
	arena    *model.Arena
	adapter  Adapter
	notifier KillNotifier
	bindAddr string
	killWait time.Duration
	command  SlaveCommand
	rules    func(t *model.Node) *SubmissionRules
	apps     []*model.Application
	log      log.Logger
	tracer   trace.Tracer

	capacity int
	sem      *semaphore.Weighted

	mu         sync.Mutex
	queue      *linkedlistqueue.Queue
	closed     bool
	killed     bool
	active     int
	jobs       map[*model.Node]*job
	owner      map[*model.Node]string
	reruns     map[*model.Node]int
	wake       chan struct{}
	completed  chan struct{}
	listener   net.Listener
	stopping   bool
	serverDone chan struct{}
	workers    conc.WaitGroup

	// installMu serialises the states the master installs itself with those
	// reported by slaves.
	installMu sync.Mutex
}

func NewMaster(cfg Config) (*Master, error) {
	if cfg.Arena == nil {
		return nil, fmt.Errorf("arena is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("grid adapter is required")
	}
	if cfg.Command == nil {
		return nil, fmt.Errorf("slave command is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:0"
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = DefaultKillWait
	}
	if cfg.Rules == nil {
		cfg.Rules = NewSubmissionRules
	}
	capacity, err := Capacity(cfg.Adapter, cfg.Apps)
	if err != nil {
		return nil, err
	}
	return &Master{
		arena:      cfg.Arena,
		adapter:    cfg.Adapter,
		notifier:   cfg.Notifier,
		bindAddr:   cfg.BindAddr,
		killWait:   cfg.KillWait,
		command:    cfg.Command,
		rules:      cfg.Rules,
		apps:       cfg.Apps,
		log:        cfg.Log.New("component", "grid-master", "grid", cfg.Adapter.Name()),
		tracer:     otel.Tracer("grid master"),
		capacity:   capacity,
		sem:        semaphore.NewWeighted(int64(capacity)),
		queue:      linkedlistqueue.New(),
		jobs:       make(map[*model.Node]*job),
		owner:      make(map[*model.Node]string),
		reruns:     make(map[*model.Node]int),
		wake:       make(chan struct{}, 1),
		completed:  make(chan struct{}, 1),
		serverDone: make(chan struct{}),
	}, nil
}

// Capacity is the smallest non-zero limit among the adapter capacity and the
// queue_system_max_capacity of every application.
func Capacity(adapter Adapter, apps []*model.Application) (int, error) {
	limit := 0
	consider := func(n int) {
		if n > 0 && (limit == 0 || n < limit) {
			limit = n
		}
	}
	consider(adapter.Capacity())
	for _, app := range apps {
		consider(app.Config.Int("queue_system_max_capacity"))
	}
	if limit == 0 {
		return 0, types.NewConfigurationError("", "no capacity set for grid %s: set queue_system_max_capacity", adapter.Name())
	}
	return limit, nil
}

// Capacity returns the maximum number of jobs submitted at once
func (m *Master) Capacity() int {
	return m.capacity
}

// Start opens the slave server
func (m *Master) Start(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to open slave server on %s: %w", m.bindAddr, err)
	}
	m.mu.Lock()
	m.listener = lis
	m.mu.Unlock()
	m.log.Info("Slave server listening", "addr", lis.Addr().String(), "capacity", m.capacity)
	go m.serve(lis)
	return nil
}

// ServerAddress is the address slaves connect to. An unspecified listen host
// is replaced by the host name when slaves run on other machines.
func (m *Master) ServerAddress() string {
	m.mu.Lock()
	lis := m.listener
	m.mu.Unlock()
	if lis == nil {
		return ""
	}
	addr := lis.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
		if m.adapter.SlavesOnRemoteSystem() {
			if name, err := os.Hostname(); err == nil {
				host = name
			}
		}
	}
	return net.JoinHostPort(host, fmt.Sprint(addr.Port))
}

// Enqueue adds tests to the submission queue. After a kill they are cancelled instead.
func (m *Master) Enqueue(tests ...*model.Node) {
	var cancelled []*model.Node
	m.mu.Lock()
	for _, t := range tests {
		if !t.IsCase() {
			continue
		}
		if m.killed {
			cancelled = append(cancelled, t)
			continue
		}
		m.queue.Enqueue(t)
	}
	m.mu.Unlock()
	m.signal()
	m.cancel(cancelled)
}

// Close tells Run that no more tests will be enqueued
func (m *Master) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Len returns the number of tests waiting to be submitted
func (m *Master) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Size()
}

// Submitted returns the number of jobs holding a capacity slot
func (m *Master) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Master) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run submits queued tests while capacity allows. It returns once the queue
// is closed and drained and the slave server has terminated, or ctx is done.
func (m *Master) Run(ctx context.Context) error {
	m.mu.Lock()
	started := m.listener != nil
	m.mu.Unlock()
	if !started {
		return fmt.Errorf("slave server not started")
	}
	for {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		t, ok := m.next(ctx)
		if !ok {
			m.sem.Release(1)
			break
		}
		m.submit(ctx, t)
	}
	select {
	case <-m.serverDone:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func (m *Master) next(ctx context.Context) (*model.Node, bool) {
	for {
		m.mu.Lock()
		if v, ok := m.queue.Dequeue(); ok {
			m.mu.Unlock()
			return v.(*model.Node), true
		}
		done := m.closed && m.active == 0
		m.mu.Unlock()
		if done {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-m.wake:
		}
	}
}

// submit hands t to the adapter. The caller holds a capacity slot which
// passes to the job, or is released if nothing was submitted.
func (m *Master) submit(ctx context.Context, t *model.Node) {
	if t.State().IsComplete() {
		m.sem.Release(1)
		m.arena.ActionsCompleted(t)
		return
	}
	ctx, span := m.tracer.Start(ctx, fmt.Sprintf("submit %s", t.UniqueName()))
	defer span.End()
	span.SetAttributes(attribute.String("app", t.App.Description()), attribute.String("path", t.RelPath))

	rules := m.rules(t)
	logPath, errPath := rules.JobPaths()
	j := &job{test: t, rules: rules, errPath: errPath, holding: true}

	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		m.sem.Release(1)
		m.cancel([]*model.Node{t})
		return
	}
	m.jobs[t] = j
	m.active++
	active := m.active
	m.mu.Unlock()
	metrics.SetJobsSubmitted(active)

	t.ChangeState(types.Pending(m.adapter.Name()))
	id, err := m.adapter.Submit(ctx, Job{
		Name:    rules.JobName(),
		Command: m.command(t, m.ServerAddress()),
		Env:     queueSystemEnv(t),
		Dir:     t.App.WriteDirectory(),
		LogPath: logPath,
		ErrPath: errPath,
		Rules:   rules,
	})
	metrics.RecordSubmission(t.App.Description(), err)
	if err != nil {
		span.RecordError(err)
		m.log.Warn("Failed to submit test", "test", t.Key(), "err", err)
		m.forget(j)
		m.finish(t, types.Unrunnable(submissionFailure(m.adapter.Name(), err), BriefNotSubmitted, nil))
		return
	}

	m.mu.Lock()
	j.id = id
	m.mu.Unlock()
	m.log.Debug("Submitted test", "test", t.Key(), "job", id)
	if w, ok := m.adapter.(JobWaiter); ok {
		go m.watch(j, w.Done(id))
	}
}

func submissionFailure(adapter string, err error) string {
	var subErr *types.SubmissionError
	if errors.As(err, &subErr) && subErr.Stderr != "" {
		return fmt.Sprintf("Failed to submit to %s (%v)\n%s", adapter, subErr.Err, subErr.Stderr)
	}
	return fmt.Sprintf("Failed to submit to %s (%v)", adapter, err)
}

// queueSystemEnv forwards the QUEUE_SYSTEM_* variables of the test environment
func queueSystemEnv(t *model.Node) []string {
	var env []string
	for k, v := range t.Environment() {
		if strings.HasPrefix(k, "QUEUE_SYSTEM_") {
			env = append(env, k+"="+v)
		}
	}
	slices.Sort(env)
	return env
}

// release gives the capacity slot of j back
func (m *Master) release(j *job) {
	m.mu.Lock()
	if !j.holding {
		m.mu.Unlock()
		return
	}
	j.holding = false
	m.active--
	active := m.active
	m.mu.Unlock()
	m.sem.Release(1)
	metrics.SetJobsSubmitted(active)
	m.signal()
}

// forget detaches j from its test and releases its slot
func (m *Master) forget(j *job) {
	m.mu.Lock()
	if m.jobs[j.test] == j {
		delete(m.jobs, j.test)
	}
	m.mu.Unlock()
	m.release(j)
}

// finish installs a complete state chosen by the master unless the test has
// completed in the meantime.
func (m *Master) finish(t *model.Node, s *types.TestState) {
	m.installMu.Lock()
	installed := !t.State().IsComplete() && t.ChangeState(s)
	m.installMu.Unlock()
	if installed {
		m.arena.ActionsCompleted(t)
	}
	m.notifyCompleted()
}

func (m *Master) notifyCompleted() {
	select {
	case m.completed <- struct{}{}:
	default:
	}
}

func (m *Master) cancel(tests []*model.Node) {
	for _, t := range tests {
		m.finish(t, types.Cancelled(""))
	}
}

func (m *Master) watch(j *job, done <-chan struct{}) {
	<-done
	m.mu.Lock()
	t := j.test
	current := m.jobs[t] == j
	m.mu.Unlock()
	if current && !t.State().IsComplete() {
		m.slaveFailed(j, t, "", "Job exited without reporting a result")
	}
	m.forget(j)
}

// slaveFailed completes the test of a job that disappeared without reporting
func (m *Master) slaveFailed(j *job, t *model.Node, reason, headline string) {
	text := fmt.Sprintf("%s\nJob ID was %s\n", headline, j.id)
	if data, err := os.ReadFile(j.errPath); err == nil {
		if errs := cleanOutput(string(data)); errs != "" {
			text += "---------- Error messages written by the slave ----------\n" + errs + "\n"
		}
	}
	s := t.State()
	if s.HasStarted() {
		killed := types.Killed(reason, text, s.ExecutionHosts)
		killed.BriefText = BriefNoReport
		m.finish(t, killed)
		return
	}
	m.finish(t, types.Unrunnable(text, fmt.Sprintf("%s job exited", m.adapter.Name()), nil))
}

// KillProcesses stops the run. Queued tests are cancelled and every live job
// is killed through the adapter. For resource limits the master waits up to
// the kill wait for the killed slaves to report, then abandons them.
func (m *Master) KillProcesses(reason string) {
	m.log.Warn("Killing grid jobs", "reason", types.DescribeKillReason(reason))
	if m.notifier != nil {
		m.notifier.NotifyKillProcesses(reason)
	}

	m.mu.Lock()
	m.killed = true
	m.closed = true
	var queued []*model.Node
	for _, v := range m.queue.Values() {
		queued = append(queued, v.(*model.Node))
	}
	m.queue.Clear()
	var live []*job
	for _, j := range m.jobs {
		live = append(live, j)
	}
	m.mu.Unlock()
	m.signal()
	slices.SortFunc(live, func(a, b *job) int {
		return strings.Compare(a.test.Key().String(), b.test.Key().String())
	})

	m.cancel(queued)

	var waiting []*job
	for _, j := range live {
		t := j.test
		s := t.State()
		if s.IsComplete() {
			continue
		}
		existed := m.adapter.Kill(j.id, reason)
		switch {
		case existed && s.HasStarted():
			waiting = append(waiting, j)
		case existed:
			m.finish(t, types.CancelledPending(j.id, m.adapter.Name(), time.Now()))
			m.forget(j)
		default:
			m.slaveFailed(j, t, reason, types.DescribeKillReason(reason))
			m.forget(j)
		}
	}
	if len(waiting) == 0 {
		return
	}

	if !types.IsTimeLimit(reason) {
		for _, j := range waiting {
			text := fmt.Sprintf("%s\nJob ID was %s\n", types.DescribeKillReason(reason), j.id)
			m.finish(j.test, types.Killed(reason, text, j.test.State().ExecutionHosts))
			m.forget(j)
		}
		return
	}

	m.log.Info("Waiting for killed jobs to report", "jobs", len(waiting), "wait", m.killWait)
	deadline := time.NewTimer(m.killWait)
	defer deadline.Stop()
	for !allComplete(waiting) {
		select {
		case <-m.completed:
			continue
		case <-deadline.C:
		}
		break
	}
	for _, j := range waiting {
		if !j.test.State().IsComplete() {
			m.log.Warn("Abandoning job", "test", j.test.Key(), "job", j.id)
			m.finish(j.test, types.Abandoned(
				fmt.Sprintf("Could not delete test in %s (job %s): have abandoned it", m.adapter.Name(), j.id), ""))
		}
		m.forget(j)
	}
}

func allComplete(jobs []*job) bool {
	for _, j := range jobs {
		if !j.test.State().IsComplete() {
			return false
		}
	}
	return true
}

// NotifyAllComplete terminates the slave server and reports slave errors
func (m *Master) NotifyAllComplete() {
	m.Close()
	m.mu.Lock()
	lis := m.listener
	m.mu.Unlock()
	if lis != nil {
		if err := m.terminateServer(lis.Addr()); err != nil {
			m.log.Warn("Failed to send terminate sentinel, closing server", "err", err)
			m.mu.Lock()
			m.stopping = true
			m.mu.Unlock()
			lis.Close()
		}
	}
	m.reportSlaveErrors()
}

func (m *Master) terminateServer(addr net.Addr) error {
	tcp := addr.(*net.TCPAddr)
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprint(tcp.Port)), 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "%s\n", TerminateServer)
	return err
}

func (m *Master) reportSlaveErrors() {
	for _, app := range m.apps {
		files, err := filepath.Glob(filepath.Join(app.WriteDirectory(), SlaveLogDir, "*.errors"))
		if err != nil {
			continue
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			if text := cleanOutput(string(data)); text != "" {
				m.log.Warn("Slave process wrote errors", "file", f, "errors", text)
			}
		}
	}
}

// Stop closes the slave server and waits for open connections to be handled
func (m *Master) Stop() {
	m.mu.Lock()
	lis := m.listener
	m.stopping = true
	m.mu.Unlock()
	if lis != nil {
		lis.Close()
		<-m.serverDone
	}
}

func (m *Master) serve(lis net.Listener) {
	defer close(m.serverDone)
	defer m.workers.Wait()
	for {
		conn, err := lis.Accept()
		if err != nil {
			m.mu.Lock()
			stopping := m.stopping
			m.mu.Unlock()
			if stopping || errors.Is(err, net.ErrClosed) {
				m.log.Debug("Slave server terminated")
				return
			}
			m.log.Warn("Failed to accept slave connection", "err", err)
			continue
		}
		m.workers.Go(func() {
			m.handleConn(lis, conn)
		})
	}
}

func (m *Master) handleConn(lis net.Listener, conn net.Conn) {
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		m.log.Debug("Failed to set read deadline", "err", err)
	}
	msg, err := ReadMessage(conn)
	if err != nil {
		m.log.Warn("Failed to read slave message", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}
	if msg == nil {
		m.mu.Lock()
		m.stopping = true
		m.mu.Unlock()
		lis.Close()
		return
	}
	if reply := m.handleMessage(msg); reply != "" {
		if _, err := conn.Write([]byte(reply)); err != nil {
			m.log.Warn("Failed to send reply to slave", "slave", msg.Identifier.ID, "err", err)
		}
	}
}

// handleMessage installs a reported state and returns the reply: the next
// test for the slave to run, or nothing.
func (m *Master) handleMessage(msg *Message) string {
	t := m.arena.Lookup(model.Key{App: msg.App, RelPath: msg.RelPath})
	if t == nil || !t.IsCase() {
		m.log.Warn("Received state for unknown test", "app", msg.App, "path", msg.RelPath, "slave", msg.Identifier.ID)
		return ""
	}
	state, err := types.DecodeState(msg.State)
	if err != nil {
		m.log.Warn("Failed to decode slave state", "test", t.Key(), "slave", msg.Identifier.ID, "err", err)
		return ""
	}

	m.mu.Lock()
	if owner := m.owner[t]; owner != "" && owner != msg.Identifier.ID {
		m.mu.Unlock()
		m.log.Warn("Rejecting state from unexpected slave", "test", t.Key(), "slave", msg.Identifier.ID, "expected", owner)
		return ""
	}
	m.owner[t] = msg.Identifier.ID
	if msg.Identifier.Rerun && state.IsComplete() && m.reruns[t] < t.App.Config.Int("queue_system_max_reruns") {
		m.reruns[t]++
		rerun := m.reruns[t]
		delete(m.owner, t)
		j := m.jobs[t]
		delete(m.jobs, t)
		m.queue.Enqueue(t)
		m.mu.Unlock()
		m.log.Info("Rerunning test", "test", t.Key(), "rerun", rerun)
		if j != nil {
			m.release(j)
		}
		m.signal()
		return ""
	}
	m.mu.Unlock()

	m.installMu.Lock()
	old := t.State()
	switch {
	case state.IsComplete() && old.IsComplete():
		t.ChangeState(state.WithLifecycleChange(types.ChangeRecalculated))
	case state.IsComplete() || !old.IsComplete():
		t.ChangeState(state)
	default:
		m.log.Debug("Ignoring incomplete state for complete test", "test", t.Key(), "state", state)
	}
	m.installMu.Unlock()

	if !state.IsComplete() {
		return ""
	}
	m.notifyCompleted()
	return m.reuse(t, msg.Identifier, state)
}

// reuse hands the slave that finished t the first queued test its rules allow
func (m *Master) reuse(t *model.Node, id Identifier, state *types.TestState) string {
	m.mu.Lock()
	j := m.jobs[t]
	if j == nil {
		m.mu.Unlock()
		return ""
	}
	delete(m.jobs, t)
	if m.killed || id.NoReuse || state.Category == types.CategoryKilled {
		m.mu.Unlock()
		m.release(j)
		return ""
	}
	next, rules := m.takeReusable(j.rules)
	if next == nil {
		m.mu.Unlock()
		metrics.RecordReuse(false)
		m.release(j)
		return ""
	}
	j.test = next
	j.rules = rules
	m.jobs[next] = j
	m.owner[next] = id.ID
	m.mu.Unlock()

	metrics.RecordReuse(true)
	m.log.Debug("Reusing slave", "slave", id.ID, "finished", t.Key(), "next", next.Key())
	return TestString(next)
}

// takeReusable must be called with m.mu held
func (m *Master) takeReusable(finished *SubmissionRules) (*model.Node, *SubmissionRules) {
	var found *model.Node
	var foundRules *SubmissionRules
	values := m.queue.Values()
	m.queue.Clear()
	for _, v := range values {
		t := v.(*model.Node)
		if found == nil && !t.State().IsComplete() {
			if rules := m.rules(t); finished.AllowsReuse(rules) {
				found, foundRules = t, rules
				continue
			}
		}
		m.queue.Enqueue(t)
	}
	return found, foundRules
}
