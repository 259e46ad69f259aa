// Package slave holds the responders a slave process runs with: state
// reports to the master, write directory transfer and job log redirection.
package slave

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/grid"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

const (
	DefaultConnectAttempts = 5
	DefaultConnectInterval = time.Second
	DefaultSendAttempts    = 9
	DefaultSendBackoff     = time.Second
	replyTimeout           = 25 * time.Second
)

// Runtime is the slave runner as seen by the socket responder
type Runtime interface {
	// Resolve finds or loads the test the master handed over
	Resolve(app, relPath string) (*model.Node, error)
	Enqueue(tests ...*model.Node)
	// Close lets the runner finish once its queue is empty
	Close()
}

type SocketConfig struct {
	ServerAddr string
	// Identifier defaults to the process id
	Identifier      string
	Runtime         Runtime
	ConnectAttempts int
	ConnectInterval time.Duration
	SendAttempts    int
	// SendBackoff is the first wait after a failed exchange; it doubles each time
	SendBackoff time.Duration
	Log         log.Logger
}

// SocketResponder reports every lifecycle change to the master. The reply to
// a complete state names the next test to run, or is empty when there is none.
type SocketResponder struct {
	addr            string
	id              string
	runtime         Runtime
	connectAttempts int
	connectInterval time.Duration
	sendAttempts    int
	sendBackoff     time.Duration
	log             log.Logger

	mu      sync.Mutex
	noReuse bool
	reruns  map[*model.Node]bool
}

func NewSocketResponder(cfg SocketConfig) (*SocketResponder, error) {
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("cannot run slave, no server address has been provided to send results to")
	}
	if _, _, err := net.SplitHostPort(cfg.ServerAddr); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", cfg.ServerAddr, err)
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Identifier == "" {
		cfg.Identifier = strconv.Itoa(os.Getpid())
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectInterval <= 0 {
		cfg.ConnectInterval = DefaultConnectInterval
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = DefaultSendAttempts
	}
	if cfg.SendBackoff <= 0 {
		cfg.SendBackoff = DefaultSendBackoff
	}
	return &SocketResponder{
		addr:            cfg.ServerAddr,
		id:              cfg.Identifier,
		runtime:         cfg.Runtime,
		connectAttempts: cfg.ConnectAttempts,
		connectInterval: cfg.ConnectInterval,
		sendAttempts:    cfg.SendAttempts,
		sendBackoff:     cfg.SendBackoff,
		log:             cfg.Log.New("component", "socket-responder"),
		reruns:          make(map[*model.Node]bool),
	}, nil
}

// NotifyKillProcesses stops the master from handing this slave more tests
func (r *SocketResponder) NotifyKillProcesses(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noReuse = true
}

// NotifyRerun asks the master to run t again, possibly elsewhere
func (r *SocketResponder) NotifyRerun(t *model.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reruns[t] = true
}

func (r *SocketResponder) identifier(t *model.Node) grid.Identifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := grid.Identifier{ID: r.id, NoReuse: r.noReuse, Rerun: r.reruns[t]}
	delete(r.reruns, t)
	return id
}

func (r *SocketResponder) NotifyLifecycleChange(t *model.Node, state *types.TestState, change string) {
	data, err := types.EncodeState(state)
	if err != nil {
		r.log.Error("Failed to encode state", "test", t.Key(), "err", err)
		return
	}
	reply, err := r.exchange(r.identifier(t), grid.TestString(t), data)
	if err != nil {
		r.log.Error("Terminating as failed to communicate with master process", "err", err)
		r.runtime.Close()
		return
	}
	if reply != "" {
		r.takeOver(reply)
		return
	}
	if state.IsComplete() {
		r.log.Debug("No more tests from master", "test", t.Key())
		r.runtime.Close()
	}
}

func (r *SocketResponder) takeOver(reply string) {
	app, relPath, err := grid.ParseTestString(reply)
	if err != nil {
		r.log.Error("Unexpected reply from master", "reply", reply, "err", err)
		r.runtime.Close()
		return
	}
	next, err := r.runtime.Resolve(app, relPath)
	if err != nil {
		r.log.Error("Cannot run test handed over by master", "app", app, "path", relPath, "err", err)
		r.runtime.Close()
		return
	}
	r.log.Info("Reusing slave for test", "test", next.Key())
	r.runtime.Enqueue(next)
}

// exchange sends one message and reads the reply, reconnecting with a
// doubling backoff when the exchange fails.
func (r *SocketResponder) exchange(id grid.Identifier, test string, data []byte) (string, error) {
	wait := r.sendBackoff
	var lastErr error
	for attempt := 0; attempt < r.sendAttempts; attempt++ {
		conn, err := r.connect()
		if err != nil {
			return "", err
		}
		reply, err := r.send(conn, id, test, data)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		r.log.Info("Failed to communicate with master process, retrying", "wait", wait, "err", err)
		time.Sleep(wait)
		wait *= 2
	}
	return "", lastErr
}

func (r *SocketResponder) connect() (net.Conn, error) {
	var err error
	for attempt := 0; attempt < r.connectAttempts; attempt++ {
		var conn net.Conn
		conn, err = net.DialTimeout("tcp", r.addr, replyTimeout)
		if err == nil {
			return conn, nil
		}
		if attempt < r.connectAttempts-1 {
			time.Sleep(r.connectInterval)
		}
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", r.addr, err)
}

func (r *SocketResponder) send(conn net.Conn, id grid.Identifier, test string, data []byte) (string, error) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(replyTimeout)); err != nil {
		return "", err
	}
	if err := grid.WriteMessage(conn, id, test, data); err != nil {
		return "", err
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return "", err
		}
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}
