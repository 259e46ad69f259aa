package slave

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/responder"
)

// Queue is the part of the action runner a slave feeds
type Queue interface {
	Enqueue(tests ...*model.Node)
	Close()
}

// Loader finds a test by application description and relative path,
// loading its application first when the slave has not seen it yet.
type Loader func(app, relPath string) (*model.Node, error)

type Config struct {
	Bus        *responder.Bus
	Queue      Queue
	Load       Loader
	ServerAddr string
	Identifier string
	// MasterWriteDir names the master's write directory of an application.
	// Completed tests are copied there when slave_copy_write_directory is set.
	MasterWriteDir func(app *model.Application) string
	JobPaths       JobPaths
	// Retry timings, zero means the SocketResponder defaults
	ConnectInterval time.Duration
	SendBackoff     time.Duration
	Log             log.Logger
}

// Slave wires the slave responders onto the bus and hands tests the master
// sends back to the runner.
type Slave struct {
	queue    Queue
	load     Loader
	socket   *SocketResponder
	redirect *RedirectLogResponder
	log      log.Logger
}

func New(cfg Config) (*Slave, error) {
	if cfg.Bus == nil || cfg.Queue == nil || cfg.Load == nil {
		return nil, errors.New("bus, queue and loader are required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	s := &Slave{queue: cfg.Queue, load: cfg.Load, log: cfg.Log.New("component", "slave")}
	socket, err := NewSocketResponder(SocketConfig{
		ServerAddr:      cfg.ServerAddr,
		Identifier:      cfg.Identifier,
		Runtime:         s,
		ConnectInterval: cfg.ConnectInterval,
		SendBackoff:     cfg.SendBackoff,
		Log:             cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	s.socket = socket
	if cfg.JobPaths != nil {
		s.redirect = NewRedirectLogResponder(cfg.JobPaths, cfg.Log)
		cfg.Bus.Subscribe(s.redirect)
	}
	if cfg.MasterWriteDir != nil {
		cfg.Bus.Subscribe(NewTransferResponder(cfg.MasterWriteDir, cfg.Log))
	}
	cfg.Bus.Subscribe(socket)
	return s, nil
}

func (s *Slave) Resolve(app, relPath string) (*model.Node, error) {
	t, err := s.load(app, relPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find test %s:%s: %w", app, relPath, err)
	}
	if !t.IsCase() {
		return nil, fmt.Errorf("%s:%s is not a test case", app, relPath)
	}
	return t, nil
}

func (s *Slave) Enqueue(tests ...*model.Node) {
	s.queue.Enqueue(tests...)
}

func (s *Slave) Close() {
	s.queue.Close()
}

// Shutdown restores the redirected stderr
func (s *Slave) Shutdown() error {
	if s.redirect == nil {
		return nil
	}
	return s.redirect.Close()
}
