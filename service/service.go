package service

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/metrics"
	"github.com/ethereum-optimism/infra/op-regress/responder"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

// Config selects which servers run. An empty address disables a server.
type Config struct {
	HealthzAddr string
	MetricsAddr string
	StatusAddr  string
	// Tracker feeds the status API and is required when StatusAddr is set
	Tracker *responder.Tracker
	// RunState feeds the healthz body; nil reports an idle harness
	RunState func() RunState
	Log      log.Logger
}

// DefaultConfig serves healthz and metrics on their usual ports
func DefaultConfig() Config {
	return Config{
		HealthzAddr: net.JoinHostPort(HealthzHost, HealthzPort),
		MetricsAddr: net.JoinHostPort(MetricsHost, MetricsPort),
	}
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer
	Status  *StatusServer

	cfg Config
	log log.Logger
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	s := &Service{
		Healthz: NewHealthzServer(cfg.RunState, cfg.Log),
		Metrics: &MetricsServer{},
		cfg:     cfg,
		log:     cfg.Log.New("component", "service"),
	}
	if cfg.StatusAddr != "" && cfg.Tracker != nil {
		s.Status = NewStatusServer(cfg.Tracker, cfg.Log)
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.log.Info("service starting")

	if s.cfg.HealthzAddr != "" {
		s.serve("healthz", s.cfg.HealthzAddr, func(addr string) error { return s.Healthz.Start(ctx, addr) })
	}
	if s.cfg.MetricsAddr != "" {
		s.serve("metrics", s.cfg.MetricsAddr, func(addr string) error { return s.Metrics.Start(ctx, addr) })
	}
	if s.Status != nil {
		s.serve("status", s.cfg.StatusAddr, func(addr string) error { return s.Status.Start(ctx, addr) })
	}

	s.log.Info("service started")
}

func (s *Service) serve(name, addr string, start func(addr string) error) {
	go func() {
		s.log.Info("starting "+name+" server", "addr", addr)
		if err := start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting "+name+" server", "err", err)
			metrics.RecordErrorDetails("error starting "+name+" server", err)
		}
	}()
}

func (s *Service) Shutdown() {
	s.log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	s.log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	s.log.Info("metrics stopped")

	if s.Status != nil {
		_ = s.Status.Shutdown()
		s.log.Info("status api stopped")
	}

	s.log.Info("service stopped")
}
