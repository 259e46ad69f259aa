package service

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// RunState is what the harness is doing right now
type RunState struct {
	// Running is set while a run is loading or executing tests
	Running bool   `json:"running"`
	RunID   string `json:"run_id,omitempty"`
	// Runs counts the runs finished by this process
	Runs int `json:"runs"`
	// LastResult summarises the latest finished run
	LastResult string `json:"last_result,omitempty"`
	Killed     bool   `json:"killed,omitempty"`
}

type healthzResponse struct {
	Status string `json:"status"`
	RunState
}

// HealthzServer answers liveness checks with the current run state. It
// reports 503 once shutdown has begun.
type HealthzServer struct {
	state    func() RunState
	log      log.Logger
	stopping atomic.Bool

	ctx    context.Context
	server *http.Server
}

func NewHealthzServer(state func() RunState, logger log.Logger) *HealthzServer {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &HealthzServer{state: state, log: logger.New("component", "healthz")}
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	h.server = &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	h.stopping.Store(true)
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	var resp healthzResponse
	if h.state != nil {
		resp.RunState = h.state()
	}
	code := http.StatusOK
	resp.Status = "OK"
	if h.stopping.Load() {
		code = http.StatusServiceUnavailable
		resp.Status = "stopping"
	}
	h.log.Debug("Received health check request", "path", r.URL.Path, "running", resp.Running, "runs", resp.Runs)
	writeJSON(w, code, resp, h.log)
}
