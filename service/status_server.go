package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-regress/responder"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// StatusServer serves the latest test states and a websocket feed of
// lifecycle changes taken from a responder.Tracker.
type StatusServer struct {
	tracker  *responder.Tracker
	log      log.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	server *http.Server
}

type statusResponse struct {
	StatusCode int    `json:"status_code"`
	Details    string `json:"details"`
}

func NewStatusServer(tracker *responder.Tracker, logger log.Logger) *StatusServer {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &StatusServer{
		tracker: tracker,
		log:     logger.New("component", "status-api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routes of the status API
func (s *StatusServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/tests", s.handleTests).Methods(http.MethodGet)
	r.HandleFunc("/tests/{app}/{path:.+}", s.handleTest).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(r)
}

func (s *StatusServer) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Handler: s.Handler(),
		Addr:    addr,
	}
	s.ctx = ctx
	return s.server.ListenAndServe()
}

func (s *StatusServer) Shutdown() error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(s.ctx)
}

func (s *StatusServer) handleTests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Tests(), s.log)
}

func (s *StatusServer) handleTest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, ok := s.tracker.Test(vars["app"], vars["path"])
	if !ok {
		writeJSON(w, http.StatusNotFound, statusResponse{
			StatusCode: http.StatusNotFound,
			Details:    "no test " + vars["path"] + " for " + vars["app"],
		}, s.log)
		return
	}
	writeJSON(w, http.StatusOK, st, s.log)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger log.Logger) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		logger.Error("failed to marshal response", "err", err)
		code = http.StatusInternalServerError
		data = []byte("internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		logger.Debug("failed to send response", "err", err)
	}
}

// handleEvents streams every lifecycle change as a JSON text message until
// the client goes away.
func (s *StatusServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, stop := s.tracker.Subscribe()
	defer stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade event stream", "err", err)
		return
	}
	defer conn.Close()

	// the read side only notices the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("event stream closed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
