package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/model/modeltest"
	"github.com/ethereum-optimism/infra/op-regress/responder"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

func healthz(t *testing.T, h *HealthzServer) (int, healthzResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthzHandle(t *testing.T) {
	code, body := healthz(t, NewHealthzServer(nil, nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthzResponse{Status: "OK"}, body)

	state := RunState{Running: true, RunID: "run-1", Runs: 2, LastResult: "Run run-0: 4 tests"}
	h := NewHealthzServer(func() RunState { return state }, nil)
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body.Status)
	assert.Equal(t, state, body.RunState)

	require.NoError(t, h.Shutdown())
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "stopping", body.Status)
}

func TestShutdownWithoutStart(t *testing.T) {
	s := New(Config{})
	assert.Nil(t, s.Status, "status api needs an address and a tracker")
	s.Shutdown()
}

func statusFixture(t *testing.T) (*httptest.Server, *responder.Tracker, *modeltest.Fixture) {
	t.Helper()
	f := modeltest.Build(t, modeltest.TwoApps)
	tracker := responder.NewTracker()
	f.Announce(tracker)
	srv := httptest.NewServer(NewStatusServer(tracker, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, tracker, f
}

func TestStatusTests(t *testing.T) {
	srv, tracker, f := statusFixture(t)
	tracker.NotifyLifecycleChange(f.Test(t, "B", "t2"), types.Running([]string{"host1"}), types.ChangeStart)

	resp, err := http.Get(srv.URL + "/tests")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var tests []responder.TestStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tests))
	require.Len(t, tests, 4)
	assert.Equal(t, "A", tests[0].App)
	assert.Equal(t, "t1", tests[0].Path)

	resp2, err := http.Get(srv.URL + "/tests/B/t2")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var one responder.TestStatus
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&one))
	assert.Equal(t, types.CategoryRunning, one.State.Category)
	assert.Equal(t, []string{"host1"}, one.State.ExecutionHosts)
}

func TestStatusUnknownTest(t *testing.T) {
	srv, _, _ := statusFixture(t)
	resp, err := http.Get(srv.URL + "/tests/C/nowhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "no test nowhere for C", body.Details)
}

func TestStatusEvents(t *testing.T) {
	srv, tracker, f := statusFixture(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	tracker.NotifyLifecycleChange(f.Test(t, "A", "t1"), types.Running(nil), types.ChangeStart)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev responder.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "A", ev.App)
	assert.Equal(t, "t1", ev.Path)
	assert.Equal(t, types.ChangeStart, ev.Change)
	assert.Equal(t, types.CategoryRunning, ev.Category)
}
