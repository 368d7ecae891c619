package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirZayers/Nimble/simulator"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	cfg := simulator.DefaultConfig()
	cfg.RoundTimeout = 200 * time.Millisecond
	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func state(t *testing.T, s *Server) simulator.State {
	t.Helper()
	rec := do(t, s, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st simulator.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestStepAndFaults(t *testing.T) {
	s := newServer(t)

	rec := do(t, s, http.MethodPost, "/api/step", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "error")
	assert.Equal(t, 2, state(t, s).Appends)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/crash?node=0", "").Code)
	assert.Equal(t, simulator.NodeStatusCrashed, state(t, s).Nodes[0].Status)

	rec = do(t, s, http.MethodPost, "/api/probe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var probe map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &probe))
	assert.Len(t, probe, 3)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/recover?node=0", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/isolate", `{"nodes":[1]}`).Code)
	assert.Equal(t, simulator.NodeStatusPartitioned, state(t, s).Nodes[1].Status)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/heal", "").Code)
	assert.Equal(t, simulator.NodeStatusActive, state(t, s).Nodes[1].Status)

	rec = do(t, s, http.MethodPost, "/api/remove?node=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(1), state(t, s).Epoch)
}

func TestBadRequests(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/step", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPost, "/api/state", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/crash", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/crash?node=x", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/api/crash?node=9", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/isolate", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/reset?level=lava", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/reset?f=0", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodOptions, "/api/state", "").Code)
}

func TestReset(t *testing.T) {
	s := newServer(t)
	do(t, s, http.MethodPost, "/api/step", "")

	rec := do(t, s, http.MethodPost, "/api/reset?level=degraded&f=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(5), out["nodeCount"])

	st := state(t, s)
	assert.Equal(t, "Degraded Network", st.Level)
	assert.Len(t, st.Nodes, 5)
	assert.Zero(t, st.Appends)
}

func TestStartStop(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.Start())
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/api/start", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/stop", "").Code)
	assert.False(t, state(t, s).Running)
}
