package app

import (
	"aviatordash/clients/agentapi"
	"aviatordash/clients/agentevents"
	"aviatordash/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type serverHarness struct {
	api    *fakeAgentAPI
	syncer *Syncer
	server *httptest.Server
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testSyncConfig()
	api := newFakeAgentAPI()
	store := state.NewStore(logger, cfg.Sync.MaxRecentResults)
	syncer := NewSyncer(logger, cfg, api, newFakeEvents(), store)
	srv := NewStateServer(logger, syncer, func() ServiceStats { return ServiceStats{Uptime: "1s"} })

	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return &serverHarness{api: api, syncer: syncer, server: server}
}

func (h *serverHarness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestStateServer_Health(t *testing.T) {
	h := newServerHarness(t)

	status, _ := h.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, status)
}

func TestStateServer_State(t *testing.T) {
	h := newServerHarness(t)
	require.NoError(t, h.syncer.Refresh(context.Background()))

	status, body := h.do(t, http.MethodGet, "/state", "")

	require.Equal(t, http.StatusOK, status)
	agent := body["agent"].(map[string]any)
	assert.Equal(t, "running", agent["run_state"])
	assert.Equal(t, float64(10), body["config"].(map[string]any)["wait_timeout"])
	assert.Equal(t, "disconnected", body["connection"].(map[string]any)["state"])
}

func TestStateServer_Stats(t *testing.T) {
	h := newServerHarness(t)

	status, body := h.do(t, http.MethodGet, "/stats", "")

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1s", body["uptime"])
}

func TestStateServer_StartBettingWhileIdleConflicts(t *testing.T) {
	h := newServerHarness(t)

	status, body := h.do(t, http.MethodPost, "/api/betting/start", `{"amount":1,"strategy":"moderate","auto_cashout":2}`)

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "precondition_failed", body["error"])
	assert.Zero(t, h.api.count(agentapi.OpStartBetting))
}

func TestStateServer_UpdateConfig(t *testing.T) {
	h := newServerHarness(t)

	status, body := h.do(t, http.MethodPut, "/api/config", `{"wait_timeout":20}`)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(20), body["wait_timeout"])
	snap := h.syncer.Store().Snapshot()
	require.NotNil(t, snap.Config)
	assert.Equal(t, 20, snap.Config.WaitTimeout)
}

func TestStateServer_InvalidJSON(t *testing.T) {
	h := newServerHarness(t)

	status, body := h.do(t, http.MethodPut, "/api/config", `{"wait_timeout":`)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_json", body["error"])
	assert.Zero(t, h.api.count(agentapi.OpUpdateConfig))
}

func TestStateServer_CommandErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "remote",
			err:        &agentapi.ApiError{Kind: agentapi.KindRemote, Op: agentapi.OpStartBot, StatusCode: 400, Message: "Bot is already running"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "agent_error",
		},
		{
			name:       "network",
			err:        &agentapi.ApiError{Kind: agentapi.KindNetwork, Op: agentapi.OpStartBot, Err: errors.New("connection refused")},
			wantStatus: http.StatusBadGateway,
			wantCode:   "agent_unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServerHarness(t)
			h.api.setErr(agentapi.OpStartBot, tt.err)

			status, body := h.do(t, http.MethodPost, "/api/bot/start", "")

			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body["error"])
			assert.Contains(t, body["message"], agentapi.OpStartBot)
		})
	}
}

func TestStateServer_MethodNotAllowed(t *testing.T) {
	h := newServerHarness(t)

	status, _ := h.do(t, http.MethodGet, "/api/bot/start", "")

	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestStateServer_WebSocketPushesSnapshots(t *testing.T) {
	h := newServerHarness(t)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, false, first["connection"].(map[string]any)["connected"])

	h.syncer.Store().SetConnection(agentevents.ConnectionState{
		State:     agentevents.StateConnected,
		Connected: true,
		At:        time.Now(),
	})

	var next map[string]any
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, true, next["connection"].(map[string]any)["connected"])
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{&PreconditionError{Op: "start betting", Reason: "agent is idle"}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", &agentapi.ApiError{Kind: agentapi.KindRemote, StatusCode: 422}), 422},
		{&agentapi.ApiError{Kind: agentapi.KindRemote, StatusCode: 0}, http.StatusBadGateway},
		{&agentapi.ApiError{Kind: agentapi.KindNetwork}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("betting amount must be positive"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.expected {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.expected)
		}
	}
}
