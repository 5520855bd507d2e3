package agentapi

import (
	"aviatordash/config"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			APIURL:         url,
			RequestTimeout: 2 * time.Second,
		},
	}
}

func TestNewAgentApiClient(t *testing.T) {
	client := NewAgentApiClient(nil, &config.Config{Agent: config.AgentConfig{APIURL: "http://agent.local/"}})

	if client.logger == nil {
		t.Error("expected logger to be set")
	}
	if client.baseURL != "http://agent.local" {
		t.Errorf("unexpected base URL: %s", client.baseURL)
	}
	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("expected default 10s timeout, got: %v", client.httpClient.Timeout)
	}
}

func TestGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/bot/status" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}
		w.Write([]byte(`{
			"status": "in_game",
			"is_running": true,
			"is_betting": false,
			"current_balance": 125.5,
			"last_multiplier": 1.87,
			"last_update": "2024-03-01T12:30:45.123456",
			"error_message": null,
			"current_strategy": null,
			"recent_results": [1.87, 3.2, 1.01]
		}`))
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	status, err := client.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status.RunState() != RunStateRunning {
		t.Errorf("expected in_game to map to running, got: %s", status.RunState())
	}
	if status.CurrentBalance == nil || *status.CurrentBalance != 125.5 {
		t.Errorf("unexpected balance: %v", status.CurrentBalance)
	}
	if len(status.RecentResults) != 3 || status.RecentResults[0] != 1.87 {
		t.Errorf("unexpected recent results: %v", status.RecentResults)
	}

	want := time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.Local)
	if !status.LastUpdate.Equal(want) {
		t.Errorf("unexpected last update: %v", status.LastUpdate)
	}
}

func TestUpdateConfig_SendsOnlyPatchedFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/config" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if len(body) != 1 || body["wait_timeout"] != float64(45) {
			t.Errorf("unexpected patch body: %v", body)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"message": "Configuration updated successfully",
			"config": BotConfig{
				SiteURL:     "https://site",
				WaitTimeout: 45,
				HistorySize: 10,
			},
		})
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	wait := 45
	cfg, err := client.UpdateConfig(context.Background(), ConfigPatch{WaitTimeout: &wait})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WaitTimeout != 45 || cfg.HistorySize != 10 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestUpdateConfig_EmptyPatch(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	if _, err := client.UpdateConfig(context.Background(), ConfigPatch{}); err == nil {
		t.Error("expected error for empty patch")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("expected no request for empty patch")
	}
}

func TestUpdateElements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/elements" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"message":"ok","elements":{"bet_button":"//button[@id='bet']","bet_input":"#amount"}}`))
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	elements, err := client.UpdateElements(context.Background(), ElementMap{ElementBetButton: "//button[@id='bet']"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elements[ElementBetInput] != "#amount" {
		t.Errorf("unexpected elements: %v", elements)
	}
}

func TestStartBetting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/betting/start" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req BettingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.AutoCashout != DefaultAutoCashout {
			t.Errorf("expected default auto cashout, got: %v", req.AutoCashout)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"message": "Betting started",
			"strategy": BettingStrategy{
				Amount:       req.Amount,
				StrategyType: req.Strategy,
				AutoCashout:  req.AutoCashout,
			},
		})
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	strategy, err := client.StartBetting(context.Background(), BettingRequest{Amount: 5, Strategy: StrategyModerate})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strategy.Amount != 5 || strategy.StrategyType != StrategyModerate {
		t.Errorf("unexpected strategy: %+v", strategy)
	}
}

func TestStartBetting_InvalidRequestNotSent(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	tests := []BettingRequest{
		{Amount: 0, Strategy: StrategyModerate},
		{Amount: 1, Strategy: "yolo"},
		{Amount: 1, Strategy: StrategyCustom, AutoCashout: 0.5},
	}
	for _, req := range tests {
		_, err := client.StartBetting(context.Background(), req)
		if err == nil {
			t.Errorf("expected error for %+v", req)
		}
		var apiErr *ApiError
		if errors.As(err, &apiErr) {
			t.Errorf("expected plain error for misuse, got ApiError: %v", err)
		}
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected no requests, got %d", calls)
	}
}

func TestSetCredentials_RequiresBoth(t *testing.T) {
	client := NewAgentApiClient(nil, testConfig("http://127.0.0.1:1"))

	if _, err := client.SetCredentials(context.Background(), Credentials{Username: "user"}); err == nil {
		t.Error("expected error for missing password")
	}
}

func TestRemoteError_Detail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"Bot is already running"}`))
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	_, err := client.StartBot(context.Background())
	if !IsRemote(err) {
		t.Fatalf("expected remote error, got: %v", err)
	}

	var apiErr *ApiError
	errors.As(err, &apiErr)
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Bot is already running" {
		t.Errorf("unexpected message: %s", apiErr.Message)
	}
	if apiErr.Op != OpStartBot {
		t.Errorf("unexpected op: %s", apiErr.Op)
	}
}

func TestRemoteError_ValidationDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":[{"loc":["body","wait_timeout"],"msg":"ensure this value is less than or equal to 120","type":"value_error"}]}`))
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	wait := 500
	_, err := client.UpdateConfig(context.Background(), ConfigPatch{WaitTimeout: &wait})

	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ApiError, got: %v", err)
	}
	if apiErr.Message != "wait_timeout: ensure this value is less than or equal to 120" {
		t.Errorf("unexpected message: %s", apiErr.Message)
	}
}

func TestRemoteError_GenericFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	_, err := client.GetStats(context.Background())

	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ApiError, got: %v", err)
	}
	if apiErr.Kind != KindRemote {
		t.Errorf("expected remote kind, got: %s", apiErr.Kind)
	}
	if apiErr.Message != "remote agent returned status 500" {
		t.Errorf("unexpected message: %s", apiErr.Message)
	}
}

func TestNetworkError_ServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewAgentApiClient(nil, testConfig(url))

	_, err := client.GetConfig(context.Background())
	if !IsNetwork(err) {
		t.Fatalf("expected network error, got: %v", err)
	}
}

func TestNetworkError_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewAgentApiClient(nil, testConfig(server.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.GetStatus(ctx)
	if !IsNetwork(err) {
		t.Fatalf("expected network error on timeout, got: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline error, got: %v", err)
	}
}

func TestUndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": `))
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	_, err := client.GetStatus(context.Background())
	if !IsRemote(err) {
		t.Fatalf("expected remote error for bad body, got: %v", err)
	}
}

func TestGetLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logs" || r.URL.Query().Get("lines") != "20" {
			t.Errorf("unexpected request: %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		io.WriteString(w, `{"logs":["line one\n","line two\n"]}`)
	}))
	defer server.Close()

	client := NewAgentApiClient(nil, testConfig(server.URL))

	logs, err := client.GetLogs(context.Background(), 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("unexpected logs: %v", logs)
	}
}

func TestParseRunState(t *testing.T) {
	tests := []struct {
		status    string
		isRunning bool
		expected  RunState
	}{
		{"stopped", false, RunStateIdle},
		{"starting", true, RunStateStarting},
		{"running", true, RunStateRunning},
		{"logged_in", true, RunStateRunning},
		{"in_game", true, RunStateRunning},
		{"monitoring", true, RunStateMonitoring},
		{"betting", true, RunStateBetting},
		{"stopping", true, RunStateStopping},
		{"error", false, RunStateError},
		{"something_new", true, RunStateRunning},
		{"something_new", false, RunStateIdle},
	}

	for _, tt := range tests {
		if got := ParseRunState(tt.status, tt.isRunning); got != tt.expected {
			t.Errorf("ParseRunState(%q, %v) = %s, want %s", tt.status, tt.isRunning, got, tt.expected)
		}
	}
}

func TestTimestamp_Unmarshal(t *testing.T) {
	tests := []struct {
		raw      string
		expected time.Time
	}{
		{`"2024-03-01T12:00:00Z"`, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{`"2024-03-01T12:00:00.5+02:00"`, time.Date(2024, 3, 1, 10, 0, 0, 500000000, time.UTC)},
		{`"2024-03-01 12:00:00"`, time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)},
		{`"2024-03-01T12:00:00.25"`, time.Date(2024, 3, 1, 12, 0, 0, 250000000, time.Local)},
		{`1709294400`, time.Unix(1709294400, 0)},
		{`null`, time.Time{}},
	}

	for _, tt := range tests {
		var ts Timestamp
		if err := json.Unmarshal([]byte(tt.raw), &ts); err != nil {
			t.Errorf("unmarshal %s: %v", tt.raw, err)
			continue
		}
		if !ts.Equal(tt.expected) {
			t.Errorf("unmarshal %s = %v, want %v", tt.raw, ts.Time, tt.expected)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}
