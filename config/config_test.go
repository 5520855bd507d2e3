package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any env vars that might affect the test
	envVars := []string{
		"AGENT_API_URL", "AGENT_WS_URL", "AGENT_REQUEST_TIMEOUT",
		"SYNC_HEARTBEAT_INTERVAL", "SYNC_COMPENSATING_DELAY", "SYNC_RECONNECT_MIN_BACKOFF",
		"SYNC_RECONNECT_MAX_BACKOFF", "SYNC_PING_INTERVAL", "SYNC_STALE_AFTER", "SYNC_MAX_RECENT_RESULTS",
		"DISCORD_BOT_TOKEN", "DISCORD_CHANNEL_ID", "TELEGRAM_BOT_KEY", "TELEGRAM_CHAT_ID",
		"ALERTS_ENABLED", "ALERT_MIN_SEVERITY", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
		"STATE_SERVER_ENABLED", "STATE_SERVER_PORT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	if cfg.Agent.APIURL != "http://localhost:8000" {
		t.Errorf("unexpected api url: %s", cfg.Agent.APIURL)
	}
	if cfg.Agent.EventsURL != "ws://localhost:8000/ws" {
		t.Errorf("unexpected events url: %s", cfg.Agent.EventsURL)
	}
	if cfg.Agent.RequestTimeout != 10*time.Second {
		t.Errorf("unexpected request timeout: %v", cfg.Agent.RequestTimeout)
	}

	if cfg.Sync.HeartbeatInterval != 5*time.Second {
		t.Errorf("unexpected heartbeat interval: %v", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.CompensatingPullDelay != 1*time.Second {
		t.Errorf("unexpected compensating delay: %v", cfg.Sync.CompensatingPullDelay)
	}
	if cfg.Sync.ReconnectMinBackoff != 1*time.Second || cfg.Sync.ReconnectMaxBackoff != 30*time.Second {
		t.Errorf("unexpected backoff: %v..%v", cfg.Sync.ReconnectMinBackoff, cfg.Sync.ReconnectMaxBackoff)
	}
	if cfg.Sync.MaxRecentResults != 50 {
		t.Errorf("unexpected max recent results: %d", cfg.Sync.MaxRecentResults)
	}

	if cfg.Discord.BotToken != "" {
		t.Error("expected empty bot token by default")
	}
	if !cfg.Alerts.Enabled {
		t.Error("expected alerts to be enabled by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if !cfg.StateServer.Enabled || cfg.StateServer.Port != 8090 {
		t.Errorf("unexpected state server defaults: %+v", cfg.StateServer)
	}

	if res := cfg.Validate(); !res.Valid {
		t.Errorf("expected defaults to validate, got: %+v", res.Errors)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("AGENT_API_URL", "http://agent.local:9000/")
	t.Setenv("AGENT_WS_URL", "wss://agent.local:9000/ws")
	t.Setenv("AGENT_REQUEST_TIMEOUT", "3s")
	t.Setenv("SYNC_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("SYNC_STALE_AFTER", "0s")
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	t.Setenv("DISCORD_CHANNEL_ID", "chan")
	t.Setenv("ALERTS_ENABLED", "false")
	t.Setenv("ALERT_MIN_SEVERITY", "WARNING")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STATE_SERVER_PORT", "9999")

	cfg := Load()

	if cfg.Agent.APIURL != "http://agent.local:9000" {
		t.Errorf("expected trailing slash trimmed, got: %s", cfg.Agent.APIURL)
	}
	if cfg.Agent.EventsURL != "wss://agent.local:9000/ws" {
		t.Errorf("unexpected events url: %s", cfg.Agent.EventsURL)
	}
	if cfg.Agent.RequestTimeout != 3*time.Second {
		t.Errorf("unexpected request timeout: %v", cfg.Agent.RequestTimeout)
	}
	if cfg.Sync.HeartbeatInterval != 2*time.Second {
		t.Errorf("unexpected heartbeat interval: %v", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.StaleAfter != 0 {
		t.Errorf("unexpected stale after: %v", cfg.Sync.StaleAfter)
	}
	if cfg.Discord.BotToken != "tok" || cfg.Discord.ChannelID != "chan" {
		t.Errorf("unexpected discord config: %+v", cfg.Discord)
	}
	if cfg.Alerts.Enabled {
		t.Error("expected alerts disabled")
	}
	if cfg.Alerts.MinSeverity != "warning" {
		t.Errorf("unexpected min severity: %s", cfg.Alerts.MinSeverity)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("unexpected log level: %s", cfg.Logging.Level)
	}
	if cfg.StateServer.Port != 9999 {
		t.Errorf("unexpected port: %d", cfg.StateServer.Port)
	}
}

func TestEnvDuration_Invalid(t *testing.T) {
	t.Setenv("TEST_DURATION", "not-a-duration")

	if d := envDuration("TEST_DURATION", 7*time.Second); d != 7*time.Second {
		t.Errorf("expected default for invalid duration, got: %v", d)
	}
}

func TestEnvInt_Invalid(t *testing.T) {
	t.Setenv("TEST_INT", "abc")

	if i := envInt("TEST_INT", 42); i != 42 {
		t.Errorf("expected default for invalid int, got: %d", i)
	}
}

func TestEnvBoolDefault(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"false", true, false},
		{"nope", true, false},
	}

	for _, tt := range tests {
		t.Setenv("TEST_BOOL", tt.value)
		if got := envBoolDefault("TEST_BOOL", tt.def); got != tt.expected {
			t.Errorf("envBoolDefault(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.APIURL = "localhost:8000"
	cfg.Agent.EventsURL = "http://localhost:8000/ws"
	cfg.Sync.ReconnectMaxBackoff = 500 * time.Millisecond
	cfg.Sync.StaleAfter = 2 * time.Second
	cfg.Alerts.MinSeverity = "loud"
	cfg.StateServer.Port = 0

	res := cfg.Validate()
	if res.Valid {
		t.Fatal("expected invalid config")
	}

	fields := make(map[string]bool)
	for _, e := range res.Errors {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"agent.api_url", "agent.events_url", "sync.reconnect_max_backoff",
		"sync.stale_after", "alerts.min_severity", "state_server.port",
	} {
		if !fields[f] {
			t.Errorf("expected validation error for %s", f)
		}
	}

	if res.Err() == nil {
		t.Error("expected Err() to be non-nil for invalid result")
	}
}

func TestClone_Independent(t *testing.T) {
	cfg := Defaults()
	clone := cfg.Clone()
	clone.Agent.APIURL = "http://other"

	if cfg.Agent.APIURL == clone.Agent.APIURL {
		t.Error("expected clone to be independent")
	}
	if (*Config)(nil).Clone() != nil {
		t.Error("expected nil clone of nil config")
	}
}
