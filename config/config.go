package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote agent endpoints
	Agent AgentConfig `json:"agent"`

	// Pull/push synchronization
	Sync SyncConfig `json:"sync"`

	// Discord
	Discord DiscordConfig `json:"discord"`

	// Telegram
	Telegram TelegramConfig `json:"telegram"`

	// Alert forwarding
	Alerts AlertsConfig `json:"alerts"`

	// Process logging
	Logging LoggingConfig `json:"logging"`

	// Local state mirror server
	StateServer StateServerConfig `json:"state_server"`
}

// AgentConfig holds the remote agent control API and event stream locations.
type AgentConfig struct {
	APIURL         string        `json:"api_url"`
	EventsURL      string        `json:"events_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// SyncConfig holds the synchronization policy timings.
type SyncConfig struct {
	HeartbeatInterval     time.Duration `json:"heartbeat_interval"`
	CompensatingPullDelay time.Duration `json:"compensating_pull_delay"`
	ReconnectMinBackoff   time.Duration `json:"reconnect_min_backoff"`
	ReconnectMaxBackoff   time.Duration `json:"reconnect_max_backoff"`
	PingInterval          time.Duration `json:"ping_interval"`
	StaleAfter            time.Duration `json:"stale_after"` // Reconnect when an active agent goes quiet this long
	MaxRecentResults      int           `json:"max_recent_results"`
}

// DiscordConfig holds Discord-related configuration.
type DiscordConfig struct {
	BotToken  string `json:"-"` // Excluded - env var only
	ChannelID string `json:"channel_id"`
}

// TelegramConfig holds Telegram-related configuration.
type TelegramConfig struct {
	BotToken string `json:"-"` // Excluded - env var only
	ChatID   string `json:"chat_id"`
}

// AlertsConfig controls which agent notices are forwarded to notifiers.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	MinSeverity string `json:"min_severity"` // info, warning or error
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // json or console
	File       string `json:"file"`   // Optional rotated log file
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StateServerConfig holds the local state mirror server configuration.
type StateServerConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Clone creates a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ToJSON serializes the config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Defaults returns a config with hardcoded default values.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			APIURL:         "http://localhost:8000",
			EventsURL:      "ws://localhost:8000/ws",
			RequestTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			HeartbeatInterval:     5 * time.Second,
			CompensatingPullDelay: 1 * time.Second,
			ReconnectMinBackoff:   1 * time.Second,
			ReconnectMaxBackoff:   30 * time.Second,
			PingInterval:          10 * time.Second,
			StaleAfter:            30 * time.Second,
			MaxRecentResults:      50,
		},
		Alerts: AlertsConfig{
			Enabled:     true,
			MinSeverity: "info",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		StateServer: StateServerConfig{
			Enabled: true,
			Port:    8090,
		},
	}
}

// Load reads configuration from environment variables, falling back to Defaults.
func Load() *Config {
	d := Defaults()
	return &Config{
		Agent: AgentConfig{
			APIURL:         strings.TrimRight(envString("AGENT_API_URL", d.Agent.APIURL), "/"),
			EventsURL:      envString("AGENT_WS_URL", d.Agent.EventsURL),
			RequestTimeout: envDuration("AGENT_REQUEST_TIMEOUT", d.Agent.RequestTimeout),
		},

		Sync: SyncConfig{
			HeartbeatInterval:     envDuration("SYNC_HEARTBEAT_INTERVAL", d.Sync.HeartbeatInterval),
			CompensatingPullDelay: envDuration("SYNC_COMPENSATING_DELAY", d.Sync.CompensatingPullDelay),
			ReconnectMinBackoff:   envDuration("SYNC_RECONNECT_MIN_BACKOFF", d.Sync.ReconnectMinBackoff),
			ReconnectMaxBackoff:   envDuration("SYNC_RECONNECT_MAX_BACKOFF", d.Sync.ReconnectMaxBackoff),
			PingInterval:          envDuration("SYNC_PING_INTERVAL", d.Sync.PingInterval),
			StaleAfter:            envDuration("SYNC_STALE_AFTER", d.Sync.StaleAfter),
			MaxRecentResults:      envInt("SYNC_MAX_RECENT_RESULTS", d.Sync.MaxRecentResults),
		},

		Discord: DiscordConfig{
			BotToken:  envString("DISCORD_BOT_TOKEN", ""),
			ChannelID: envString("DISCORD_CHANNEL_ID", ""),
		},

		Telegram: TelegramConfig{
			BotToken: envString("TELEGRAM_BOT_KEY", ""),
			ChatID:   envString("TELEGRAM_CHAT_ID", ""),
		},

		Alerts: AlertsConfig{
			Enabled:     envBoolDefault("ALERTS_ENABLED", d.Alerts.Enabled),
			MinSeverity: strings.ToLower(envString("ALERT_MIN_SEVERITY", d.Alerts.MinSeverity)),
		},

		Logging: LoggingConfig{
			Level:      strings.ToLower(envString("LOG_LEVEL", d.Logging.Level)),
			Format:     strings.ToLower(envString("LOG_FORMAT", d.Logging.Format)),
			File:       envString("LOG_FILE", ""),
			MaxSizeMB:  envInt("LOG_MAX_SIZE_MB", d.Logging.MaxSizeMB),
			MaxBackups: envInt("LOG_MAX_BACKUPS", d.Logging.MaxBackups),
			MaxAgeDays: envInt("LOG_MAX_AGE_DAYS", d.Logging.MaxAgeDays),
			Compress:   envBoolDefault("LOG_COMPRESS", d.Logging.Compress),
		},

		StateServer: StateServerConfig{
			Enabled: envBoolDefault("STATE_SERVER_ENABLED", d.StateServer.Enabled),
			Port:    envInt("STATE_SERVER_PORT", d.StateServer.Port),
		},
	}
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}
