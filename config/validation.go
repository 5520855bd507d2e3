package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of config validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err collapses an invalid result into a single error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
}

// Validate checks the config for invalid values.
func (c *Config) Validate() ValidationResult {
	var errors []ValidationError

	errors = append(errors, validateAgent(&c.Agent)...)
	errors = append(errors, validateSync(&c.Sync)...)
	errors = append(errors, validateAlerts(&c.Alerts)...)
	errors = append(errors, validateLogging(&c.Logging)...)
	errors = append(errors, validateStateServer(&c.StateServer)...)

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

func validateAgent(a *AgentConfig) []ValidationError {
	var errors []ValidationError

	if u, err := url.Parse(a.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.api_url",
			Message: "must be an absolute http(s) URL",
		})
	}

	if u, err := url.Parse(a.EventsURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.events_url",
			Message: "must be an absolute ws(s) URL",
		})
	}

	if a.RequestTimeout < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "agent.request_timeout",
			Message: "must be at least 1 second",
		})
	}

	return errors
}

func validateSync(s *SyncConfig) []ValidationError {
	var errors []ValidationError

	if s.HeartbeatInterval < 100*time.Millisecond {
		errors = append(errors, ValidationError{
			Field:   "sync.heartbeat_interval",
			Message: "must be at least 100ms",
		})
	}

	if s.CompensatingPullDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.compensating_pull_delay",
			Message: "must not be negative",
		})
	}

	if s.ReconnectMinBackoff <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.reconnect_min_backoff",
			Message: "must be positive",
		})
	}

	if s.ReconnectMaxBackoff < s.ReconnectMinBackoff {
		errors = append(errors, ValidationError{
			Field:   "sync.reconnect_max_backoff",
			Message: fmt.Sprintf("must be at least reconnect_min_backoff (%s)", s.ReconnectMinBackoff),
		})
	}

	if s.PingInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.ping_interval",
			Message: "must be positive",
		})
	}

	if s.StaleAfter != 0 && s.StaleAfter <= s.HeartbeatInterval {
		errors = append(errors, ValidationError{
			Field:   "sync.stale_after",
			Message: "must be 0 (disabled) or longer than heartbeat_interval",
		})
	}

	if s.MaxRecentResults < 1 || s.MaxRecentResults > 500 {
		errors = append(errors, ValidationError{
			Field:   "sync.max_recent_results",
			Message: "must be between 1 and 500",
		})
	}

	return errors
}

func validateAlerts(a *AlertsConfig) []ValidationError {
	switch a.MinSeverity {
	case "info", "warning", "error":
		return nil
	}
	return []ValidationError{{
		Field:   "alerts.min_severity",
		Message: "must be one of info, warning, error",
	}}
}

func validateLogging(l *LoggingConfig) []ValidationError {
	var errors []ValidationError

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "must be one of debug, info, warn, error",
		})
	}

	if l.Format != "json" && l.Format != "console" {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "must be json or console",
		})
	}

	if l.File != "" && l.MaxSizeMB < 1 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "must be at least 1 when a log file is set",
		})
	}

	return errors
}

func validateStateServer(ss *StateServerConfig) []ValidationError {
	if !ss.Enabled {
		return nil
	}
	if ss.Port < 1 || ss.Port > 65535 {
		return []ValidationError{{
			Field:   "state_server.port",
			Message: "must be between 1 and 65535",
		}}
	}
	return nil
}
