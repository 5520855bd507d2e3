package agentapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RunState is the normalized lifecycle state of the remote agent.
type RunState int

const (
	RunStateIdle RunState = iota
	RunStateStarting
	RunStateRunning
	RunStateMonitoring
	RunStateBetting
	RunStateStopping
	RunStateError
)

var runStateNames = [...]string{
	RunStateIdle:       "idle",
	RunStateStarting:   "starting",
	RunStateRunning:    "running",
	RunStateMonitoring: "monitoring",
	RunStateBetting:    "betting",
	RunStateStopping:   "stopping",
	RunStateError:      "error",
}

func (s RunState) String() string {
	if s < 0 || int(s) >= len(runStateNames) {
		return "unknown"
	}
	return runStateNames[s]
}

// IsActive reports whether the agent is running a session (Running, Monitoring or Betting).
func (s RunState) IsActive() bool {
	return s == RunStateRunning || s == RunStateMonitoring || s == RunStateBetting
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseRunState maps the agent's wire status onto a RunState.
// The agent reports intermediate login/game phases that collapse into Running.
func ParseRunState(status string, isRunning bool) RunState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "stopped", "idle":
		return RunStateIdle
	case "starting":
		return RunStateStarting
	case "running", "logged_in", "in_game":
		return RunStateRunning
	case "monitoring":
		return RunStateMonitoring
	case "betting":
		return RunStateBetting
	case "stopping":
		return RunStateStopping
	case "error":
		return RunStateError
	}
	if isRunning {
		return RunStateRunning
	}
	return RunStateIdle
}

// StrategyType names a betting strategy preset.
type StrategyType string

const (
	StrategyConservative StrategyType = "conservative"
	StrategyModerate     StrategyType = "moderate"
	StrategyAggressive   StrategyType = "aggressive"
	StrategyCustom       StrategyType = "custom"
)

// Valid reports whether the agent accepts this strategy type.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyConservative, StrategyModerate, StrategyAggressive, StrategyCustom:
		return true
	}
	return false
}

// BettingStrategy describes the strategy the agent is currently betting with.
type BettingStrategy struct {
	Amount             float64      `json:"amount"`
	StrategyType       StrategyType `json:"strategy_type"`
	AutoCashout        float64      `json:"auto_cashout"`
	MaxLoss            *float64     `json:"max_loss,omitempty"`
	MaxWin             *float64     `json:"max_win,omitempty"`
	StopOnLoss         bool         `json:"stop_on_loss"`
	StopOnWin          bool         `json:"stop_on_win"`
	ProgressiveBetting bool         `json:"progressive_betting"`
	ProgressionFactor  float64      `json:"progression_factor"`
	ResetOnWin         bool         `json:"reset_on_win"`
}

// BotStatus is the agent's status record as returned by GET /bot/status.
type BotStatus struct {
	Status          string           `json:"status"`
	IsRunning       bool             `json:"is_running"`
	IsBetting       bool             `json:"is_betting"`
	CurrentBalance  *float64         `json:"current_balance"`
	LastMultiplier  *float64         `json:"last_multiplier"`
	LastUpdate      Timestamp        `json:"last_update"`
	ErrorMessage    *string          `json:"error_message"`
	CurrentStrategy *BettingStrategy `json:"current_strategy"`
	RecentResults   []float64        `json:"recent_results"`
}

// RunState returns the normalized run state for this status record.
func (s *BotStatus) RunState() RunState {
	return ParseRunState(s.Status, s.IsRunning)
}

// SessionStats holds the agent's per-session counters as returned by GET /bot/stats.
type SessionStats struct {
	StartTime       Timestamp `json:"start_time"`
	TotalRounds     int       `json:"total_rounds"`
	StrategiesFound int       `json:"strategies_found"`
	BetsPlaced      int       `json:"bets_placed"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	TotalBet        float64   `json:"total_bet"`
	TotalProfit     float64   `json:"total_profit"`
	CurrentBalance  *float64  `json:"current_balance"`
	MaxMultiplier   float64   `json:"max_multiplier"`
	AvgMultiplier   float64   `json:"avg_multiplier"`
	Errors          int       `json:"errors"`
}

// BotConfig is the agent's behavior configuration.
type BotConfig struct {
	SiteURL           string  `json:"site_url"`
	GameURL           string  `json:"game_url"`
	Headless          bool    `json:"headless"`
	WaitTimeout       int     `json:"wait_timeout"`
	StrategyThreshold float64 `json:"strategy_threshold"`
	HistorySize       int     `json:"history_size"`
	MinStrategyChecks int     `json:"min_strategy_checks"`
	UpdateInterval    int     `json:"update_interval"`
	MaxRetries        int     `json:"max_retries"`
}

// ConfigPatch is a partial BotConfig update; nil fields are left unchanged.
type ConfigPatch struct {
	SiteURL           *string  `json:"site_url,omitempty"`
	GameURL           *string  `json:"game_url,omitempty"`
	Headless          *bool    `json:"headless,omitempty"`
	WaitTimeout       *int     `json:"wait_timeout,omitempty"`
	StrategyThreshold *float64 `json:"strategy_threshold,omitempty"`
	HistorySize       *int     `json:"history_size,omitempty"`
	MinStrategyChecks *int     `json:"min_strategy_checks,omitempty"`
	UpdateInterval    *int     `json:"update_interval,omitempty"`
	MaxRetries        *int     `json:"max_retries,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ConfigPatch) IsEmpty() bool {
	return p == ConfigPatch{}
}

// Element names understood by the agent.
const (
	ElementCookiesButton     = "cookies_button"
	ElementUsernameField     = "username_field"
	ElementPasswordField     = "password_field"
	ElementLoginButton       = "login_button"
	ElementGameIframe        = "game_iframe"
	ElementResultHistory     = "result_history"
	ElementBetInput          = "bet_input"
	ElementBetButton         = "bet_button"
	ElementCashoutButton     = "cashout_button"
	ElementMultiplierDisplay = "multiplier_display"
	ElementBalanceDisplay    = "balance_display"
)

// ElementMap maps element names to page selectors (XPath, ID or class).
// Selectors are opaque; no syntax is checked.
type ElementMap map[string]string

// Clone returns a copy of the map.
func (m ElementMap) Clone() ElementMap {
	if m == nil {
		return nil
	}
	out := make(ElementMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DefaultAutoCashout is used when a betting request leaves AutoCashout unset.
const DefaultAutoCashout = 2.0

// BettingRequest is the body of POST /betting/start.
type BettingRequest struct {
	Amount      float64      `json:"amount"`
	Strategy    StrategyType `json:"strategy"`
	AutoCashout float64      `json:"auto_cashout"`
	MaxLoss     *float64     `json:"max_loss,omitempty"`
	MaxWin      *float64     `json:"max_win,omitempty"`
}

func (r BettingRequest) validate() error {
	if r.Amount <= 0 {
		return fmt.Errorf("betting amount must be positive, got %v", r.Amount)
	}
	if !r.Strategy.Valid() {
		return fmt.Errorf("unknown strategy type %q", r.Strategy)
	}
	if r.AutoCashout != 0 && r.AutoCashout < 1.01 {
		return fmt.Errorf("auto cashout must be at least 1.01, got %v", r.AutoCashout)
	}
	return nil
}

// Credentials are the agent's site login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Ack is the generic acknowledgment body returned by commands.
type Ack struct {
	Message string `json:"message"`
}

// Health is the agent's liveness report.
type Health struct {
	Status    string    `json:"status"`
	Timestamp Timestamp `json:"timestamp"`
	BotStatus string    `json:"bot_status"`
}

type configResponse struct {
	Message string    `json:"message"`
	Config  BotConfig `json:"config"`
}

type elementsResponse struct {
	Message  string     `json:"message"`
	Elements ElementMap `json:"elements"`
}

type bettingResponse struct {
	Message  string          `json:"message"`
	Strategy BettingStrategy `json:"strategy"`
}

type logsResponse struct {
	Logs []string `json:"logs"`
}

// Timestamp decodes the agent's time encodings: RFC3339 with or without a
// zone, space-separated datetimes, and unix seconds. Zone-less values are
// read in local time since the agent reports naive local datetimes.
type Timestamp struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a single timestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05Z07:00", s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return unixFloat(f), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == `""` || raw == "" {
		t.Time = time.Time{}
		return nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", raw)
	}
	t.Time = unixFloat(f)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func unixFloat(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
