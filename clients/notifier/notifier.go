package notifier

import (
	"time"
)

// AlertKind names the agent occurrence behind an alert.
type AlertKind string

const (
	AlertStrategyFound  AlertKind = "strategy_found"
	AlertBetPlaced      AlertKind = "bet_placed"
	AlertBetWon         AlertKind = "bet_won"
	AlertBetLost        AlertKind = "bet_lost"
	AlertAgentError     AlertKind = "agent_error"
	AlertAgentWarning   AlertKind = "agent_warning"
	AlertNotification   AlertKind = "notification"
	AlertBotStarted     AlertKind = "bot_started"
	AlertBotStopped     AlertKind = "bot_stopped"
	AlertBettingStarted AlertKind = "betting_started"
	AlertBettingStopped AlertKind = "betting_stopped"
	AlertPullFailed     AlertKind = "pull_failed" // Background refresh of a record failed
)

// AlertLevel ranks an alert.
type AlertLevel string

const (
	LevelInfo    AlertLevel = "info"
	LevelWarning AlertLevel = "warning"
	LevelError   AlertLevel = "error"
)

// AgentAlert contains all the data needed for an agent alert notification.
type AgentAlert struct {
	Kind    AlertKind
	Level   AlertLevel
	Message string

	// Occurrence amounts (bets placed/lost, profit on wins)
	Amount float64
	Profit float64

	// Agent context at the time of the alert
	RunState string
	Balance  *float64
	Strategy string // e.g. "moderate, 2.00 @ 1.80x"; empty when not betting

	// Session stats
	BetsPlaced  int
	Wins        int
	Losses      int
	TotalProfit float64

	// Record names the sub-record behind a pull failure.
	Record string

	Timestamp time.Time
}

// WinRate is wins over bets placed, 0 when no bets were placed.
func (a AgentAlert) WinRate() float64 {
	if a.BetsPlaced == 0 {
		return 0
	}
	return float64(a.Wins) / float64(a.BetsPlaced)
}

// Notifier is the interface for sending agent alerts to various channels.
type Notifier interface {
	// SendAgentAlert sends an agent alert notification.
	SendAgentAlert(alert AgentAlert)

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts alerts to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a new MultiNotifier with the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// SendAgentAlert sends the alert to all registered notifiers.
func (m *MultiNotifier) SendAgentAlert(alert AgentAlert) {
	for _, n := range m.notifiers {
		n.SendAgentAlert(alert)
	}
}

// Close closes all registered notifiers.
func (m *MultiNotifier) Close() error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}
