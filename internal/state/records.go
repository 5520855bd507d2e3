package state

import (
	"aviatordash/clients/agentapi"
	"aviatordash/clients/agentevents"
	"encoding/json"
	"time"
)

// Kind identifies an independently reconciled sub-record of the store.
type Kind int

const (
	KindAgentState Kind = iota
	KindStats
	KindConfig
	KindElements
	KindStrategy
	KindConnection
)

var kindNames = [...]string{
	KindAgentState: "agent_state",
	KindStats:      "stats",
	KindConfig:     "config",
	KindElements:   "elements",
	KindStrategy:   "strategy",
	KindConnection: "connection",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// AgentState is the normalized agent status.
type AgentState struct {
	RunState      agentapi.RunState `json:"run_state"`
	IsBetting     bool              `json:"is_betting"`
	Balance       *float64          `json:"balance,omitempty"`
	LastSignal    *float64          `json:"last_signal,omitempty"`
	LastUpdated   time.Time         `json:"last_updated"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	RecentResults []float64         `json:"recent_results"` // most recent first
}

// SessionStatistics holds the agent's session counters.
type SessionStatistics struct {
	StartTime       time.Time `json:"start_time"`
	RoundsObserved  int       `json:"rounds_observed"`
	StrategiesFound int       `json:"strategies_found"`
	BetsPlaced      int       `json:"bets_placed"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	TotalStaked     float64   `json:"total_staked"`
	TotalProfit     float64   `json:"total_profit"`
	MaxSignal       float64   `json:"max_signal"`
	AvgSignal       float64   `json:"avg_signal"`
	ErrorCount      int       `json:"error_count"`
	CurrentBalance  *float64  `json:"current_balance,omitempty"`
}

// WinRate is wins over bets placed, 0 when no bets were placed.
func (s SessionStatistics) WinRate() float64 {
	if s.BetsPlaced == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.BetsPlaced)
}

// ROI is profit over total staked, 0 when nothing was staked.
func (s SessionStatistics) ROI() float64 {
	if s.TotalStaked == 0 {
		return 0
	}
	return s.TotalProfit / s.TotalStaked
}

// MarshalJSON adds the derived win_rate and roi to the counters.
func (s SessionStatistics) MarshalJSON() ([]byte, error) {
	type counters SessionStatistics
	return json.Marshal(struct {
		counters
		WinRate float64 `json:"win_rate"`
		ROI     float64 `json:"roi"`
	}{counters(s), s.WinRate(), s.ROI()})
}

// regressed reports whether any monotone counter of next is below s. Profit
// and the signal aggregates move both ways and are not compared.
func (s SessionStatistics) regressed(next SessionStatistics) bool {
	return next.RoundsObserved < s.RoundsObserved ||
		next.StrategiesFound < s.StrategiesFound ||
		next.BetsPlaced < s.BetsPlaced ||
		next.Wins < s.Wins ||
		next.Losses < s.Losses ||
		next.TotalStaked < s.TotalStaked ||
		next.ErrorCount < s.ErrorCount
}

// Uptime is the session age at now, 0 when the session has no start time.
func (s SessionStatistics) Uptime(now time.Time) time.Duration {
	if s.StartTime.IsZero() || now.Before(s.StartTime) {
		return 0
	}
	return now.Sub(s.StartTime)
}

// ActiveStrategy is the strategy the agent is betting with.
// Inferred is set when the agent reported betting without describing the strategy.
type ActiveStrategy struct {
	agentapi.BettingStrategy
	Inferred bool `json:"inferred,omitempty"`
}

// Snapshot is an immutable copy of the store.
type Snapshot struct {
	Agent      AgentState                  `json:"agent"`
	Stats      SessionStatistics           `json:"stats"`
	Config     *agentapi.BotConfig         `json:"config,omitempty"`
	Elements   agentapi.ElementMap         `json:"elements,omitempty"`
	Strategy   *ActiveStrategy             `json:"strategy,omitempty"`
	Connection agentevents.ConnectionState `json:"connection"`

	// Freshness holds the reconciliation timestamp of each sub-record.
	Freshness map[Kind]time.Time `json:"freshness"`
	// PullErrors holds the last background pull failure per sub-record,
	// cleared by the next successful pull.
	PullErrors map[Kind]string `json:"pull_errors,omitempty"`
}

// Severity ranks notices for presentation.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "info"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity parses info, warning or error; anything else is info.
func ParseSeverity(s string) Severity {
	switch s {
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	}
	return SeverityInfo
}

// NoticeKind names a discrete occurrence.
type NoticeKind string

const (
	NoticeStrategyFound  NoticeKind = "strategy_found"
	NoticeBetPlaced      NoticeKind = "bet_placed"
	NoticeBetWon         NoticeKind = "bet_won"
	NoticeBetLost        NoticeKind = "bet_lost"
	NoticeAgentError     NoticeKind = "agent_error"
	NoticeAgentWarning   NoticeKind = "agent_warning"
	NoticeNotification   NoticeKind = "notification"
	NoticeBotStarted     NoticeKind = "bot_started"
	NoticeBotStopped     NoticeKind = "bot_stopped"
	NoticeBettingStarted NoticeKind = "betting_started"
	NoticeBettingStopped NoticeKind = "betting_stopped"
	NoticePullFailed     NoticeKind = "pull_failed"
)

// Notice is an occurrence surfaced to subscribers alongside state changes.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message,omitempty"`
	Amount   float64    `json:"amount,omitempty"`
	Profit   float64    `json:"profit,omitempty"`
	Record   *Kind      `json:"record,omitempty"` // pull failures only
	At       time.Time  `json:"at"`
}

// Change is delivered to listeners once per store call that changed
// something or produced a notice.
type Change struct {
	Kinds    []Kind
	Notice   *Notice
	Snapshot Snapshot
}

// Has reports whether the change touched kind.
func (c Change) Has(kind Kind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func agentStateFrom(st *agentapi.BotStatus, maxRecent int) AgentState {
	a := AgentState{
		RunState:    st.RunState(),
		IsBetting:   st.IsBetting,
		Balance:     copyFloat(st.CurrentBalance),
		LastSignal:  copyFloat(st.LastMultiplier),
		LastUpdated: st.LastUpdate.Time,
	}
	if st.ErrorMessage != nil {
		a.ErrorMessage = *st.ErrorMessage
	}

	results := st.RecentResults
	if maxRecent > 0 && len(results) > maxRecent {
		results = results[:maxRecent]
	}
	a.RecentResults = append(make([]float64, 0, len(results)), results...)

	if a.LastSignal == nil && len(a.RecentResults) > 0 {
		a.LastSignal = copyFloat(&a.RecentResults[0])
	}
	return a
}

func statisticsFrom(st *agentapi.SessionStats) SessionStatistics {
	return SessionStatistics{
		StartTime:       st.StartTime.Time,
		RoundsObserved:  st.TotalRounds,
		StrategiesFound: st.StrategiesFound,
		BetsPlaced:      st.BetsPlaced,
		Wins:            st.Wins,
		Losses:          st.Losses,
		TotalStaked:     st.TotalBet,
		TotalProfit:     st.TotalProfit,
		MaxSignal:       st.MaxMultiplier,
		AvgSignal:       st.AvgMultiplier,
		ErrorCount:      st.Errors,
		CurrentBalance:  copyFloat(st.CurrentBalance),
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyStrategy(s *ActiveStrategy) *ActiveStrategy {
	if s == nil {
		return nil
	}
	out := *s
	out.MaxLoss = copyFloat(s.MaxLoss)
	out.MaxWin = copyFloat(s.MaxWin)
	return &out
}

func sameStrategy(a *ActiveStrategy, b agentapi.BettingStrategy) bool {
	if a == nil || a.Inferred {
		return false
	}
	x := a.BettingStrategy
	return x.Amount == b.Amount &&
		x.StrategyType == b.StrategyType &&
		x.AutoCashout == b.AutoCashout &&
		equalFloatPtr(x.MaxLoss, b.MaxLoss) &&
		equalFloatPtr(x.MaxWin, b.MaxWin) &&
		x.StopOnLoss == b.StopOnLoss &&
		x.StopOnWin == b.StopOnWin &&
		x.ProgressiveBetting == b.ProgressiveBetting &&
		x.ProgressionFactor == b.ProgressionFactor &&
		x.ResetOnWin == b.ResetOnWin
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
