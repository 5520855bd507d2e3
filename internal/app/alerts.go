package app

import (
	"aviatordash/clients/notifier"
	"aviatordash/config"
	"aviatordash/internal/state"
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

const alertQueueSize = 64

// AlertStats counts forwarded and dropped alerts.
type AlertStats struct {
	Enabled     bool   `json:"enabled"`
	MinSeverity string `json:"min_severity"`
	Forwarded   uint64 `json:"forwarded"`
	Filtered    uint64 `json:"filtered"`
	Dropped     uint64 `json:"dropped"`
}

// AlertForwarder turns store notices into notifier alerts. Listen never
// blocks the store; delivery happens on the Run goroutine.
type AlertForwarder struct {
	logger      *zap.Logger
	notifier    notifier.Notifier
	enabled     bool
	minSeverity state.Severity
	queue       chan notifier.AgentAlert

	forwarded atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64
}

func NewAlertForwarder(logger *zap.Logger, cfg *config.Config, n notifier.Notifier) *AlertForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertForwarder{
		logger:      logger,
		notifier:    n,
		enabled:     cfg.Alerts.Enabled && n != nil,
		minSeverity: state.ParseSeverity(cfg.Alerts.MinSeverity),
		queue:       make(chan notifier.AgentAlert, alertQueueSize),
	}
}

// Listen is a state.Listener.
func (f *AlertForwarder) Listen(c state.Change) {
	if !f.enabled || c.Notice == nil {
		return
	}
	if c.Notice.Severity < f.minSeverity {
		f.filtered.Add(1)
		return
	}

	alert := buildAgentAlert(*c.Notice, c.Snapshot)
	select {
	case f.queue <- alert:
	default:
		f.dropped.Add(1)
		f.logger.Warn("alert queue full, dropping alert", zap.String("kind", string(alert.Kind)))
	}
}

// Run delivers queued alerts until ctx is cancelled, then drains what is
// already queued.
func (f *AlertForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case alert := <-f.queue:
					f.deliver(alert)
				default:
					return
				}
			}
		case alert := <-f.queue:
			f.deliver(alert)
		}
	}
}

func (f *AlertForwarder) deliver(alert notifier.AgentAlert) {
	f.notifier.SendAgentAlert(alert)
	f.forwarded.Add(1)
}

func (f *AlertForwarder) Stats() AlertStats {
	return AlertStats{
		Enabled:     f.enabled,
		MinSeverity: f.minSeverity.String(),
		Forwarded:   f.forwarded.Load(),
		Filtered:    f.filtered.Load(),
		Dropped:     f.dropped.Load(),
	}
}

func buildAgentAlert(n state.Notice, snap state.Snapshot) notifier.AgentAlert {
	alert := notifier.AgentAlert{
		Kind:        notifier.AlertKind(n.Kind),
		Level:       alertLevel(n.Severity),
		Message:     n.Message,
		Amount:      n.Amount,
		Profit:      n.Profit,
		RunState:    snap.Agent.RunState.String(),
		Balance:     snap.Agent.Balance,
		BetsPlaced:  snap.Stats.BetsPlaced,
		Wins:        snap.Stats.Wins,
		Losses:      snap.Stats.Losses,
		TotalProfit: snap.Stats.TotalProfit,
		Timestamp:   n.At,
	}
	if snap.Strategy != nil {
		alert.Strategy = describeStrategy(snap.Strategy)
	}
	if n.Record != nil {
		alert.Record = n.Record.String()
	}
	return alert
}

func describeStrategy(s *state.ActiveStrategy) string {
	if s.Inferred {
		return "unknown (inferred)"
	}
	return fmt.Sprintf("%s, %.2f @ %.2fx", s.StrategyType, s.Amount, s.AutoCashout)
}

func alertLevel(s state.Severity) notifier.AlertLevel {
	switch s {
	case state.SeverityError:
		return notifier.LevelError
	case state.SeverityWarning:
		return notifier.LevelWarning
	}
	return notifier.LevelInfo
}
