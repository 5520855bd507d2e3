package agentevents

import (
	"aviatordash/clients/agentapi"
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags an event pushed by the agent.
type EventType string

const (
	EventStatusUpdate    EventType = "status_update"
	EventConfigUpdated   EventType = "config_updated"
	EventElementsUpdated EventType = "elements_updated"
	EventBettingStarted  EventType = "betting_started"
	EventBettingStopped  EventType = "betting_stopped"
	EventBotStarted      EventType = "bot_started"
	EventBotStopped      EventType = "bot_stopped"
	EventStrategyFound   EventType = "strategy_found"
	EventBetPlaced       EventType = "bet_placed"
	EventBetWon          EventType = "bet_won"
	EventBetLost         EventType = "bet_lost"
	EventError           EventType = "error"
	EventWarning         EventType = "warning"
	EventNotification    EventType = "notification"
)

// Known reports whether the type is one this client understands.
func (t EventType) Known() bool {
	switch t {
	case EventStatusUpdate, EventConfigUpdated, EventElementsUpdated,
		EventBettingStarted, EventBettingStopped, EventBotStarted, EventBotStopped,
		EventStrategyFound, EventBetPlaced, EventBetWon, EventBetLost,
		EventError, EventWarning, EventNotification:
		return true
	}
	return false
}

// Event is one tagged message from the agent event stream.
type Event struct {
	Type EventType
	Data json.RawMessage

	// Timestamp is the agent-supplied time, zero when the agent sent none.
	Timestamp time.Time

	ReceivedAt time.Time
}

// HasTimestamp reports whether the agent supplied a timestamp.
func (e Event) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

// ParseEvent decodes a single `{type, data, timestamp?}` object.
// The timestamp is read from the envelope, falling back to data.timestamp.
func ParseEvent(raw []byte) (Event, error) {
	var env struct {
		Type      string             `json:"type"`
		Data      json.RawMessage    `json:"data"`
		Timestamp agentapi.Timestamp `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("event has no type")
	}

	ev := Event{
		Type:       EventType(env.Type),
		Data:       env.Data,
		Timestamp:  env.Timestamp.Time,
		ReceivedAt: time.Now(),
	}

	if ev.Timestamp.IsZero() && isObject(env.Data) {
		var inner struct {
			Timestamp agentapi.Timestamp `json:"timestamp"`
		}
		if err := json.Unmarshal(env.Data, &inner); err == nil {
			ev.Timestamp = inner.Timestamp.Time
		}
	}

	return ev, nil
}

// StatusUpdate is the payload of a status_update event. Either part may be absent.
type StatusUpdate struct {
	Status *agentapi.BotStatus
	Stats  *agentapi.SessionStats
}

// DecodeStatusUpdate decodes a status_update payload. The agent sends
// `{status: {...}, stats: {...}}`; a bare status record is also accepted.
func (e Event) DecodeStatusUpdate() (*StatusUpdate, error) {
	var wrapped struct {
		Status json.RawMessage `json:"status"`
		Stats  json.RawMessage `json:"stats"`
	}
	if err := json.Unmarshal(e.Data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode status_update: %w", err)
	}

	var out StatusUpdate
	if isObject(wrapped.Status) || isObject(wrapped.Stats) {
		if isObject(wrapped.Status) {
			out.Status = &agentapi.BotStatus{}
			if err := json.Unmarshal(wrapped.Status, out.Status); err != nil {
				return nil, fmt.Errorf("decode status_update status: %w", err)
			}
		}
		if isObject(wrapped.Stats) {
			out.Stats = &agentapi.SessionStats{}
			if err := json.Unmarshal(wrapped.Stats, out.Stats); err != nil {
				return nil, fmt.Errorf("decode status_update stats: %w", err)
			}
		}
		return &out, nil
	}

	out.Status = &agentapi.BotStatus{}
	if err := json.Unmarshal(e.Data, out.Status); err != nil {
		return nil, fmt.Errorf("decode status_update status: %w", err)
	}
	return &out, nil
}

// DecodeConfig decodes a config_updated payload.
func (e Event) DecodeConfig() (*agentapi.BotConfig, error) {
	var cfg agentapi.BotConfig
	if err := json.Unmarshal(e.Data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config_updated: %w", err)
	}
	return &cfg, nil
}

// DecodeElements decodes an elements_updated payload.
func (e Event) DecodeElements() (agentapi.ElementMap, error) {
	var elements agentapi.ElementMap
	if err := json.Unmarshal(e.Data, &elements); err != nil {
		return nil, fmt.Errorf("decode elements_updated: %w", err)
	}
	return elements, nil
}

// DecodeStrategy decodes a betting_started payload.
func (e Event) DecodeStrategy() (*agentapi.BettingStrategy, error) {
	var s agentapi.BettingStrategy
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, fmt.Errorf("decode betting_started: %w", err)
	}
	return &s, nil
}

// Occurrence holds the optional fields carried by occurrence events
// (bets, errors, warnings, notifications).
type Occurrence struct {
	Amount  float64 `json:"amount"`
	Profit  float64 `json:"profit"`
	Message string  `json:"message"`
}

// DecodeOccurrence decodes the optional occurrence fields. A missing or
// non-object payload yields a zero Occurrence.
func (e Event) DecodeOccurrence() Occurrence {
	var o Occurrence
	if isObject(e.Data) {
		_ = json.Unmarshal(e.Data, &o)
	}
	return o
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
