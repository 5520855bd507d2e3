// Package state holds the in-memory view of the remote agent.
//
// Every sub-record (agent state, statistics, configuration, elements,
// active strategy) carries its own timestamp. An update is applied only when
// its timestamp is not older than the stored one, so a stale push or a slow
// pull for one record never rolls back another. Updates without a timestamp
// count as "now" and always apply.
package state

import (
	"aviatordash/clients/agentapi"
	"aviatordash/clients/agentevents"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRecentResults bounds AgentState.RecentResults.
const DefaultMaxRecentResults = 50

// recentOccurrences bounds the set of timestamped occurrence events kept to
// recognize redeliveries.
const recentOccurrences = 256

// Listener receives committed changes. Listeners run synchronously on the
// goroutine that made the change and must not call the store's mutating
// methods.
type Listener func(Change)

type listenerEntry struct {
	id uint64
	fn Listener
}

// stamp is the timestamp an update carries. Implicit stamps come from
// untimestamped events and always apply.
type stamp struct {
	at       time.Time
	explicit bool
}

type occurrenceKey struct {
	typ  agentevents.EventType
	at   int64
	data string
}

// Store is the authoritative agent state. It is safe for concurrent use.
type Store struct {
	logger    *zap.Logger
	maxRecent int
	now       func() time.Time

	// notifyMu serializes commit+notify so listeners see changes in commit order.
	notifyMu sync.Mutex

	mu         sync.RWMutex
	agent      AgentState
	stats      SessionStatistics
	config     *agentapi.BotConfig
	elements   agentapi.ElementMap
	strategy   *ActiveStrategy
	conn       agentevents.ConnectionState
	stamps     map[Kind]time.Time
	pullErrors map[Kind]string

	// skew is how far the agent's clock is known to run ahead of ours. It is
	// added to locally issued pull stamps so they compare with agent stamps.
	skew time.Duration

	seen      map[occurrenceKey]struct{}
	seenOrder []occurrenceKey
	seenNext  int

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      uint64
}

// NewStore returns an empty store: agent Idle, no results, disconnected.
func NewStore(logger *zap.Logger, maxRecentResults int) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRecentResults <= 0 {
		maxRecentResults = DefaultMaxRecentResults
	}
	return &Store{
		logger:    logger,
		maxRecent: maxRecentResults,
		now:       time.Now,
		agent: AgentState{
			RunState:      agentapi.RunStateIdle,
			RecentResults: []float64{},
		},
		conn:       agentevents.ConnectionState{State: agentevents.StateDisconnected},
		stamps:     make(map[Kind]time.Time),
		pullErrors: make(map[Kind]string),
		seen:       make(map[occurrenceKey]struct{}),
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Apply reconciles one pushed event into the store.
func (s *Store) Apply(ev agentevents.Event) {
	st := stamp{at: ev.Timestamp, explicit: ev.HasTimestamp()}
	if !st.explicit {
		st.at = s.now()
	}

	s.update(func() ([]Kind, *Notice) {
		if st.explicit {
			s.observeAgentClockLocked(st.at)
		}
		kinds, notice := s.applyEventLocked(ev, st)
		if notice != nil && st.explicit && s.redeliveredLocked(ev) {
			s.logger.Debug("suppressing notice for redelivered event",
				zap.String("type", string(ev.Type)),
				zap.Time("at", ev.Timestamp),
			)
			notice = nil
		}
		return kinds, notice
	})
}

// ClockSkew reports how far the agent's clock is known to run ahead.
func (s *Store) ClockSkew() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skew
}

// SetFromPull reconciles a pull result. at is the local time the request
// was issued, shifted by the known agent clock skew; a status record
// carrying its own last_update uses that instead.
// value must match kind: *BotStatus, *SessionStats, *BotConfig, ElementMap,
// or *BettingStrategy (nil clears the strategy).
func (s *Store) SetFromPull(kind Kind, value any, at time.Time) error {
	switch v := value.(type) {
	case *agentapi.BotStatus:
		if kind != KindAgentState {
			return fmt.Errorf("set from pull: %T does not match kind %s", value, kind)
		}
		s.update(func() ([]Kind, *Notice) {
			s.clearPullErrorLocked(KindAgentState)
			if v.LastUpdate.IsZero() {
				return s.applyStatusLocked(v, s.issuedLocked(at)), nil
			}
			s.observeAgentClockLocked(v.LastUpdate.Time)
			return s.applyStatusLocked(v, stamp{at: v.LastUpdate.Time, explicit: true}), nil
		})
	case *agentapi.SessionStats:
		if kind != KindStats {
			return fmt.Errorf("set from pull: %T does not match kind %s", value, kind)
		}
		s.update(func() ([]Kind, *Notice) {
			s.clearPullErrorLocked(KindStats)
			return s.applyStatsLocked(v, s.issuedLocked(at)), nil
		})
	case *agentapi.BotConfig:
		if kind != KindConfig {
			return fmt.Errorf("set from pull: %T does not match kind %s", value, kind)
		}
		s.update(func() ([]Kind, *Notice) {
			s.clearPullErrorLocked(KindConfig)
			return s.applyConfigLocked(v, s.issuedLocked(at)), nil
		})
	case agentapi.ElementMap:
		if kind != KindElements {
			return fmt.Errorf("set from pull: %T does not match kind %s", value, kind)
		}
		s.update(func() ([]Kind, *Notice) {
			s.clearPullErrorLocked(KindElements)
			return s.applyElementsLocked(v, s.issuedLocked(at)), nil
		})
	case *agentapi.BettingStrategy:
		if kind != KindStrategy {
			return fmt.Errorf("set from pull: %T does not match kind %s", value, kind)
		}
		s.update(func() ([]Kind, *Notice) {
			return s.applyStrategyLocked(v, s.issuedLocked(at)), nil
		})
	default:
		return fmt.Errorf("set from pull: unsupported value %T", value)
	}
	return nil
}

// SetConnection mirrors the event channel's connectivity.
func (s *Store) SetConnection(cs agentevents.ConnectionState) {
	s.update(func() ([]Kind, *Notice) {
		prev := s.conn
		s.conn = cs
		if prev.State == cs.State && prev.Connected == cs.Connected && prev.LastError == cs.LastError {
			return nil, nil
		}
		return []Kind{KindConnection}, nil
	})
}

// RecordFailure records a failed background pull for kind and surfaces it
// as a notice. Stored state is left untouched.
func (s *Store) RecordFailure(kind Kind, err error) {
	if err == nil {
		return
	}
	s.update(func() ([]Kind, *Notice) {
		s.pullErrors[kind] = err.Error()
		k := kind
		return nil, &Notice{
			Kind:     NoticePullFailed,
			Severity: SeverityWarning,
			Message:  err.Error(),
			Record:   &k,
			At:       s.now(),
		}
	})
}

// update commits fn under the lock, then notifies listeners outside it.
func (s *Store) update(fn func() ([]Kind, *Notice)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	kinds, notice := fn()
	if len(kinds) == 0 && notice == nil {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.listenersMu.RLock()
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	change := Change{Kinds: kinds, Notice: notice, Snapshot: snap}
	for _, l := range listeners {
		l.fn(change)
	}
}

func (s *Store) applyEventLocked(ev agentevents.Event, st stamp) ([]Kind, *Notice) {
	occ := ev.DecodeOccurrence()
	notice := func(kind NoticeKind, sev Severity) *Notice {
		return &Notice{
			Kind:     kind,
			Severity: sev,
			Message:  occ.Message,
			Amount:   occ.Amount,
			Profit:   occ.Profit,
			At:       st.at,
		}
	}

	switch ev.Type {
	case agentevents.EventStatusUpdate:
		su, err := ev.DecodeStatusUpdate()
		if err != nil {
			s.logger.Warn("dropping undecodable status_update", zap.Error(err))
			return nil, nil
		}
		var kinds []Kind
		if su.Status != nil {
			kinds = append(kinds, s.applyStatusLocked(su.Status, st)...)
		}
		if su.Stats != nil {
			kinds = append(kinds, s.applyStatsLocked(su.Stats, st)...)
		}
		return kinds, nil

	case agentevents.EventConfigUpdated:
		cfg, err := ev.DecodeConfig()
		if err != nil {
			s.logger.Warn("dropping undecodable config_updated", zap.Error(err))
			return nil, nil
		}
		return s.applyConfigLocked(cfg, st), nil

	case agentevents.EventElementsUpdated:
		elements, err := ev.DecodeElements()
		if err != nil {
			s.logger.Warn("dropping undecodable elements_updated", zap.Error(err))
			return nil, nil
		}
		return s.applyElementsLocked(elements, st), nil

	case agentevents.EventBettingStarted:
		strategy, err := ev.DecodeStrategy()
		if err != nil {
			s.logger.Warn("dropping undecodable betting_started", zap.Error(err))
			return nil, nil
		}
		n := notice(NoticeBettingStarted, SeverityInfo)
		n.Amount = strategy.Amount
		return s.applyStrategyLocked(strategy, st), n

	case agentevents.EventBettingStopped:
		return s.applyStrategyLocked(nil, st), notice(NoticeBettingStopped, SeverityInfo)

	case agentevents.EventBotStarted:
		return s.applyRunStateLocked(agentapi.RunStateStarting, st), notice(NoticeBotStarted, SeverityInfo)

	case agentevents.EventBotStopped:
		kinds := s.applyRunStateLocked(agentapi.RunStateIdle, st)
		kinds = append(kinds, s.applyStrategyLocked(nil, st)...)
		return kinds, notice(NoticeBotStopped, SeverityInfo)

	case agentevents.EventStrategyFound:
		return nil, notice(NoticeStrategyFound, SeverityInfo)
	case agentevents.EventBetPlaced:
		return nil, notice(NoticeBetPlaced, SeverityInfo)
	case agentevents.EventBetWon:
		return nil, notice(NoticeBetWon, SeverityInfo)
	case agentevents.EventBetLost:
		return nil, notice(NoticeBetLost, SeverityWarning)
	case agentevents.EventError:
		return nil, notice(NoticeAgentError, SeverityError)
	case agentevents.EventWarning:
		return nil, notice(NoticeAgentWarning, SeverityWarning)
	case agentevents.EventNotification:
		return nil, notice(NoticeNotification, SeverityInfo)
	}

	return nil, nil
}

// issuedLocked stamps a locally issued pull or command result on the
// agent's clock.
func (s *Store) issuedLocked(at time.Time) stamp {
	return stamp{at: at.Add(s.skew), explicit: true}
}

// observeAgentClockLocked raises the skew estimate from an agent timestamp
// seen now. An agent stamp is never later than the agent's clock, so the
// estimate only errs low.
func (s *Store) observeAgentClockLocked(agentAt time.Time) {
	ahead := agentAt.Sub(s.now())
	if ahead <= s.skew {
		return
	}
	s.logger.Debug("agent clock ahead of local clock", zap.Duration("skew", ahead))
	s.skew = ahead
}

// redeliveredLocked records a timestamped occurrence event and reports
// whether the same event was already applied.
func (s *Store) redeliveredLocked(ev agentevents.Event) bool {
	key := occurrenceKey{typ: ev.Type, at: ev.Timestamp.UnixNano(), data: string(ev.Data)}
	if _, ok := s.seen[key]; ok {
		return true
	}
	if len(s.seenOrder) < recentOccurrences {
		s.seenOrder = append(s.seenOrder, key)
	} else {
		delete(s.seen, s.seenOrder[s.seenNext])
		s.seenOrder[s.seenNext] = key
		s.seenNext = (s.seenNext + 1) % recentOccurrences
	}
	s.seen[key] = struct{}{}
	return false
}

// accept applies the reconciliation rule for one sub-record and returns the
// timestamp to store.
func (s *Store) accept(kind Kind, st stamp) (time.Time, bool) {
	cur := s.stamps[kind]
	if !st.explicit {
		if st.at.Before(cur) {
			return cur, true
		}
		return st.at, true
	}
	if st.at.Before(cur) {
		s.logger.Debug("dropping stale update",
			zap.Stringer("kind", kind),
			zap.Time("at", st.at),
			zap.Time("stored", cur),
		)
		return cur, false
	}
	return st.at, true
}

func (s *Store) applyStatusLocked(status *agentapi.BotStatus, st stamp) []Kind {
	at, ok := s.accept(KindAgentState, st)
	if !ok {
		return nil
	}

	s.agent = agentStateFrom(status, s.maxRecent)
	if s.agent.LastUpdated.IsZero() {
		s.agent.LastUpdated = at
	}
	s.stamps[KindAgentState] = at
	kinds := []Kind{KindAgentState}

	// The status record is also the agent's report on betting. It only
	// overrides the strategy record when it is at least as fresh.
	betting := status.IsBetting || s.agent.RunState == agentapi.RunStateBetting
	if stratAt, ok := s.accept(KindStrategy, stamp{at: at, explicit: true}); ok {
		switch {
		case betting && status.CurrentStrategy != nil:
			if !sameStrategy(s.strategy, *status.CurrentStrategy) {
				s.strategy = &ActiveStrategy{BettingStrategy: *status.CurrentStrategy}
				s.strategy.MaxLoss = copyFloat(status.CurrentStrategy.MaxLoss)
				s.strategy.MaxWin = copyFloat(status.CurrentStrategy.MaxWin)
				kinds = append(kinds, KindStrategy)
			}
			s.stamps[KindStrategy] = stratAt
		case betting && s.strategy == nil:
			s.strategy = &ActiveStrategy{Inferred: true}
			s.stamps[KindStrategy] = stratAt
			kinds = append(kinds, KindStrategy)
		case !betting && s.strategy != nil:
			s.strategy = nil
			s.stamps[KindStrategy] = stratAt
			kinds = append(kinds, KindStrategy)
		}
	}

	return append(kinds, s.reconcileLocked()...)
}

func (s *Store) applyRunStateLocked(rs agentapi.RunState, st stamp) []Kind {
	at, ok := s.accept(KindAgentState, st)
	if !ok {
		return nil
	}
	s.stamps[KindAgentState] = at
	if s.agent.RunState == rs {
		return nil
	}
	s.agent.RunState = rs
	s.agent.LastUpdated = at
	if rs != agentapi.RunStateBetting {
		s.agent.IsBetting = false
	}
	return append([]Kind{KindAgentState}, s.reconcileLocked()...)
}

func (s *Store) applyStatsLocked(stats *agentapi.SessionStats, st stamp) []Kind {
	at, ok := s.accept(KindStats, st)
	if !ok {
		return nil
	}

	next := statisticsFrom(stats)
	sameSession := !next.StartTime.IsZero() && next.StartTime.Equal(s.stats.StartTime)
	if sameSession && s.stats.regressed(next) {
		s.logger.Debug("dropping regressed stats",
			zap.Int("rounds", next.RoundsObserved),
			zap.Int("bets", next.BetsPlaced),
			zap.Int("storedRounds", s.stats.RoundsObserved),
			zap.Int("storedBets", s.stats.BetsPlaced),
		)
		return nil
	}

	s.stats = next
	s.stamps[KindStats] = at
	return []Kind{KindStats}
}

func (s *Store) applyConfigLocked(cfg *agentapi.BotConfig, st stamp) []Kind {
	at, ok := s.accept(KindConfig, st)
	if !ok {
		return nil
	}
	c := *cfg
	s.config = &c
	s.stamps[KindConfig] = at
	return []Kind{KindConfig}
}

func (s *Store) applyElementsLocked(elements agentapi.ElementMap, st stamp) []Kind {
	at, ok := s.accept(KindElements, st)
	if !ok {
		return nil
	}
	s.elements = elements.Clone()
	s.stamps[KindElements] = at
	return []Kind{KindElements}
}

// applyStrategyLocked sets (or clears, when strategy is nil) the active strategy.
func (s *Store) applyStrategyLocked(strategy *agentapi.BettingStrategy, st stamp) []Kind {
	at, ok := s.accept(KindStrategy, st)
	if !ok {
		return nil
	}
	s.stamps[KindStrategy] = at

	if strategy == nil {
		if s.strategy == nil {
			return nil
		}
		s.strategy = nil
		return append([]Kind{KindStrategy}, s.reconcileLocked()...)
	}

	s.strategy = copyStrategy(&ActiveStrategy{BettingStrategy: *strategy})
	return append([]Kind{KindStrategy}, s.reconcileLocked()...)
}

// reconcileLocked restores the Betting-implies-strategy invariant. It runs
// after every change to either record. A Betting state without a strategy
// at this point means the strategy record was cleared by a fresher update,
// so the run state is downgraded.
func (s *Store) reconcileLocked() []Kind {
	if s.agent.RunState == agentapi.RunStateBetting && s.strategy == nil {
		s.logger.Debug("betting without strategy, downgrading run state to monitoring")
		s.agent.RunState = agentapi.RunStateMonitoring
		s.agent.IsBetting = false
		return []Kind{KindAgentState}
	}
	return nil
}

func (s *Store) clearPullErrorLocked(kind Kind) {
	delete(s.pullErrors, kind)
}

func (s *Store) snapshotLocked() Snapshot {
	agent := s.agent
	agent.Balance = copyFloat(s.agent.Balance)
	agent.LastSignal = copyFloat(s.agent.LastSignal)
	agent.RecentResults = append(make([]float64, 0, len(s.agent.RecentResults)), s.agent.RecentResults...)

	stats := s.stats
	stats.CurrentBalance = copyFloat(s.stats.CurrentBalance)

	var cfg *agentapi.BotConfig
	if s.config != nil {
		c := *s.config
		cfg = &c
	}

	freshness := make(map[Kind]time.Time, len(s.stamps))
	for k, v := range s.stamps {
		freshness[k] = v
	}

	var pullErrors map[Kind]string
	if len(s.pullErrors) > 0 {
		pullErrors = make(map[Kind]string, len(s.pullErrors))
		for k, v := range s.pullErrors {
			pullErrors[k] = v
		}
	}

	return Snapshot{
		Agent:      agent,
		Stats:      stats,
		Config:     cfg,
		Elements:   s.elements.Clone(),
		Strategy:   copyStrategy(s.strategy),
		Connection: s.conn,
		Freshness:  freshness,
		PullErrors: pullErrors,
	}
}
