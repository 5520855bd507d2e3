package app

import (
	"aviatordash/clients/agentapi"
	"aviatordash/clients/agentevents"
	"aviatordash/config"
	"aviatordash/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// AgentAPI is the subset of the agent control client the Syncer drives.
type AgentAPI interface {
	GetStatus(ctx context.Context) (*agentapi.BotStatus, error)
	GetStats(ctx context.Context) (*agentapi.SessionStats, error)
	GetConfig(ctx context.Context) (*agentapi.BotConfig, error)
	GetElements(ctx context.Context) (agentapi.ElementMap, error)
	UpdateConfig(ctx context.Context, patch agentapi.ConfigPatch) (*agentapi.BotConfig, error)
	UpdateElements(ctx context.Context, patch agentapi.ElementMap) (agentapi.ElementMap, error)
	SetCredentials(ctx context.Context, creds agentapi.Credentials) (*agentapi.Ack, error)
	StartBot(ctx context.Context) (*agentapi.Ack, error)
	StopBot(ctx context.Context) (*agentapi.Ack, error)
	StartBetting(ctx context.Context, req agentapi.BettingRequest) (*agentapi.BettingStrategy, error)
	StopBetting(ctx context.Context) (*agentapi.Ack, error)
	Health(ctx context.Context) (*agentapi.Health, error)
	GetLogs(ctx context.Context, lines int) ([]string, error)
}

// EventSource is the agent event channel. Only the Syncer connects,
// reconnects or closes it.
type EventSource interface {
	Connect(ctx context.Context) error
	Reconnect()
	Close() error
	Events() <-chan agentevents.Event
	States() <-chan agentevents.ConnectionState
}

var (
	_ AgentAPI    = (*agentapi.AgentApiClient)(nil)
	_ EventSource = (*agentevents.AgentEventsClient)(nil)
)

// ErrPrecondition matches every *PreconditionError.
var ErrPrecondition = errors.New("precondition failed")

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("syncer already running")

// PreconditionError reports a command that was rejected locally and never sent.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// initialKinds are pulled once on Run. The status pull also covers the strategy.
var initialKinds = []state.Kind{state.KindAgentState, state.KindStats, state.KindConfig, state.KindElements}

// heartbeatKinds are re-pulled while the agent is active and the channel is up.
var heartbeatKinds = []state.Kind{state.KindAgentState, state.KindStats}

type pendingPull struct {
	timer *time.Timer
	seq   uint64
}

// SyncStats counts the Syncer's pull activity.
type SyncStats struct {
	Pulls              uint64 `json:"pulls"`
	PullFailures       uint64 `json:"pull_failures"`
	CompensatingPulls  uint64 `json:"compensating_pulls"`
	HeartbeatActive    bool   `json:"heartbeat_active"`
	StaleReconnects    uint64 `json:"stale_reconnects"`
	PendingCompensated int    `json:"pending_compensated"`
}

// Syncer merges the agent event stream with pulls into the Store. It owns
// the heartbeat ticker, the compensating-pull timers and the event channel.
type Syncer struct {
	logger *zap.Logger
	api    AgentAPI
	events EventSource
	store  *state.Store
	now    func() time.Time

	heartbeatInterval time.Duration
	compensatingDelay time.Duration
	staleAfter        time.Duration

	sf   singleflight.Group
	wg   sync.WaitGroup
	kick chan struct{}

	mu              sync.Mutex
	running         bool
	closed          bool
	runCtx          context.Context
	cancel          context.CancelFunc
	heartbeatCancel context.CancelFunc
	pending         map[state.Kind]pendingPull
	seq             uint64

	lastEventNano     atomic.Int64
	pulls             atomic.Uint64
	pullFailures      atomic.Uint64
	compensatingPulls atomic.Uint64
	staleReconnects   atomic.Uint64
}

func NewSyncer(logger *zap.Logger, cfg *config.Config, api AgentAPI, events EventSource, store *state.Store) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}

	heartbeat := cfg.Sync.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	delay := cfg.Sync.CompensatingPullDelay
	if delay <= 0 {
		delay = 1 * time.Second
	}

	return &Syncer{
		logger:            logger,
		api:               api,
		events:            events,
		store:             store,
		now:               time.Now,
		heartbeatInterval: heartbeat,
		compensatingDelay: delay,
		staleAfter:        cfg.Sync.StaleAfter,
		kick:              make(chan struct{}, 1),
		pending:           make(map[state.Kind]pendingPull),
	}
}

// Store returns the store the Syncer feeds.
func (s *Syncer) Store() *state.Store {
	return s.store
}

// Run connects the event channel, loads every sub-record and keeps the
// store in sync until ctx is cancelled. Nothing it started outlives it.
func (s *Syncer) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	unsubscribe := s.store.Subscribe(s.onChange)
	defer unsubscribe()

	if err := s.events.Connect(runCtx); err != nil {
		s.shutdown()
		return fmt.Errorf("connect agent events: %w", err)
	}
	s.touch()

	s.goTracked(func() { s.initialLoad(runCtx) })

	var staleC <-chan time.Time
	if s.staleAfter > 0 {
		ticker := time.NewTicker(staleCheckInterval(s.staleAfter))
		defer ticker.Stop()
		staleC = ticker.C
	}

	s.logger.Info("syncer started",
		zap.Duration("heartbeatInterval", s.heartbeatInterval),
		zap.Duration("compensatingDelay", s.compensatingDelay),
		zap.Duration("staleAfter", s.staleAfter),
	)

	for {
		select {
		case <-runCtx.Done():
			s.shutdown()
			s.logger.Info("syncer stopped")
			return nil

		case ev := <-s.events.Events():
			s.touch()
			s.store.Apply(ev)

		case cs := <-s.events.States():
			if cs.Connected {
				s.touch()
			}
			s.store.SetConnection(cs)

		case <-s.kick:
			s.updateHeartbeat()

		case <-staleC:
			s.checkStale()
		}
	}
}

// Refresh pulls the given sub-records now and returns their errors joined.
// With no kinds it pulls everything the initial load does.
func (s *Syncer) Refresh(ctx context.Context, kinds ...state.Kind) error {
	if len(kinds) == 0 {
		kinds = initialKinds
	}

	errs := make([]error, len(kinds))
	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			errs[i] = s.pull(ctx, kind)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stats reports pull counters.
func (s *Syncer) Stats() SyncStats {
	s.mu.Lock()
	active := s.heartbeatCancel != nil
	pending := len(s.pending)
	s.mu.Unlock()

	return SyncStats{
		Pulls:              s.pulls.Load(),
		PullFailures:       s.pullFailures.Load(),
		CompensatingPulls:  s.compensatingPulls.Load(),
		HeartbeatActive:    active,
		StaleReconnects:    s.staleReconnects.Load(),
		PendingCompensated: pending,
	}
}

// StartBot asks the agent to start its session.
func (s *Syncer) StartBot(ctx context.Context) (*agentapi.Ack, error) {
	ack, err := s.api.StartBot(ctx)
	if err := s.afterCommand(agentapi.OpStartBot, state.KindAgentState, err); err != nil {
		return nil, err
	}
	return ack, nil
}

// StopBot asks the agent to stop its session.
func (s *Syncer) StopBot(ctx context.Context) (*agentapi.Ack, error) {
	ack, err := s.api.StopBot(ctx)
	if err := s.afterCommand(agentapi.OpStopBot, state.KindAgentState, err); err != nil {
		return nil, err
	}
	return ack, nil
}

// StartBetting starts a betting strategy. The agent must be running a
// session and not already betting.
func (s *Syncer) StartBetting(ctx context.Context, req agentapi.BettingRequest) (*agentapi.BettingStrategy, error) {
	snap := s.store.Snapshot()
	if !snap.Agent.RunState.IsActive() {
		return nil, &PreconditionError{
			Op:     agentapi.OpStartBetting,
			Reason: fmt.Sprintf("agent is %s, start the bot first", snap.Agent.RunState),
		}
	}
	if snap.Strategy != nil {
		return nil, &PreconditionError{Op: agentapi.OpStartBetting, Reason: "a strategy is already active"}
	}

	issued := s.now()
	strategy, err := s.api.StartBetting(ctx, req)
	if err := s.afterCommand(agentapi.OpStartBetting, state.KindAgentState, err); err != nil {
		return nil, err
	}
	s.applyAck(state.KindStrategy, strategy, issued)
	return strategy, nil
}

// StopBetting stops the active strategy.
func (s *Syncer) StopBetting(ctx context.Context) (*agentapi.Ack, error) {
	if s.store.Snapshot().Strategy == nil {
		return nil, &PreconditionError{Op: agentapi.OpStopBetting, Reason: "no strategy is active"}
	}

	issued := s.now()
	ack, err := s.api.StopBetting(ctx)
	if err := s.afterCommand(agentapi.OpStopBetting, state.KindAgentState, err); err != nil {
		return nil, err
	}
	s.applyAck(state.KindStrategy, (*agentapi.BettingStrategy)(nil), issued)
	return ack, nil
}

// UpdateConfig sends a partial configuration and stores the agent's result.
func (s *Syncer) UpdateConfig(ctx context.Context, patch agentapi.ConfigPatch) (*agentapi.BotConfig, error) {
	issued := s.now()
	cfg, err := s.api.UpdateConfig(ctx, patch)
	if err := s.afterCommand(agentapi.OpUpdateConfig, state.KindConfig, err); err != nil {
		return nil, err
	}
	s.applyAck(state.KindConfig, cfg, issued)
	return cfg, nil
}

// UpdateElements sends changed selectors and stores the agent's result.
func (s *Syncer) UpdateElements(ctx context.Context, patch agentapi.ElementMap) (agentapi.ElementMap, error) {
	issued := s.now()
	elements, err := s.api.UpdateElements(ctx, patch)
	if err := s.afterCommand(agentapi.OpUpdateElements, state.KindElements, err); err != nil {
		return nil, err
	}
	s.applyAck(state.KindElements, elements, issued)
	return elements, nil
}

// SetCredentials stores the agent's site login.
func (s *Syncer) SetCredentials(ctx context.Context, creds agentapi.Credentials) (*agentapi.Ack, error) {
	ack, err := s.api.SetCredentials(ctx, creds)
	if err := s.afterCommand(agentapi.OpSetCredentials, state.KindAgentState, err); err != nil {
		return nil, err
	}
	return ack, nil
}

// Health reports agent liveness. It does not touch the store.
func (s *Syncer) Health(ctx context.Context) (*agentapi.Health, error) {
	return s.api.Health(ctx)
}

// Logs returns the agent's most recent log lines.
func (s *Syncer) Logs(ctx context.Context, lines int) ([]string, error) {
	return s.api.GetLogs(ctx, lines)
}

func (s *Syncer) afterCommand(op string, affected state.Kind, err error) error {
	if err != nil {
		s.logger.Warn("agent command failed", zap.String("op", op), zap.Error(err))
		return err
	}
	s.logger.Info("agent command accepted", zap.String("op", op))
	s.scheduleCompensation(affected)
	return nil
}

func (s *Syncer) applyAck(kind state.Kind, value any, issued time.Time) {
	if err := s.store.SetFromPull(kind, value, issued); err != nil {
		s.logger.Error("failed to apply command result", zap.Stringer("kind", kind), zap.Error(err))
	}
}

// scheduleCompensation arms one follow-up pull of kind. A repeat command
// before it fires pushes it back instead of adding another.
func (s *Syncer) scheduleCompensation(kind state.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.closed {
		return
	}
	if p, ok := s.pending[kind]; ok {
		p.timer.Stop()
	}

	s.seq++
	seq := s.seq
	s.pending[kind] = pendingPull{
		timer: time.AfterFunc(s.compensatingDelay, func() { s.fireCompensation(kind, seq) }),
		seq:   seq,
	}
}

func (s *Syncer) fireCompensation(kind state.Kind, seq uint64) {
	s.mu.Lock()
	p, ok := s.pending[kind]
	if !ok || p.seq != seq || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, kind)
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	// Always a new request: a pull already in flight was issued before the
	// command and cannot see its effect.
	go func() {
		defer s.wg.Done()
		s.compensatingPulls.Add(1)
		s.recordPullError(ctx, kind, s.fetch(ctx, kind))
	}()
}

func (s *Syncer) compensationPending(kind state.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[kind]
	return ok
}

func (s *Syncer) initialLoad(ctx context.Context) {
	var g errgroup.Group
	for _, kind := range initialKinds {
		g.Go(func() error {
			s.pullInBackground(ctx, kind)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Debug("initial load finished")
}

// onChange runs on the store's notifying goroutine and only signals the loop.
func (s *Syncer) onChange(c state.Change) {
	if !c.Has(state.KindAgentState) && !c.Has(state.KindConnection) {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// updateHeartbeat starts or stops the heartbeat to match the store.
func (s *Syncer) updateHeartbeat() {
	snap := s.store.Snapshot()
	want := snap.Agent.RunState.IsActive() && snap.Connection.Connected

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	switch {
	case want && s.heartbeatCancel == nil:
		ctx, cancel := context.WithCancel(s.runCtx)
		s.heartbeatCancel = cancel
		s.wg.Add(1)
		go s.heartbeat(ctx)
		s.logger.Debug("heartbeat started", zap.Stringer("runState", snap.Agent.RunState))
	case !want && s.heartbeatCancel != nil:
		s.heartbeatCancel()
		s.heartbeatCancel = nil
		s.logger.Debug("heartbeat stopped",
			zap.Stringer("runState", snap.Agent.RunState),
			zap.Bool("connected", snap.Connection.Connected),
		)
	}
}

func (s *Syncer) heartbeat(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick(ctx)
		}
	}
}

func (s *Syncer) heartbeatTick(ctx context.Context) {
	for _, kind := range heartbeatKinds {
		if s.compensationPending(kind) {
			continue
		}
		s.goTracked(func() { s.pullInBackground(ctx, kind) })
	}
}

// checkStale forces a reconnect when an active agent has gone quiet.
func (s *Syncer) checkStale() {
	snap := s.store.Snapshot()
	if !snap.Agent.RunState.IsActive() || !snap.Connection.Connected {
		return
	}

	quiet := s.now().Sub(time.Unix(0, s.lastEventNano.Load()))
	if quiet < s.staleAfter {
		return
	}

	s.logger.Warn("agent event stream appears stale, reconnecting", zap.Duration("quiet", quiet))
	s.staleReconnects.Add(1)
	s.touch()
	s.events.Reconnect()
}

func (s *Syncer) touch() {
	s.lastEventNano.Store(s.now().UnixNano())
}

func (s *Syncer) pullInBackground(ctx context.Context, kind state.Kind) {
	s.recordPullError(ctx, kind, s.pull(ctx, kind))
}

func (s *Syncer) recordPullError(ctx context.Context, kind state.Kind, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("pull cancelled", zap.Stringer("kind", kind))
		return
	}
	s.store.RecordFailure(kind, err)
}

// pull fetches one sub-record and reconciles it. Concurrent pulls of the
// same kind share one request.
func (s *Syncer) pull(ctx context.Context, kind state.Kind) error {
	_, err, shared := s.sf.Do(kind.String(), func() (any, error) {
		return nil, s.fetch(ctx, kind)
	})
	if shared {
		s.logger.Debug("pull shared with in-flight request", zap.Stringer("kind", kind))
	}
	return err
}

// fetch issues one request for kind and reconciles the result.
func (s *Syncer) fetch(ctx context.Context, kind state.Kind) error {
	s.pulls.Add(1)
	issued := s.now()

	var value any
	var err error
	switch kind {
	case state.KindAgentState:
		value, err = s.api.GetStatus(ctx)
	case state.KindStats:
		value, err = s.api.GetStats(ctx)
	case state.KindConfig:
		value, err = s.api.GetConfig(ctx)
	case state.KindElements:
		value, err = s.api.GetElements(ctx)
	default:
		return fmt.Errorf("pull: unsupported kind %s", kind)
	}
	if err != nil {
		s.pullFailures.Add(1)
		return fmt.Errorf("pull %s: %w", kind, err)
	}
	return s.store.SetFromPull(kind, value, issued)
}

func (s *Syncer) goTracked(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Syncer) shutdown() {
	s.mu.Lock()
	s.closed = true
	for kind, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, kind)
	}
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if err := s.events.Close(); err != nil {
		s.logger.Warn("failed to close agent events", zap.Error(err))
	}
}

func staleCheckInterval(staleAfter time.Duration) time.Duration {
	interval := staleAfter / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
