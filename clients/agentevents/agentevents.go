package agentevents

import (
	"aviatordash/config"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("event channel closed")
	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("event channel already started")

	errReconnectRequested = errors.New("reconnect requested")
)

// ConnState is the Event Channel lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState is a connectivity snapshot published on every transition.
type ConnectionState struct {
	State     ConnState `json:"state"`
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	At        time.Time `json:"at"`
}

// AgentEventsClient keeps one websocket connection to the agent event
// stream, redialing with capped exponential backoff until Close.
type AgentEventsClient struct {
	logger *zap.Logger

	wsURL        string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration

	mu      sync.Mutex
	state   ConnState
	lastErr string
	conn    *websocket.Conn
	started bool
	closed  bool

	writeMu   sync.Mutex
	publishMu sync.Mutex

	eventCh     chan Event
	stateCh     chan ConnectionState
	reconnectCh chan struct{}
	closeCh     chan struct{}
	closeOnce   sync.Once
	done        chan struct{}

	msgCount        uint64
	lastMsgUnixNano int64
	reconnects      uint64

	typeMu     sync.Mutex
	eventTypes map[string]int
}

func NewAgentEventsClient(logger *zap.Logger, cfg *config.Config) *AgentEventsClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	minBackoff := cfg.Sync.ReconnectMinBackoff
	if minBackoff <= 0 {
		minBackoff = 1 * time.Second
	}
	maxBackoff := cfg.Sync.ReconnectMaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}

	return &AgentEventsClient{
		logger:       logger,
		wsURL:        cfg.Agent.EventsURL,
		dialer:       websocket.DefaultDialer,
		pingInterval: cfg.Sync.PingInterval,
		minBackoff:   minBackoff,
		maxBackoff:   maxBackoff,

		eventCh:     make(chan Event, 1024),
		stateCh:     make(chan ConnectionState, 16),
		reconnectCh: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
		eventTypes:  make(map[string]int),
	}
}

// Connect starts the connection supervisor and returns immediately.
// Connectivity is reported on States(). Cancelling ctx is equivalent to Close.
func (c *AgentEventsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closeCh:
		}
	}()

	return nil
}

// Reconnect drops the current connection (if any) and redials without
// waiting for the backoff.
func (c *AgentEventsClient) Reconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// Close tears the connection down for good. It is safe to call more than once.
func (c *AgentEventsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.started
		conn := c.conn
		c.mu.Unlock()

		c.forceState(StateClosing, "")
		close(c.closeCh)

		if conn != nil {
			err = c.closeConn(conn)
		}
		if started {
			<-c.done
		}

		c.forceState(StateDisconnected, "")
		c.logger.Info("agent ws closed")
	})
	return err
}

// Events delivers agent events in arrival order.
func (c *AgentEventsClient) Events() <-chan Event {
	return c.eventCh
}

// States delivers connectivity transitions. When the consumer falls behind,
// the oldest pending transition is dropped in favor of the newest.
func (c *AgentEventsClient) States() <-chan ConnectionState {
	return c.stateCh
}

// State returns the current connectivity snapshot.
func (c *AgentEventsClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		State:     c.state,
		Connected: c.state == StateConnected,
		LastError: c.lastErr,
		At:        time.Now(),
	}
}

type WSStats struct {
	State         ConnState      `json:"state"`
	MessageCount  uint64         `json:"message_count"`
	LastMessageAt time.Time      `json:"last_message_at"`
	Reconnects    uint64         `json:"reconnects"`
	EventTypes    map[string]int `json:"event_types,omitempty"`
}

func (c *AgentEventsClient) Stats() WSStats {
	n := atomic.LoadUint64(&c.msgCount)
	ns := atomic.LoadInt64(&c.lastMsgUnixNano)

	var t time.Time
	if ns > 0 {
		t = time.Unix(0, ns)
	}

	c.typeMu.Lock()
	types := make(map[string]int, len(c.eventTypes))
	for k, v := range c.eventTypes {
		types[k] = v
	}
	c.typeMu.Unlock()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	return WSStats{
		State:         state,
		MessageCount:  n,
		LastMessageAt: t,
		Reconnects:    atomic.LoadUint64(&c.reconnects),
		EventTypes:    types,
	}
}

func (c *AgentEventsClient) run(ctx context.Context) {
	defer close(c.done)

	retry := c.newBackOff()
	delay := retry.NextBackOff()
	attempt := 0

	for {
		if c.stopping(ctx) {
			return
		}

		c.setState(StateConnecting, "")
		if attempt > 0 {
			atomic.AddUint64(&c.reconnects, 1)
		}
		attempt++

		conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			if c.stopping(ctx) {
				return
			}
			c.logger.Warn("agent ws dial failed",
				zap.String("url", c.wsURL),
				zap.Duration("retryIn", delay),
				zap.Error(err),
			)
			c.setState(StateDisconnected, err.Error())
			if !c.wait(ctx, delay) {
				return
			}
			delay = retry.NextBackOff()
			continue
		}

		c.logger.Info("agent ws dialed", zap.String("url", c.wsURL))
		retry.Reset()
		delay = retry.NextBackOff()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.setState(StateConnected, "")

		err = c.serve(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if c.stopping(ctx) {
			return
		}

		if errors.Is(err, errReconnectRequested) {
			c.logger.Info("agent ws reconnect requested")
			c.setState(StateDisconnected, "")
			continue
		}

		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		c.logger.Warn("agent ws disconnected",
			zap.String("reason", reason),
			zap.Duration("retryIn", delay),
		)
		c.setState(StateDisconnected, reason)

		if !c.wait(ctx, delay) {
			return
		}
		delay = retry.NextBackOff()
	}
}

// serve pumps one connection until it fails or is torn down.
func (c *AgentEventsClient) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetCloseHandler(func(code int, text string) error {
		c.logger.Warn("agent ws close frame received",
			zap.Int("code", code),
			zap.String("reason", text),
		)
		return nil
	})

	if c.pingInterval > 0 {
		pongWait := 3 * c.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	stop := make(chan struct{})
	var reconnectRequested atomic.Bool
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(conn, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-stop:
		case <-c.closeCh:
			_ = conn.Close()
		case <-ctx.Done():
			_ = conn.Close()
		case <-c.reconnectCh:
			reconnectRequested.Store(true)
			_ = c.closeConn(conn)
		}
	}()

	err := c.readLoop(ctx, conn)
	close(stop)
	wg.Wait()
	_ = conn.Close()

	if reconnectRequested.Load() {
		return errReconnectRequested
	}
	return err
}

func (c *AgentEventsClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	first := true

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if c.pingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))
		}

		atomic.AddUint64(&c.msgCount, 1)
		atomic.StoreInt64(&c.lastMsgUnixNano, time.Now().UnixNano())

		if first {
			first = false
			c.logger.Info("agent ws received first frame", zap.Int("bytes", len(b)))
		}

		if err := c.emitFrame(ctx, b); err != nil {
			return err
		}
	}
}

// emitFrame handles a single JSON object or a JSON array batch.
func (c *AgentEventsClient) emitFrame(ctx context.Context, b []byte) error {
	trimmed := b
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}

	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			c.logger.Warn("agent ws bad json array frame",
				zap.Error(err),
				zap.ByteString("frame", b),
			)
			return nil
		}
		for _, one := range arr {
			if err := c.forward(ctx, one); err != nil {
				return err
			}
		}
		return nil
	}

	return c.forward(ctx, trimmed)
}

func (c *AgentEventsClient) forward(ctx context.Context, raw []byte) error {
	ev, err := ParseEvent(raw)
	if err != nil {
		c.logger.Warn("agent ws bad event", zap.Error(err), zap.ByteString("frame", raw))
		return nil
	}

	c.typeMu.Lock()
	c.eventTypes[string(ev.Type)]++
	c.typeMu.Unlock()

	if !ev.Type.Known() {
		c.logger.Debug("agent ws ignoring unknown event type", zap.String("type", string(ev.Type)))
		return nil
	}

	select {
	case c.eventCh <- ev:
		return nil
	case <-c.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *AgentEventsClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	if c.pingInterval <= 0 {
		<-stop
		return
	}

	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("agent ws ping failed", zap.Error(err))
				return
			}
		case <-stop:
			return
		}
	}
}

// closeConn sends a normal close frame and closes the socket.
func (c *AgentEventsClient) closeConn(conn *websocket.Conn) error {
	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *AgentEventsClient) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// wait sleeps for d. It returns false when the client is shutting down and
// returns early (true) on a reconnect request.
func (c *AgentEventsClient) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.reconnectCh:
		return true
	case <-c.closeCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// setState records a supervisor transition. It is a no-op once Close began.
func (c *AgentEventsClient) setState(state ConnState, lastErr string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cs := c.transitionLocked(state, lastErr)
	c.mu.Unlock()
	c.publish(cs)
}

func (c *AgentEventsClient) forceState(state ConnState, lastErr string) {
	c.mu.Lock()
	cs := c.transitionLocked(state, lastErr)
	c.mu.Unlock()
	c.publish(cs)
}

func (c *AgentEventsClient) transitionLocked(state ConnState, lastErr string) ConnectionState {
	c.state = state
	if state == StateConnected {
		c.lastErr = ""
	} else if lastErr != "" {
		c.lastErr = lastErr
	}
	return ConnectionState{
		State:     state,
		Connected: state == StateConnected,
		LastError: c.lastErr,
		At:        time.Now(),
	}
}

func (c *AgentEventsClient) publish(cs ConnectionState) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	select {
	case c.stateCh <- cs:
		return
	default:
	}

	// Full: drop the oldest pending transition.
	select {
	case <-c.stateCh:
	default:
	}
	select {
	case c.stateCh <- cs:
	default:
		c.logger.Warn("dropping connection state: stateCh full")
	}
}

// newBackOff doubles from minBackoff up to maxBackoff and never gives up.
func (c *AgentEventsClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minBackoff
	b.MaxInterval = c.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
