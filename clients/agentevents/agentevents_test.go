package agentevents

import (
	"aviatordash/config"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newTestServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

// drain reads until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(wsURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Agent.EventsURL = wsURL
	cfg.Sync.ReconnectMinBackoff = 10 * time.Millisecond
	cfg.Sync.ReconnectMaxBackoff = 40 * time.Millisecond
	cfg.Sync.PingInterval = 0
	return cfg
}

func waitForState(t *testing.T, c *AgentEventsClient, want ConnState) ConnectionState {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cs := <-c.States():
			if cs.State == want {
				return cs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", want, c.State().State)
			return ConnectionState{}
		}
	}
}

func nextEvent(t *testing.T, c *AgentEventsClient) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNewAgentEventsClient(t *testing.T) {
	cfg := config.Defaults()
	client := NewAgentEventsClient(nil, cfg)

	assert.NotNil(t, client.logger)
	assert.Equal(t, "ws://localhost:8000/ws", client.wsURL)
	assert.Equal(t, 1*time.Second, client.minBackoff)
	assert.Equal(t, 30*time.Second, client.maxBackoff)
	assert.Equal(t, StateDisconnected, client.State().State)
	assert.False(t, client.State().Connected)
}

func TestConnect_DeliversKnownEventsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	server, wsURL := newTestServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_update","data":{"status":{"status":"running","is_running":true}},"timestamp":"2024-03-01T12:00:00Z"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"shiny_new_thing","data":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"type":"config_updated","data":{"wait_timeout":30}},{"type":"bet_won","data":{"profit":4.5}}]`))
		drain(conn)
	})
	defer server.Close()

	client := NewAgentEventsClient(zaptest.NewLogger(t), testConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	waitForState(t, client, StateConnected)

	ev := nextEvent(t, client)
	assert.Equal(t, EventStatusUpdate, ev.Type)
	assert.True(t, ev.HasTimestamp())

	ev = nextEvent(t, client)
	assert.Equal(t, EventConfigUpdated, ev.Type)
	assert.False(t, ev.HasTimestamp())

	ev = nextEvent(t, client)
	assert.Equal(t, EventBetWon, ev.Type)
	assert.Equal(t, 4.5, ev.DecodeOccurrence().Profit)

	select {
	case extra := <-client.Events():
		t.Errorf("unexpected extra event: %s", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}

	stats := client.Stats()
	assert.Equal(t, uint64(4), stats.MessageCount)
	assert.Equal(t, 1, stats.EventTypes["shiny_new_thing"])

	require.NoError(t, client.Close())
}

func TestConnect_ReconnectsAfterRemoteClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	var conns int32
	server, wsURL := newTestServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&conns, 1)
		if n == 1 {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"warning","data":{"message":"back"}}`))
		drain(conn)
	})
	defer server.Close()

	client := NewAgentEventsClient(zaptest.NewLogger(t), testConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	waitForState(t, client, StateConnected)
	cs := waitForState(t, client, StateDisconnected)
	assert.NotEmpty(t, cs.LastError)

	cs = waitForState(t, client, StateConnected)
	assert.Empty(t, cs.LastError, "connecting clears the stored error")

	ev := nextEvent(t, client)
	assert.Equal(t, EventWarning, ev.Type)
	assert.Equal(t, "back", ev.DecodeOccurrence().Message)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&conns), int32(2))
	assert.GreaterOrEqual(t, client.Stats().Reconnects, uint64(1))

	require.NoError(t, client.Close())
}

func TestConnect_DialFailureReportsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	client := NewAgentEventsClient(zaptest.NewLogger(t), testConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))

	cs := waitForState(t, client, StateDisconnected)
	assert.False(t, cs.Connected)
	assert.NotEmpty(t, cs.LastError)

	// Retries keep going with backoff.
	waitForState(t, client, StateConnecting)

	require.NoError(t, client.Close())
}

func TestReconnect_RedialsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	var conns int32
	server, wsURL := newTestServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&conns, 1)
		drain(conn)
	})
	defer server.Close()

	cfg := testConfig(wsURL)
	cfg.Sync.ReconnectMinBackoff = time.Hour
	cfg.Sync.ReconnectMaxBackoff = time.Hour

	client := NewAgentEventsClient(zaptest.NewLogger(t), cfg)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	waitForState(t, client, StateConnected)
	client.Reconnect()
	waitForState(t, client, StateDisconnected)
	waitForState(t, client, StateConnected)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&conns) == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, client.Close())
}

func TestClose_IsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	var conns int32
	server, wsURL := newTestServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&conns, 1)
		drain(conn)
	})
	defer server.Close()

	client := NewAgentEventsClient(zaptest.NewLogger(t), testConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))
	waitForState(t, client, StateConnected)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "second close is a no-op")

	waitForState(t, client, StateClosing)
	waitForState(t, client, StateDisconnected)
	assert.Equal(t, StateDisconnected, client.State().State)

	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&conns), "no redial after close")
}

func TestConnect_ContextCancelCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	server, wsURL := newTestServer(t, drain)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewAgentEventsClient(zaptest.NewLogger(t), testConfig(wsURL))
	require.NoError(t, client.Connect(ctx))
	assert.ErrorIs(t, client.Connect(ctx), ErrAlreadyStarted)

	waitForState(t, client, StateConnected)
	cancel()
	waitForState(t, client, StateClosing)
	waitForState(t, client, StateDisconnected)
}

func TestClose_WithoutConnect(t *testing.T) {
	client := NewAgentEventsClient(nil, config.Defaults())
	assert.NoError(t, client.Close())
	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
}

func TestBackOffDoublesToCap(t *testing.T) {
	cfg := config.Defaults()
	cfg.Sync.ReconnectMinBackoff = 1 * time.Second
	cfg.Sync.ReconnectMaxBackoff = 5 * time.Second
	b := NewAgentEventsClient(nil, cfg).newBackOff()

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)

	b.Reset()
	assert.Equal(t, 1*time.Second, b.NextBackOff())
}
