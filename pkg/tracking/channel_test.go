package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// wsServer is the test peer: it records inbound client messages and lets a
// test push events or kill connections.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	inbound   []map[string]string
	dials     []time.Time
	rejecting atomic.Bool
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.dials = append(s.dials, time.Now())
		s.mu.Unlock()
		if s.rejecting.Load() {
			http.Error(w, "go away", http.StatusServiceUnavailable)
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		for {
			var m map[string]string
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			s.mu.Lock()
			s.inbound = append(s.inbound, m)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func (s *wsServer) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dials)
}

func (s *wsServer) inboundOfType(typ string) []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]string
	for _, m := range s.inbound {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *wsServer) push(t *testing.T, msg Message) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, s.lastConn(t).WriteMessage(websocket.TextMessage, b))
}

func newChannel(srv *wsServer, opts Options) *Channel {
	opts.URL = srv.wsURL()
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = 20 * time.Millisecond
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour // out of the way unless under test
	}
	return New(opts)
}

func TestConnectAndDispatch(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	require.Equal(t, StateConnected, c.State())

	got := make(chan Message, 4)
	unsub := c.Subscribe(TypeLocationUpdate, func(m Message) { got <- m })
	defer unsub()
	// a faulty handler for the same type must not break the healthy one
	c.Subscribe(TypeLocationUpdate, func(Message) { panic("bad handler") })

	srv.push(t, Message{Type: TypeLocationUpdate, Data: json.RawMessage(`{"lat":52.3}`), Timestamp: 1})
	select {
	case m := <-got:
		require.Equal(t, TypeLocationUpdate, m.Type)
		require.JSONEq(t, `{"lat":52.3}`, string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	// messages of other types are not delivered to this handler
	srv.push(t, Message{Type: TypeStatusUpdate, Data: json.RawMessage(`{}`), Timestamp: 2})
	select {
	case <-got:
		t.Fatal("handler received a foreign message type")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	var calls atomic.Int64
	unsub := c.Subscribe(TypeStatusUpdate, func(Message) { calls.Add(1) })
	unsub()

	srv.push(t, Message{Type: TypeStatusUpdate, Timestamp: 1})
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, calls.Load())
}

func TestRacingDialSupersedesLiveSession(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	first := srv.lastConn(t)

	got := make(chan Message, 4)
	c.Subscribe(TypeLocationUpdate, func(m Message) { got <- m })

	// a backoff timer whose AfterFunc already fired dials concurrently with
	// a manual Connect; the second dial lands with a session still installed
	require.NoError(t, c.dial(context.Background()))
	require.Equal(t, 2, srv.dialCount())
	require.Equal(t, StateConnected, c.State())

	// the superseded connection no longer delivers anything
	b, err := json.Marshal(Message{Type: TypeLocationUpdate, Timestamp: 1})
	require.NoError(t, err)
	_ = first.WriteMessage(websocket.TextMessage, b)
	select {
	case <-got:
		t.Fatal("superseded session dispatched an event")
	case <-time.After(150 * time.Millisecond):
	}

	// while the live one still does
	srv.push(t, Message{Type: TypeLocationUpdate, Data: json.RawMessage(`{}`), Timestamp: 2})
	select {
	case m := <-got:
		require.EqualValues(t, 2, m.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("live session did not dispatch")
	}
}

func TestCleanCloseNeverReconnects(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})
	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()
	require.Equal(t, StateDisconnected, c.State())

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, srv.dialCount(), "clean close must not trigger reconnection")
}

func TestUncleanCloseReconnects(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})

	states := make(chan State, 16)
	c.OnConnectionChange(func(s State) { states <- s })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	// kill the connection server-side
	require.NoError(t, srv.lastConn(t).Close())

	seen := map[State]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen[StateReconnecting] && seen[StateConnected]) {
		select {
		case s := <-states:
			if s == StateConnected && !seen[StateReconnecting] {
				continue // the initial connect
			}
			seen[s] = true
		case <-deadline:
			t.Fatalf("reconnect not observed, states=%v", seen)
		}
	}
	require.GreaterOrEqual(t, srv.dialCount(), 2)
}

func TestReconnectBackoffGrowsThenStops(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{MaxReconnectAttempts: 3})

	require.NoError(t, c.Connect(context.Background()))
	srv.rejecting.Store(true)
	require.NoError(t, srv.lastConn(t).Close())

	require.Eventually(t, func() bool { return c.State() == StateDisconnected },
		3*time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	dials := append([]time.Time(nil), srv.dials...)
	srv.mu.Unlock()

	// initial dial + 3 reconnect attempts, then no more
	require.Len(t, dials, 4)
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, 4, srv.dialCount())

	// intervals between reconnect attempts must grow
	d1 := dials[2].Sub(dials[1])
	d2 := dials[3].Sub(dials[2])
	require.Greater(t, d2, d1)
}

func TestHeartbeat(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{HeartbeatInterval: 30 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		return len(srv.inboundOfType("ping")) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCargoSubscriptionAndResubscribe(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})

	// replay topics once connected again
	c.OnReconnect(func() { _ = c.Resubscribe() })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.SubscribeCargo("cargo-7"))
	require.Eventually(t, func() bool {
		return len(srv.inboundOfType("subscribe")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.lastConn(t).Close())

	// after the reconnect the subscription is replayed
	require.Eventually(t, func() bool {
		subs := srv.inboundOfType("subscribe")
		return len(subs) == 2 && subs[1]["cargo_id"] == "cargo-7"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOnReconnectSkipsInitialConnect(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})

	var fires atomic.Int64
	c.OnReconnect(func() { fires.Add(1) })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fires.Load(), "initial connect is not a reconnect")

	require.NoError(t, srv.lastConn(t).Close())
	require.Eventually(t, func() bool { return fires.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestSendWhileDisconnected(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(srv, Options{})
	require.ErrorIs(t, c.SubscribeCargo("cargo-1"), ErrNotConnected)
}
