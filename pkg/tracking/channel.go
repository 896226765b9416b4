// Package tracking maintains the persistent duplex channel that delivers
// location, status and delivery events. It reconnects with exponential
// backoff after unclean closes, heartbeats while connected, and fans inbound
// messages out to per-type handler sets.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cargolink/cargolink-go/internal/metrics"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type MessageType string

const (
	TypeLocationUpdate   MessageType = "location_update"
	TypeStatusUpdate     MessageType = "status_update"
	TypeDeliveryUpdate   MessageType = "delivery_update"
	TypeConnectionStatus MessageType = "connection_status"
)

// Message is the server→client event envelope.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type Handler func(Message)

var (
	ErrAlreadyConnected = errors.New("tracking: already connected")
	ErrNotConnected     = errors.New("tracking: not connected")
)

type Options struct {
	// URL is the websocket endpoint, e.g. "wss://api.example.com/ws/tracking".
	URL string

	// HeartbeatInterval between ping frames while connected. Default 30s.
	HeartbeatInterval time.Duration
	// ReconnectBase is the first backoff delay; attempt n waits
	// base * 2^(n-1). Default 1s.
	ReconnectBase time.Duration
	// MaxReconnectAttempts before giving up until a manual Connect.
	// Default 5.
	MaxReconnectAttempts int

	// TokenSource supplies the access credential attached on dial, may be
	// nil for unauthenticated endpoints.
	TokenSource func() string

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// session is one live websocket connection; a reconnect replaces the whole
// session, so loops from a dead connection can never touch the new one.
type session struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

type Channel struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	state   State
	sess    *session
	closing bool
	attempt int
	timer   *time.Timer

	subs *subscriptions

	// cargo topics the caller wants; the server forgets them on close, so
	// Resubscribe replays them after a reconnect.
	cargos map[string]struct{}
}

func New(opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		opts:   opts,
		log:    opts.Logger,
		subs:   newSubscriptions(),
		cargos: make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint. A manual Connect resets the reconnect budget.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closing = false
	c.attempt = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return ErrNotConnected
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	header := http.Header{}
	if c.opts.TokenSource != nil {
		if tok := c.opts.TokenSource(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			c.setState(StateDisconnected)
			return err
		}
		c.scheduleReconnect()
		return err
	}

	s := &session{
		conn: conn,
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(StateDisconnected)
		return ErrNotConnected
	}
	if old := c.sess; old != nil {
		// a concurrent dial produced a second connection; the superseded
		// session is torn down here or its loops leak forever
		_ = old.conn.Close()
		close(old.done)
	}
	c.sess = s
	c.attempt = 0
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.writeLoop(s)
	go c.readLoop(s)
	go c.heartbeatLoop(s)
	return nil
}

// Disconnect is the clean, caller-initiated close; it never triggers
// reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s != nil {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
		close(s.done)
	}
	c.setState(StateDisconnected)
}

func (c *Channel) readLoop(s *session) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			c.onConnLost(s)
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("undecodable tracking message", zap.Error(err))
			continue
		}
		metrics.ChannelMessages.Inc()
		c.subs.dispatch(msg, c.log)
	}
}

func (c *Channel) writeLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.onConnLost(s)
				return
			}
		}
	}
}

func (c *Channel) heartbeatLoop(s *session) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			b, _ := json.Marshal(map[string]string{"type": "ping"})
			select {
			case s.out <- b:
			default:
			}
		}
	}
}

// onConnLost handles an unclean close exactly once per session.
func (c *Channel) onConnLost(s *session) {
	c.mu.Lock()
	if c.sess != s {
		// already replaced or torn down
		c.mu.Unlock()
		return
	}
	c.sess = nil
	closing := c.closing
	c.mu.Unlock()

	_ = s.conn.Close()
	close(s.done)

	if closing {
		c.setState(StateDisconnected)
		return
	}
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return
	}
	c.attempt++
	attempt := c.attempt
	if attempt > c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		c.log.Warn("reconnect budget exhausted, staying disconnected",
			zap.Int("attempts", c.opts.MaxReconnectAttempts))
		c.setState(StateDisconnected)
		return
	}
	delay := c.opts.ReconnectBase << (attempt - 1)
	c.mu.Unlock()

	c.setState(StateReconnecting)
	c.log.Info("tracking channel lost, reconnecting",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return
	}
	c.timer = time.AfterFunc(delay, func() {
		metrics.ChannelReconnects.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Dialer.HandshakeTimeout)
		defer cancel()
		_ = c.dial(ctx)
	})
	c.mu.Unlock()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	metrics.ChannelState.Set(float64(s))
	c.subs.notifyConnection(s, c.log)
}

// send enqueues one client→server protocol message.
func (c *Channel) send(v any) error {
	c.mu.Lock()
	s := c.sess
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || s == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.out <- b:
		return nil
	default:
		return errors.New("tracking: outbound queue full")
	}
}

type cargoMsg struct {
	Type    string `json:"type"`
	CargoID string `json:"cargo_id"`
}

// SubscribeCargo asks the server for tracking events of one cargo. The
// desired topic is remembered so Resubscribe can replay it after a
// reconnect.
func (c *Channel) SubscribeCargo(cargoID string) error {
	c.mu.Lock()
	c.cargos[cargoID] = struct{}{}
	c.mu.Unlock()
	return c.send(cargoMsg{Type: "subscribe", CargoID: cargoID})
}

func (c *Channel) UnsubscribeCargo(cargoID string) error {
	c.mu.Lock()
	delete(c.cargos, cargoID)
	c.mu.Unlock()
	return c.send(cargoMsg{Type: "unsubscribe", CargoID: cargoID})
}

// Resubscribe replays every desired cargo topic; callers invoke it from a
// connection-change handler after the channel reports Connected, since the
// server has no memory of a closed session's subscriptions.
func (c *Channel) Resubscribe() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.cargos))
	for id := range c.cargos {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.send(cargoMsg{Type: "subscribe", CargoID: id}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for one message type; the returned func
// unsubscribes it.
func (c *Channel) Subscribe(t MessageType, h Handler) func() {
	return c.subs.add(t, h)
}

// OnConnectionChange registers a state transition handler; the returned func
// unsubscribes it.
func (c *Channel) OnConnectionChange(h func(State)) func() {
	return c.subs.addConn(h)
}

// OnReconnect invokes fn each time the channel returns to Connected after
// having been down. The initial connect does not count. State callbacks fire
// from read-loop and timer goroutines, so the down marker is atomic.
func (c *Channel) OnReconnect(fn func()) func() {
	var down atomic.Bool
	return c.OnConnectionChange(func(s State) {
		switch s {
		case StateReconnecting, StateDisconnected:
			down.Store(true)
		case StateConnected:
			if down.CompareAndSwap(true, false) {
				fn()
			}
		}
	})
}
