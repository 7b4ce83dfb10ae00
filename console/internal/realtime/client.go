/*
client.go - live update feed from the GPS server

One websocket per Client. Each inbound frame is a JSON object that may carry
"positions", "devices" and "events" arrays; every array present is handed to
the handlers subscribed to that kind, in subscription order, on the read
goroutine. A dropped connection is retried with exponential backoff until
the attempt budget runs out, after which the client sits idle until Connect
is called again.
*/

package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/logger"
	"fleetwatch/console/internal/settings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	socketPath = "/api/socket"
	// MaxBackoff caps the wait between reconnect attempts.
	MaxBackoff = 30 * time.Minute
	writeWait  = time.Second
)

type Kind string

const (
	KindPositions Kind = "positions"
	KindDevices   Kind = "devices"
	KindEvents    Kind = "events"
)

var kinds = []Kind{KindPositions, KindDevices, KindEvents}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect scheduled"
	}
	return "unknown"
}

// Handler receives the raw entities of one kind from one message.
type Handler func(items []json.RawMessage)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Scheduler runs f once after d. The returned func cancels it if it has not run.
type Scheduler func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop }

type Options struct {
	BaseDelay        time.Duration
	MaxAttempts      int
	ReadTimeout      time.Duration // zero disables stale-connection detection
	HandshakeTimeout time.Duration
	Dialer           Dialer
	Scheduler        Scheduler
	// OnState is called after every state change, outside the client's lock.
	OnState func(State)
}

func (o *Options) withDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 3 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  o.HandshakeTimeout,
			EnableCompression: true,
		}
	}
	if o.Scheduler == nil {
		o.Scheduler = afterFunc
	}
}

type subscription struct {
	handler Handler
	active  atomic.Bool
}

type Client struct {
	opts Options

	mu          sync.Mutex
	state       State
	pending     []State
	endpoint    string
	header      http.Header
	orgID       string
	conn        *websocket.Conn
	gen         uint64 // bumped by Disconnect; stale loops and timers compare against it
	attempts    int
	cancelTimer func() bool
	subs        map[Kind][]*subscription
}

func New(opts Options) *Client {
	opts.withDefaults()
	return &Client{opts: opts, subs: make(map[Kind][]*subscription)}
}

// Endpoint maps the REST base URL to the websocket URL: http becomes ws,
// https becomes wss, and /api/socket is appended to the base path.
func Endpoint(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + socketPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Backoff is the wait before reconnect attempt n (1-based): base * 2^(n-1),
// capped at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		if d > MaxBackoff/2 {
			return max(d, MaxBackoff)
		}
		d *= 2
	}
	return d
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnects scheduled since the last successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.pending = append(c.pending, s)
}

// unlock releases mu and then reports queued state changes.
func (c *Client) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if c.opts.OnState == nil {
		return
	}
	for _, s := range pending {
		c.opts.OnState(s)
	}
}

// Connect opens the socket for cfg. It does nothing while a socket is open or
// a dial is in flight. A failed dial schedules a reconnect and is returned.
func (c *Client) Connect(ctx context.Context, cfg settings.ConnectionConfig) error {
	endpoint, err := Endpoint(cfg.ServerURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.endpoint = endpoint
	c.header = http.Header{"Authorization": []string{cfg.AuthHeader()}}
	c.orgID = cfg.OrganizationID
	c.stopTimerLocked()
	c.attempts = 0
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.unlock()

	return c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	endpoint, header := c.endpoint, c.header
	c.mu.Unlock()

	logger.L.Info().Str("url", endpoint).Msg("realtime connecting")
	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		logger.L.Warn().Err(err).Msg("realtime dial failed")
		c.scheduleReconnectLocked(gen)
		c.unlock()
		return &gpsapi.TransportError{Op: "websocket dial", Err: err}
	}
	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.unlock()

	logger.L.Info().Msg("realtime connected")
	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) scheduleReconnectLocked(gen uint64) {
	if c.attempts >= c.opts.MaxAttempts {
		logger.L.Warn().Int("attempts", c.attempts).Msg("realtime giving up, reconnect budget exhausted")
		c.setStateLocked(StateIdle)
		return
	}
	c.attempts++
	delay := Backoff(c.opts.BaseDelay, c.attempts)
	logger.L.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("realtime reconnect scheduled")
	c.setStateLocked(StateReconnectScheduled)
	c.cancelTimer = c.opts.Scheduler(delay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnectScheduled {
		c.mu.Unlock()
		return
	}
	c.cancelTimer = nil
	c.setStateLocked(StateConnecting)
	c.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	_ = c.dial(ctx, gen)
}

func (c *Client) stopTimerLocked() {
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
}

// keepAlive answers server pings and treats each one as proof the
// connection is alive.
func (c *Client) keepAlive(conn *websocket.Conn) {
	conn.SetPingHandler(func(data string) error {
		if c.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &netErr) {
			return nil
		}
		return err
	})
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	c.keepAlive(conn)
	for {
		if c.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen || c.conn != conn {
				c.mu.Unlock()
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.L.Info().Msg("realtime connection closed by server")
			} else {
				logger.L.Warn().Err(err).Msg("realtime read failed")
			}
			_ = conn.Close()
			c.conn = nil
			c.scheduleReconnectLocked(gen)
			c.unlock()
			return
		}
		c.dispatch(data)
	}
}

// dispatch fans one frame out by kind. Malformed frames or kinds are dropped.
func (c *Client) dispatch(data []byte) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.L.Debug().Err(err).Msg("realtime dropped malformed message")
		return
	}
	for _, kind := range kinds {
		raw, ok := msg[string(kind)]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			logger.L.Debug().Err(err).Str("kind", string(kind)).Msg("realtime dropped malformed payload")
			continue
		}

		c.mu.Lock()
		subs := append([]*subscription(nil), c.subs[kind]...)
		c.mu.Unlock()

		for _, s := range subs {
			if s.active.Load() {
				invoke(kind, s.handler, items)
			}
		}
	}
}

func invoke(kind Kind, h Handler, items []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error().Str("kind", string(kind)).Interface("panic", r).Msg("realtime handler panicked")
		}
	}()
	h(items)
}

// Subscribe registers h for kind. The returned func removes only this
// registration and may be called more than once.
func (c *Client) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	s := &subscription{handler: h}
	s.active.Store(true)

	c.mu.Lock()
	c.subs[kind] = append(c.subs[kind], s)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		s.active.Store(false)
		list := c.subs[kind]
		for i, cur := range list {
			if cur == s {
				c.subs[kind] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

func (c *Client) organization() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orgID
}

func subscribeTyped[T any](c *Client, kind Kind, tag func(*T, string), h func([]T)) func() {
	return c.Subscribe(kind, func(items []json.RawMessage) {
		org := c.organization()
		out := make([]T, 0, len(items))
		for _, raw := range items {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				logger.L.Debug().Err(err).Str("kind", string(kind)).Msg("realtime dropped malformed entity")
				continue
			}
			tag(&v, org)
			out = append(out, v)
		}
		if len(out) > 0 {
			h(out)
		}
	})
}

func (c *Client) OnPositions(h func([]gpsapi.Position)) func() {
	return subscribeTyped(c, KindPositions, func(p *gpsapi.Position, org string) { p.OrganizationID = org }, h)
}

func (c *Client) OnDevices(h func([]gpsapi.Device)) func() {
	return subscribeTyped(c, KindDevices, func(d *gpsapi.Device, org string) { d.OrganizationID = org }, h)
}

func (c *Client) OnEvents(h func([]gpsapi.Event)) func() {
	return subscribeTyped(c, KindEvents, func(e *gpsapi.Event, org string) { e.OrganizationID = org }, h)
}

// Disconnect closes the socket, cancels any pending reconnect and drops all
// subscriptions. Safe to call in any state, any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	for _, list := range c.subs {
		for _, s := range list {
			s.active.Store(false)
		}
	}
	c.subs = make(map[Kind][]*subscription)
	c.attempts = 0
	c.setStateLocked(StateIdle)
	c.unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		logger.L.Info().Msg("realtime disconnected")
	}
}
