// Package transport implements the control channel to the signaling
// server: a reconnecting, heartbeated WebSocket carrying request/reply
// JSON envelopes, bootstrapped over HTTP. It owns reply correlation,
// the heartbeat latency estimate, and TURN credential refresh.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/virtco/meetcore/internal/config"
	"github.com/virtco/meetcore/internal/events"
	"github.com/virtco/meetcore/internal/logger"
	"github.com/virtco/meetcore/internal/schedule"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const maxLatencySamples = 10

type pendingReply struct {
	ch    chan replyResult
	timer *schedule.Handle
}

type replyResult struct {
	env Envelope
	err error
}

// Client is the reconnecting control-channel socket.
type Client struct {
	Options config.Options
	Boot    *Bootstrapper
	Events  *events.Dispatcher

	// AuthMode/Identifier feed the bootstrap form body.
	AuthMode   string
	Identifier string

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	seq      int64
	pending  map[int64]pendingReply
	backoff  *Backoff
	turn     *TURNInfo
	turnTmr  *schedule.Handle
	hbTmr    *schedule.Handle
	lastPong time.Time
	latency  []time.Duration

	connectLimiter *rate.Limiter

	everConnected  bool
	stateChangedMu sync.Mutex
	sawStateChange bool

	closed atomic.Bool
}

// NewClient builds a Client. opts is resolved through config.Defaults by
// the caller (the engine wires options once at construction).
func NewClient(opts config.Options, boot *Bootstrapper) *Client {
	return &Client{
		Options: opts,
		Boot:    boot,
		Events:  events.NewDispatcher(),
		pending: make(map[int64]pendingReply),
		backoff: NewBackoff(opts.ReconnectInterval, opts.MaxReconnectInterval, opts.ReconnectFactor, opts.ReconnectSpreader),
		// One (re)connect attempt per second sustained, bursts of 3, on
		// top of the backoff so a flapping server can't be hammered.
		connectLimiter: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.stateChangedMu.Lock()
	c.sawStateChange = true
	c.stateChangedMu.Unlock()
	if c.Events != nil {
		c.Events.Dispatch(events.StateChanged, events.StateChangedPayload{
			Connected: s == StateConnected,
			State:     s.String(),
		})
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// backoff when Options.ReconnectEnabled is set. It returns nil on clean
// shutdown (ctx cancelled), the terminal error on permanent bootstrap
// failure, or, with reconnection disabled, the error that ended the
// connection attempt.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || c.closed.Load() {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateConnecting)
		if err := c.connectLimiter.Wait(ctx); err != nil {
			return nil
		}

		c.stateChangedMu.Lock()
		c.sawStateChange = false
		c.stateChangedMu.Unlock()

		permanent, err := c.connectAndServe(ctx)
		if ctx.Err() != nil || c.closed.Load() {
			c.setState(StateDisconnected)
			return nil
		}
		if permanent {
			c.setState(StateDisconnected)
			if c.Events != nil {
				c.Events.Dispatch(events.Error, events.ErrorPayload{Code: "permanent", Message: err.Error()})
			}
			return err
		}

		if !c.Options.ReconnectEnabled {
			c.setState(StateDisconnected)
			return err
		}

		c.stateChangedMu.Lock()
		fast := !c.sawStateChange
		c.stateChangedMu.Unlock()

		c.setState(StateReconnecting)
		var delay time.Duration
		if !fast {
			delay = c.backoff.Next()
		} else {
			c.backoff.Next() // keep attempt counter advancing for metrics parity
		}
		logger.Warn("transport disconnected, reconnecting", "err", err, "delay", delay, "fast", fast)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil
		case <-time.After(delay):
		}
	}
}

// connectAndServe performs one bootstrap+dial+serve cycle. The bool return
// indicates a permanent failure (auto-reconnect should not retry).
func (c *Client) connectAndServe(ctx context.Context) (permanent bool, err error) {
	connectCtx, cancel := context.WithTimeout(ctx, orDefault(c.Options.ConnectTimeout, 5*time.Second))
	defer cancel()

	resp, err := c.Boot.Connect(connectCtx, c.AuthMode, c.Identifier, c.Options.AuthorizationAuth)
	if err != nil {
		return false, fmt.Errorf("connect_timeout: %w", err)
	}
	if resp.Error != nil {
		return resp.IsPermanent(), fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Msg)
	}

	opts := &websocket.DialOptions{}
	if c.Options.AuthorizationType != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {c.Options.AuthorizationType + " " + c.Options.AuthorizationValue},
		}
	}
	conn, _, err := websocket.Dial(connectCtx, resp.URL, opts)
	if err != nil {
		return false, fmt.Errorf("websocket_error: %w", err)
	}
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.seq = 0
	c.mu.Unlock()

	if resp.TURN != nil {
		c.adoptTURN(*resp.TURN)
	}

	c.everConnected = true
	c.backoff.Reset()
	c.setState(StateConnected)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	c.startHeartbeat(hbCtx)
	defer c.stopHeartbeat()

	defer c.failPending(fmt.Errorf("no_connection"))

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return false, fmt.Errorf("websocket_error: %w", readErr)
		}

		var env Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			logger.Debug("transport: bad envelope", "err", jsonErr)
			continue
		}
		c.handleInbound(env)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (c *Client) handleInbound(env Envelope) {
	if env.Type == TypePong {
		// The server echoes only `id`; synthesize reply_to so the generic
		// reply-matching path resolves it.
		env.ReplyTo = env.ID
		if env.Auth != "" {
			c.Options.AuthorizationValue = env.Auth
		}
	}

	if env.ReplyTo != 0 {
		c.mu.Lock()
		p, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
		}
		c.mu.Unlock()
		if ok {
			p.timer.Cancel()
			p.ch <- replyResult{env: env}
			if env.Type == TypePong {
				c.recordLatency(env)
			}
			return
		}
		if env.Type == TypePong {
			// Pong arrived after its reply handler already timed out; it is
			// dropped and not counted toward the latency estimate.
			return
		}
	}

	if c.Events != nil {
		c.Events.Dispatch(events.Message, env)
	}
}

func (c *Client) recordLatency(env Envelope) {
	if env.TS == 0 {
		return
	}
	rtt := time.Since(time.UnixMilli(env.TS))
	c.mu.Lock()
	c.latency = append(c.latency, rtt)
	if len(c.latency) > maxLatencySamples {
		c.latency = c.latency[len(c.latency)-maxLatencySamples:]
	}
	c.mu.Unlock()
}

// Latency returns the average of up to the last 10 heartbeat round trips.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latency) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range c.latency {
		total += d
	}
	return total / time.Duration(len(c.latency))
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]pendingReply)
	c.mu.Unlock()
	for _, p := range pending {
		p.timer.Cancel()
		p.ch <- replyResult{err: err}
	}
}

// Send transmits env over the socket. A zero timeout is fire-and-forget;
// a positive timeout registers a reply handler that resolves on a
// matching reply_to, or rejects with "timeout" if none arrives in time.
// Send assigns env.ID as the next strictly-increasing sequence value.
func (c *Client) Send(ctx context.Context, env Envelope, timeout time.Duration) (Envelope, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Envelope{}, fmt.Errorf("no_connection")
	}
	c.seq++
	env.ID = c.seq
	c.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope: %w", err)
	}

	if timeout <= 0 {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return Envelope{}, fmt.Errorf("websocket_error: %w", err)
		}
		return Envelope{}, nil
	}

	replyCh := make(chan replyResult, 1)
	timer := schedule.After(timeout, func() {
		c.mu.Lock()
		_, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			replyCh <- replyResult{err: fmt.Errorf("timeout")}
		}
	})

	c.mu.Lock()
	c.pending[env.ID] = pendingReply{ch: replyCh, timer: timer}
	c.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		timer.Cancel()
		return Envelope{}, fmt.Errorf("websocket_error: %w", err)
	}

	select {
	case res := <-replyCh:
		return res.env, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		timer.Cancel()
		return Envelope{}, ctx.Err()
	}
}

func (c *Client) startHeartbeat(ctx context.Context) {
	interval := orDefault(c.Options.HeartbeatInterval, 30*time.Second)
	timeout := time.Duration(float64(interval) * 0.9)
	c.hbTmr = schedule.Ticker(interval, func() {
		ping := Envelope{Type: TypePing, TS: time.Now().UnixMilli()}
		_, err := c.Send(ctx, ping, timeout)
		if err != nil {
			logger.Warn("transport: heartbeat timeout, forcing reconnect", "err", err)
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "heartbeat timeout")
			}
		}
	})
}

func (c *Client) stopHeartbeat() {
	if c.hbTmr != nil {
		c.hbTmr.Cancel()
	}
}

func (c *Client) adoptTURN(t TURNInfo) {
	c.mu.Lock()
	c.turn = &t
	c.mu.Unlock()

	cancelled := false
	if c.Events != nil {
		payload := events.TurnChangedPayload{Username: t.Username, Password: t.Password, TTL: t.TTL, URIs: t.URIs}
		c.Events.Dispatch(events.TurnChanged, &payload)
		cancelled = payload.Cancel
	}
	_ = cancelled // the ICE-list replacement decision lives with the consumer via the payload's Cancel field

	if c.turnTmr != nil {
		c.turnTmr.Cancel()
	}
	if t.TTL <= 0 {
		return
	}
	refresh := time.Duration(float64(t.TTL)*0.9) * time.Second
	c.turnTmr = schedule.After(refresh, c.refreshTURN)
}

func (c *Client) refreshTURN() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.Boot.RefreshTURN(ctx, c.AuthMode, c.Identifier, c.Options.AuthorizationAuth)
	if err != nil || resp.TURN == nil {
		logger.Warn("transport: turn refresh failed, retrying in 5s", "err", err)
		c.turnTmr = schedule.After(5*time.Second, c.refreshTURN)
		return
	}
	c.adoptTURN(*resp.TURN)
}

// Close performs a user-initiated, final shutdown: no further reconnects.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.setState(StateClosing)
	if c.turnTmr != nil {
		c.turnTmr.Cancel()
	}
	c.stopHeartbeat()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// ForceReconnect closes the current socket (if any) to drive the Run loop
// into its reconnect path, seeding the backoff's attempt counter so the
// next attempt is not instantaneous. Used by the session controller on a
// `goodbye` envelope.
func (c *Client) ForceReconnect(seedAttempts int) {
	c.backoff.Seed(seedAttempts)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "goodbye")
	}
}
