// Package gateway is the remote-termination protocol client. It keeps a
// persistent websocket channel to the agent host, correlates JSON-framed
// requests with responses by id, and mirrors local kill-switch firings
// onto the remote side via a sessions.stop/agent.stop fallback chain.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xkilldash9x/warden/api/schemas"
	"github.com/xkilldash9x/warden/internal/bus"
	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the connector's connection state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
)

// Error codes synthesized locally; they never travel over the wire.
const (
	CodeNotConnected     = "NOT_CONNECTED"
	CodeTimeout          = "TIMEOUT"
	CodeConnectionClosed = "CONNECTION_CLOSED"
)

// eventHelloOK is the unsolicited peer event completing authentication.
const eventHelloOK = "hello-ok"

// Error is a protocol-level failure attached to a response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) String() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response is the resolved outcome of one request. OK=false always
// carries a non-nil Err.
type Response struct {
	OK      bool
	Payload json.RawMessage
	Err     *Error
}

// TerminationResult reports a terminateSession attempt: which method
// finally ran and, when both failed, the second attempt's error.
type TerminationResult struct {
	Success bool
	Method  string
	Err     *Error
}

// frame is the single wire envelope: requests carry id+method, responses
// carry id+ok, unsolicited events carry type=event.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// pendingRequest is one outstanding correlation slot. The timer fires the
// timeout failure; it is stopped when the matching response arrives so a
// slot can never resolve twice.
type pendingRequest struct {
	ch    chan Response
	timer *time.Timer
}

// Connector implements the four-state protocol client. All state mutation
// happens under one mutex; the read loop is the single reader and writes
// are serialized by a dedicated write lock, as the websocket demands.
type Connector struct {
	cfg     config.GatewayConfig
	bus     *bus.Bus
	metrics *observability.Metrics
	log     *zap.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	pending   map[string]*pendingRequest
	killCount int64

	writeMu sync.Mutex
	readWg  sync.WaitGroup
}

// New creates a disconnected Connector.
func New(cfg config.GatewayConfig, b *bus.Bus, metrics *observability.Metrics, logger *zap.Logger) *Connector {
	return &Connector{
		cfg:     cfg,
		bus:     b,
		metrics: metrics,
		log:     logger.Named("gateway"),
		dialer:  websocket.DefaultDialer,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectEvery), 1),
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
	}
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount returns the number of outstanding correlation slots.
func (c *Connector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// KillCount returns the number of successful remote terminations.
func (c *Connector) KillCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killCount
}

// Connect opens the channel and sends the operator handshake. It resolves
// as soon as the channel is open; authentication completes asynchronously
// when the peer's hello-ok event arrives.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect attempted in state %q", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to dial gateway %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.readWg.Add(1)
	go c.readLoop(conn)

	c.log.Info("Gateway channel open", zap.String("url", c.cfg.URL))

	// Handshake response is consumed asynchronously; the hello-ok event,
	// not the response, flips the state.
	go func() {
		resp := c.SendRequest(ctx, "connect", map[string]interface{}{
			"role":  "operator",
			"token": c.cfg.Token,
		})
		if !resp.OK {
			c.log.Warn("Gateway handshake rejected", zap.String("error", resp.Err.String()))
		}
	}()

	return nil
}

// Close tears the channel down and fails every outstanding request.
func (c *Connector) Close() {
	c.teardown(nil)
	c.readWg.Wait()
}

// teardown moves to disconnected and resolves all pending slots as
// failures. Safe to call from any state, repeatedly.
func (c *Connector) teardown(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected

	orphaned := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range orphaned {
		p.timer.Stop()
		p.ch <- Response{OK: false, Err: &Error{Code: CodeConnectionClosed, Message: "gateway channel closed"}}
	}
	if c.metrics != nil {
		c.metrics.GatewayPending.Set(0)
	}

	if wasConnected {
		if cause != nil {
			c.log.Warn("Gateway channel lost", zap.Error(cause), zap.Int("orphaned_requests", len(orphaned)))
		} else {
			c.log.Info("Gateway channel closed", zap.Int("orphaned_requests", len(orphaned)))
		}
	}
}

// readLoop is the single reader: it dispatches responses to their pending
// slots by id and events to the state machine, and tears the connection
// down on the first read error.
func (c *Connector) readLoop(conn *websocket.Conn) {
	defer c.readWg.Done()
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.teardown(err)
			return
		}

		switch {
		case f.Type == "event":
			c.handleEvent(f)
		case f.ID != "":
			c.resolve(f)
		default:
			c.log.Debug("Ignoring unrecognized gateway frame")
		}
	}
}

func (c *Connector) handleEvent(f frame) {
	if f.Event != eventHelloOK {
		c.log.Debug("Ignoring gateway event", zap.String("event", f.Event))
		return
	}
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()
	c.log.Info("Gateway authenticated")
}

// resolve matches a response frame to its pending slot purely by id;
// arrival order is irrelevant. Unmatched ids (late responses whose slot
// already timed out) are dropped.
func (c *Connector) resolve(f frame) {
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
		if c.metrics != nil {
			c.metrics.GatewayPending.Set(float64(len(c.pending)))
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	p.timer.Stop()
	resp := Response{OK: f.OK != nil && *f.OK, Payload: f.Payload, Err: f.Error}
	if !resp.OK && resp.Err == nil {
		resp.Err = &Error{Code: "REMOTE_ERROR", Message: "request refused without detail"}
	}
	p.ch <- resp
}

// SendRequest sends one framed request and blocks until the matching
// response, the per-request deadline, connection loss, or ctx cancels it.
// While the channel is not open it fails immediately with NOT_CONNECTED
// and registers no pending slot.
func (c *Connector) SendRequest(ctx context.Context, method string, params interface{}) Response {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateAuthenticated {
		c.mu.Unlock()
		c.countRequest(method, "not_connected")
		return Response{OK: false, Err: &Error{Code: CodeNotConnected, Message: "gateway channel is not open"}}
	}
	conn := c.conn

	id := uuid.New().String()
	// Buffered so a timeout firing and a racing response can both deliver
	// without blocking; only the first is ever read.
	p := &pendingRequest{ch: make(chan Response, 1)}
	p.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.expire(id, method) })
	c.pending[id] = p
	if c.metrics != nil {
		c.metrics.GatewayPending.Set(float64(len(c.pending)))
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(frame{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(err)
		c.countRequest(method, "error")
		return Response{OK: false, Err: &Error{Code: CodeConnectionClosed, Message: err.Error()}}
	}

	select {
	case resp := <-p.ch:
		if resp.OK {
			c.countRequest(method, "ok")
		} else {
			c.countRequest(method, "error")
		}
		return resp
	case <-ctx.Done():
		c.abandon(id)
		c.countRequest(method, "canceled")
		return Response{OK: false, Err: &Error{Code: CodeTimeout, Message: ctx.Err().Error()}}
	}
}

// expire resolves a slot as a timeout failure and releases it, keeping
// the pending map bounded under flaky connections.
func (c *Connector) expire(id, method string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if c.metrics != nil {
			c.metrics.GatewayPending.Set(float64(len(c.pending)))
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.Warn("Gateway request timed out", zap.String("method", method), zap.String("id", id))
	p.ch <- Response{OK: false, Err: &Error{Code: CodeTimeout, Message: "request deadline exceeded"}}
}

// abandon drops a slot whose caller stopped waiting.
func (c *Connector) abandon(id string) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
		if c.metrics != nil {
			c.metrics.GatewayPending.Set(float64(len(c.pending)))
		}
	}
	c.mu.Unlock()
}

func (c *Connector) countRequest(method, outcome string) {
	if c.metrics != nil {
		c.metrics.GatewayRequestsTotal.WithLabelValues(method, outcome).Inc()
	}
}

// TerminateSession is the fallback chain: sessions.stop first, and on any
// failure a retry with agent.stop against the bare agent id. It fails
// only when both attempts fail, reporting the second attempt's error.
func (c *Connector) TerminateSession(ctx context.Context, sessionKey, agentID, reason string) TerminationResult {
	resp := c.SendRequest(ctx, "sessions.stop", map[string]interface{}{
		"sessionKey": sessionKey,
		"reason":     reason,
	})
	if resp.OK {
		c.recordKill()
		return TerminationResult{Success: true, Method: "sessions.stop"}
	}

	c.log.Warn("sessions.stop failed, falling back to agent.stop",
		zap.String("session_key", sessionKey),
		zap.String("error", resp.Err.String()),
	)

	resp = c.SendRequest(ctx, "agent.stop", map[string]interface{}{
		"agentId": agentID,
		"reason":  reason,
	})
	if resp.OK {
		c.recordKill()
		return TerminationResult{Success: true, Method: "agent.stop"}
	}
	return TerminationResult{Success: false, Method: "agent.stop", Err: resp.Err}
}

func (c *Connector) recordKill() {
	c.mu.Lock()
	c.killCount++
	c.mu.Unlock()
}

// Run drives the connector: it keeps the channel alive with throttled
// reconnects and mirrors kill-switch notices from the bus onto the remote
// host. This subscription is the only coupling between the local
// enforcement loop and the protocol client.
func (c *Connector) Run(ctx context.Context) error {
	notices, unsubscribe := c.bus.Subscribe(schemas.ChanBehaviorBlocked)
	defer unsubscribe()
	defer c.Close()

	reconnect := time.NewTicker(c.cfg.ReconnectEvery)
	defer reconnect.Stop()

	c.ensureConnected(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnect.C:
			c.ensureConnected(ctx)
		case msg, ok := <-notices:
			if !ok {
				return nil
			}
			c.handleNotice(ctx, msg.Payload)
		}
	}
}

// ensureConnected attempts one throttled reconnect when disconnected.
func (c *Connector) ensureConnected(ctx context.Context) {
	if c.State() != StateDisconnected {
		return
	}
	if !c.limiter.Allow() {
		return
	}
	if err := c.Connect(ctx); err != nil {
		c.log.Warn("Gateway reconnect failed", zap.Error(err))
	}
}

// handleNotice reacts to kill-switch notices only, discriminated by the
// action field rather than a dedicated channel.
func (c *Connector) handleNotice(ctx context.Context, payload interface{}) {
	notice, ok := payload.(schemas.BehaviorNotice)
	if !ok || notice.Action != schemas.ActionKillSwitch {
		return
	}

	result := c.TerminateSession(ctx, notice.SessionID, notice.AgentID, notice.Description)
	if result.Success {
		c.log.Info("Remote session terminated",
			zap.String("session_id", notice.SessionID),
			zap.String("method", result.Method),
		)
		return
	}
	c.log.Error("Remote termination failed",
		zap.String("session_id", notice.SessionID),
		zap.String("error", result.Err.String()),
	)
}
