package proctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Session client defaults. Overridable through Config for tests and tuning.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultMaxAttempts       = 50

	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ConnectionState tracks the session transport lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// ViolationHandler receives each violation as it arrives. Invoked from the
// client's read goroutine, one call per violation, in delivery order.
type ViolationHandler func(model.Violation)

// SessionIdentity is fixed for the client's lifetime and stamped on every
// outbound message.
type SessionIdentity struct {
	SessionID       string
	ExamID          string
	StudentID       int
	StudentName     string
	CalibratedPitch float64
	CalibratedYaw   float64
}

// Config carries the injected service address and protocol tuning knobs.
// Zero values fall back to the defaults above.
type Config struct {
	// BaseURL is the HTTP(S) base address of the proctoring backend; the
	// session endpoint scheme is translated to ws/wss.
	BaseURL           string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
	// OnTerminal is invoked exactly once if the reconnect ceiling is
	// exhausted. Optional.
	OnTerminal func()
}

// Client owns one logical proctoring session connection: its reconnect
// policy, heartbeat, and message protocol. All transport errors are contained
// here; callers observe only IsConnected and the violation handler.
type Client struct {
	identity SessionIdentity
	cfg      Config
	wsURL    string
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnectionState
	attempts int
	retry    *time.Timer
	handler  ViolationHandler
	enabled  bool
	closed   bool
	terminal bool
	done     chan struct{} // per-connection heartbeat stop signal
}

// New creates a session client. If enabled is true the connection is
// established in the background immediately; otherwise the client stays
// disconnected until Connect is called.
func New(cfg Config, identity SessionIdentity, onViolation ViolationHandler, enabled bool, log zerolog.Logger) (*Client, error) {
	if identity.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	wsURL, err := sessionURL(cfg.BaseURL, identity.SessionID)
	if err != nil {
		return nil, err
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	c := &Client{
		identity: identity,
		cfg:      cfg,
		wsURL:    wsURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		handler:  onViolation,
		log: log.With().
			Str("component", "session_client").
			Str("session_id", identity.SessionID).
			Logger(),
	}

	if enabled {
		c.Connect()
	}
	return c, nil
}

// Identity returns the session identity the client was constructed with.
func (c *Client) Identity() SessionIdentity {
	return c.identity
}

// IsConnected reports whether the session transport is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Connect starts connection establishment if the client is idle. Idempotent;
// returns immediately, the dial happens in the background. A pending
// backoff retry is superseded.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.terminal || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.enabled = true
	c.state = StateConnecting
	c.mu.Unlock()

	go c.dial()
}

// SetViolationHandler rebinds the violation handler. Takes effect for the
// next dispatched message; no reconnect required.
func (c *Client) SetViolationHandler(h ViolationHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Disconnect cancels any pending retry, closes the transport and stops the
// heartbeat. Terminal for this instance: the client will not auto-reconnect
// afterward. Safe to call multiple times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.enabled = false
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.state = StateDisconnected
}

// ─── Sends (fire-and-forget) ────────────────────────────────────────

// SendFrame pushes one base64 frame snapshot. audioLevel may be nil.
// No-op while disconnected.
func (c *Client) SendFrame(frame string, audioLevel *float64) {
	c.send(MessageFrame, FrameMessage{
		Type:            MessageFrame,
		Frame:           frame,
		CalibratedPitch: c.identity.CalibratedPitch,
		CalibratedYaw:   c.identity.CalibratedYaw,
		ExamID:          c.identity.ExamID,
		StudentID:       c.identity.StudentID,
		StudentName:     c.identity.StudentName,
		AudioLevel:      audioLevel,
	})
}

// SendAudioLevel pushes a standalone audio reading. No-op while disconnected.
func (c *Client) SendAudioLevel(level float64) {
	c.send(MessageAudio, AudioMessage{
		Type:        MessageAudio,
		AudioLevel:  level,
		ExamID:      c.identity.ExamID,
		StudentID:   c.identity.StudentID,
		StudentName: c.identity.StudentName,
	})
}

// SendBrowserActivity reports a client-side violation such as a tab switch.
// No-op while disconnected.
func (c *Client) SendBrowserActivity(violationType, message string) {
	c.send(MessageBrowserActivity, BrowserActivityMessage{
		Type:          MessageBrowserActivity,
		ViolationType: violationType,
		Message:       message,
		ExamID:        c.identity.ExamID,
		StudentID:     c.identity.StudentID,
		StudentName:   c.identity.StudentName,
	})
}

func (c *Client) send(kind MessageType, v interface{}) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Debug().Str("type", string(kind)).Msg("Not connected, dropping message")
		return
	}
	c.write(conn, v)
}

// write sends v on conn if it is still the live connection. Write errors are
// logged only; the read loop observes the resulting close and drives the
// reconnect from there.
func (c *Client) write(conn *websocket.Conn, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		c.log.Warn().Err(err).Msg("Write failed")
	}
}

// ─── Connection lifecycle ───────────────────────────────────────────

func (c *Client) dial() {
	conn, _, err := c.dialer.Dial(c.wsURL, nil)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.log.Warn().Err(err).Int("attempt", c.attempts).Msg("Connection failed")
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.log.Info().Msg("Session connected")

	go c.readLoop(conn)
	go c.heartbeat(conn, done)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				c.log.Debug().Msg("Connection closed")
			}
			c.connLost(conn)
			return
		}
		c.dispatch(data)
	}
}

// connLost transitions to Disconnected and schedules a retry, unless the
// lost connection has already been superseded or the client is torn down.
func (c *Client) connLost(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return // stale connection
	}
	conn.Close()
	c.conn = nil
	c.state = StateDisconnected
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.closed {
		return
	}
	c.scheduleRetryLocked()
}

// scheduleRetryLocked schedules the next reconnect attempt with exponential
// backoff, or surfaces the one-time terminal failure once the attempt
// ceiling is reached. Caller must hold mu.
func (c *Client) scheduleRetryLocked() {
	if c.closed || !c.enabled || c.terminal {
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.terminal = true
		c.log.Error().Int("attempts", c.attempts).Msg("Unable to connect, reconnect attempts exhausted")
		if c.cfg.OnTerminal != nil {
			go c.cfg.OnTerminal()
		}
		return
	}

	delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, c.attempts)
	c.log.Info().Dur("delay", delay).Int("attempt", c.attempts).Msg("Reconnect scheduled")
	c.retry = time.AfterFunc(delay, c.retryConnect)
}

func (c *Client) retryConnect() {
	c.mu.Lock()
	if c.closed || !c.enabled || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.attempts++
	c.state = StateConnecting
	c.mu.Unlock()

	c.dial()
}

// backoffDelay computes min(base·2^attempt, limit) without overflowing.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		d = limit
	}
	return d
}

// ─── Heartbeat ──────────────────────────────────────────────────────

// heartbeat pings on a fixed interval while conn is live. A missed pong is
// not a disconnect trigger; the transport's own close/error is.
func (c *Client) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.write(conn, PingMessage{Type: MessagePing})
		}
	}
}

// ─── Inbound dispatch ───────────────────────────────────────────────

// dispatch routes one inbound frame by its type tag. Malformed payloads are
// logged and dropped; the connection stays alive.
func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error().Err(err).Msg("Discarding malformed message")
		return
	}

	switch env.Type {
	case MessageDetectionResult:
		var result DetectionResult
		if err := json.Unmarshal(env.Data, &result); err != nil {
			c.log.Error().Err(err).Msg("Discarding malformed detection result")
			return
		}
		for i := range result.Violations {
			c.deliver(violationFromWire(&result.Violations[i], result.SnapshotBase64))
		}
	case MessageViolation:
		var wv WireViolation
		if err := json.Unmarshal(env.Data, &wv); err != nil {
			c.log.Error().Err(err).Msg("Discarding malformed violation")
			return
		}
		c.deliver(violationFromWire(&wv, ""))
	case MessageAudioLevel:
		// Informational only.
	case MessagePong:
		c.log.Trace().Msg("Pong received")
	case "":
		c.log.Warn().Msg("Message without type, ignored")
	default:
		c.log.Warn().Str("type", string(env.Type)).Msg("Unknown message type, ignored")
	}
}

// violationFromWire stamps a receipt-time timestamp and inherits the parent
// result's snapshot when the violation carries none of its own.
func violationFromWire(wv *WireViolation, parentSnapshot string) model.Violation {
	snapshot := wv.SnapshotBase64
	if snapshot == "" {
		snapshot = parentSnapshot
	}
	return model.Violation{
		Type:           wv.Type,
		Severity:       wv.Severity,
		Message:        wv.Message,
		Confidence:     wv.Confidence,
		Timestamp:      time.Now(),
		SnapshotBase64: snapshot,
	}
}

// deliver invokes the latest handler. The reference is read at dispatch
// time, never captured at connect time, so rebinding is effective
// immediately.
func (c *Client) deliver(v model.Violation) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(v)
	}
}

// sessionURL derives the WebSocket session endpoint from the configured
// HTTP(S) service base address.
func sessionURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse service base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported service URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/proctoring/" + sessionID
	return u.String(), nil
}
