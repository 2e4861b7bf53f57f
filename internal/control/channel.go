package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultReconnectDelay     = 5 * time.Second
	DefaultJWTRefreshInterval = 55 * time.Minute
)

// errSessionRefresh signals runOpen to tear down the session for a
// proactive JWT refresh rather than because of a transport error.
var errSessionRefresh = errors.New("control: jwt refresh due")

// Options configures a Channel.
type Options struct {
	Endpoints          Endpoints
	RegistrationToken  string
	HeartbeatInterval  time.Duration
	ReconnectDelay     time.Duration
	JWTRefreshInterval time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// DataPoint is one entry of an outbound data_update frame.
type DataPoint struct {
	DeviceID   string   `json:"deviceId"`
	RegisterID string   `json:"registerId"`
	Value      []uint16 `json:"value"`
}

type dataUpdateFrame struct {
	Type          string      `json:"type"`
	Timestamp     string      `json:"timestamp"`
	IsFullRefresh bool        `json:"isFullRefresh"`
	Updates       []DataPoint `json:"updates"`
}

type errorFrame struct {
	CommandID string `json:"commandId"`
	Type      string `json:"type"`
	Error     string `json:"error"`
}

// Channel is the persistent WebSocket Control Channel of spec.md §4.6. One
// Channel owns one connection at a time; Run blocks and reconnects until
// its context is cancelled.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	jwt       string
	jwtExpiry time.Time
	agentID   string

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	onOpen  func(ctx context.Context)
	onClose func()
}

// New creates a Channel, filling unset Options with spec.md §4.6 defaults.
func New(opts Options) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.JWTRefreshInterval <= 0 {
		opts.JWTRefreshInterval = DefaultJWTRefreshInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = defaultHTTPClient()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:     opts,
		logger:   logger,
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
	}
}

// OnOpen registers a callback fired every time the channel transitions to
// Open — the scheduler for an immediate Offline Buffer drain and active
// config fetch, per spec.md §4.6.
func (c *Channel) OnOpen(fn func(ctx context.Context)) {
	c.onOpen = fn
}

// OnClose registers a callback fired every time the channel transitions
// away from Open — starts Offline Buffer ingest, per spec.md §4.6.
func (c *Channel) OnClose(fn func()) {
	c.onClose = fn
}

// RegisterHandler binds a command type to its handler.
func (c *Channel) RegisterHandler(commandType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[commandType] = h
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AgentID reports the identity assigned by the welcome frame, empty until
// the first successful connect.
func (c *Channel) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// BearerToken returns the current JWT, used by uploader/config-watcher HTTP
// calls that share this channel's auth lifecycle.
func (c *Channel) BearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jwt
}

// Run authenticates, connects, and serves the channel until ctx is
// cancelled, reconnecting on any disconnect after ReconnectDelay.
func (c *Channel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.ensureToken(ctx); err != nil {
			c.logger.Warn("control channel auth failed", "error", err)
			c.setState(StateDisconnected)
			if !c.wait(ctx) {
				return
			}
			continue
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("control channel dial failed", "error", err)
			c.setState(StateDisconnected)
			if !c.wait(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateOpen)
		c.logger.Info("control channel open")
		if c.onOpen != nil {
			c.onOpen(ctx)
		}

		err = c.runOpen(ctx, conn)

		c.setState(StateClosing)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		if c.onClose != nil {
			c.onClose()
		}

		if errors.Is(err, errSessionRefresh) {
			c.logger.Info("control channel closing for jwt refresh")
			// A zero expiry makes ensureToken fetch a new JWT before redialing.
			c.mu.Lock()
			c.jwtExpiry = time.Time{}
			c.mu.Unlock()
		} else if err != nil {
			c.logger.Warn("control channel session ended", "error", err)
		}

		if !c.wait(ctx) {
			return
		}
	}
}

func (c *Channel) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.opts.ReconnectDelay):
		return true
	}
}

func (c *Channel) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	needsAuth := c.jwt == "" || expiringSoon(c.jwtExpiry, time.Now())
	c.mu.Unlock()
	if !needsAuth {
		return nil
	}
	c.setState(StateAuthenticating)
	token, err := Authenticate(ctx, c.opts.HTTPClient, c.opts.Endpoints.AuthURL, c.opts.RegistrationToken)
	if err != nil {
		return err
	}
	expiry, err := tokenExpiry(token)
	if err != nil {
		c.logger.Warn("control channel: could not parse jwt expiry", "error", err)
	}
	c.mu.Lock()
	c.jwt = token
	c.jwtExpiry = expiry
	c.mu.Unlock()
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.jwt
	c.mu.Unlock()

	u, err := url.Parse(c.opts.Endpoints.WSURL)
	if err != nil {
		return nil, fmt.Errorf("control: parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("control: dial: %w", err)
	}
	return conn, nil
}

// runOpen serves one connected session: heartbeat ticker, proactive JWT
// refresh ticker, and the inbound read loop. It returns when any of those
// ends the session.
func (c *Channel) runOpen(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)

	go c.heartbeatLoop(sessionCtx, conn, errCh)
	go c.jwtRefreshLoop(sessionCtx, errCh)

	readErr := c.readLoop(sessionCtx, conn)
	cancel()

	select {
	case bgErr := <-errCh:
		if bgErr != nil {
			return bgErr
		}
	default:
	}
	return readErr
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, errCh chan error) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(ctx, conn, map[string]string{"type": "heartbeat"}); err != nil {
				errCh <- fmt.Errorf("control: heartbeat send: %w", err)
				return
			}
		}
	}
}

func (c *Channel) jwtRefreshLoop(ctx context.Context, errCh chan error) {
	ticker := time.NewTicker(c.opts.JWTRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			errCh <- errSessionRefresh
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("control: read: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			c.logger.Warn("control channel: malformed frame", "error", err)
			continue
		}
		c.handleInbound(ctx, conn, raw)
	}
}

func (c *Channel) handleInbound(ctx context.Context, conn *websocket.Conn, raw map[string]any) {
	if t, _ := raw["type"].(string); t == "connected" {
		agentID, _ := raw["agentId"].(string)
		c.mu.Lock()
		c.agentID = agentID
		c.mu.Unlock()
		c.logger.Info("control channel welcomed", "agentId", agentID)
		return
	}
	if t, _ := raw["type"].(string); t == "heartbeat_ack" {
		return
	}

	cmd := parseCommand(raw)
	if cmd.Type == "" {
		c.logger.Warn("control channel: unrecognized inbound frame", "frame", raw)
		return
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[cmd.Type]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Warn("control channel: unknown command, ignoring", "command", cmd.Type)
		return
	}

	go func() {
		result, err := h(cmd)
		if err != nil {
			_ = c.writeJSON(ctx, conn, errorFrame{CommandID: cmd.CommandID, Type: "error", Error: err.Error()})
			return
		}
		payload := map[string]any{"commandId": cmd.CommandID, "type": cmd.Type + "_result"}
		for k, v := range result {
			payload[k] = v
		}
		_ = c.writeJSON(ctx, conn, payload)
	}()
}

// SendDataUpdate transmits a data_update frame (spec.md §4.9).
func (c *Channel) SendDataUpdate(ctx context.Context, timestamp string, isFullRefresh bool, updates []DataPoint) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("control: channel not open")
	}
	frame := dataUpdateFrame{Type: "data_update", Timestamp: timestamp, IsFullRefresh: isFullRefresh, Updates: updates}
	return c.writeJSON(ctx, conn, frame)
}

func (c *Channel) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}
