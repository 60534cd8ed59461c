package linkup

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all server-to-client frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// AuthenticatedPayload is sent by the server once the token is accepted.
type AuthenticatedPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// AckPayload answers a command carrying a requestId.
type AckPayload struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     *APIError       `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventPayload carries a ChannelEvent for the listener subId.
type EventPayload struct {
	SubID string `json:"subId"`
	ChannelEvent
}

// RealtimeErrorPayload is sent when a server-side error is not tied to a request.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

type listenPayload struct {
	SubID string `json:"subId"`
	Path  string `json:"path"`
	Mode  string `json:"mode"` // "children" or "value"
	Query Query  `json:"query"`
}

type onDisconnectPayload struct {
	Path   string `json:"path"`
	Value  any    `json:"value,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

type getResult struct {
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value"`
}

type queryResult struct {
	Children []Child `json:"children"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a WSChannel.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Connection Events
// ============================================================================

type connDispatcher struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(int, time.Duration)
}

func (d *connDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *connDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *connDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that stayed up for a
// minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSChannel
// ============================================================================

type wsSub struct {
	listen listenPayload
	sub    *Subscription
	conn   *websocket.Conn // connection the listen command was last sent on
}

// WSChannel is a Channel over a websocket connection. Commands are correlated
// with acks by requestId. After a reconnect every open listener is re-sent
// and every disconnect cleanup is registered again.
type WSChannel struct {
	baseURL string
	config  *RealtimeConfig
	log     *zap.Logger
	ids     *PushIDGenerator

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	closed           chan struct{}
	closeOnce        sync.Once
	connID           string

	dispatcher connDispatcher

	pendingMu sync.Mutex
	pending   map[string]chan AckPayload

	// listenMu orders listen and unlisten commands with the re-listen that
	// follows a connect, so each listener is sent once per connection.
	// cleanupMu does the same for disconnect cleanups.
	listenMu  sync.Mutex
	cleanupMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*wsSub
	ondisc map[string]onDisconnectPayload
}

var _ Channel = (*WSChannel)(nil)

// NewWSChannel creates an unconnected channel for the realtime server at
// baseURL (http(s) or ws(s) scheme).
func NewWSChannel(baseURL string, config *RealtimeConfig) *WSChannel {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &WSChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     config.Logger,
		ids:     NewPushIDGenerator(),
		state:   StateDisconnected,
		recon:   newReconnector(config),
		closed:  make(chan struct{}),
		connID:  uuid.NewString(),
		pending: make(map[string]chan AckPayload),
		subs:    make(map[string]*wsSub),
		ondisc:  make(map[string]onDisconnectPayload),
	}
}

// OnConnected registers a handler called after every successful (re)connect.
func (ws *WSChannel) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for connection loss.
func (ws *WSChannel) OnDisconnected(h func(reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for reconnect attempts.
func (ws *WSChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSChannel) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSChannel) dialURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("token", ws.config.Token)
	q.Set("conn", ws.connID)
	return u + "/ws?" + q.Encode()
}

// Connect establishes the websocket connection and waits for the server to
// authenticate it.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	select {
	case <-ws.closed:
		ws.mu.Unlock()
		return ErrNotConnected
	default:
	}
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.dialURL(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		if env.Type == "error" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, string(env.Payload))
		}
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	// The connection outlives the dial context; Close cancels it.
	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	go ws.restore(connCtx, conn)

	ws.log.Debug("realtime: connected", zap.String("conn", ws.connID))
	ws.dispatcher.emitConnected()
	return nil
}

func (ws *WSChannel) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// restore re-sends listeners and disconnect cleanups on conn after a
// (re)connect. Listeners already sent on conn are skipped.
func (ws *WSChannel) restore(ctx context.Context, conn *websocket.Conn) {
	ws.listenMu.Lock()
	ws.subsMu.Lock()
	var listens []*wsSub
	for _, s := range ws.subs {
		if s.conn != conn {
			s.conn = conn
			listens = append(listens, s)
		}
	}
	ws.subsMu.Unlock()
	for _, s := range listens {
		if _, err := ws.requestOn(ctx, conn, "listen", s.listen); err != nil {
			ws.log.Warn("realtime: re-listen failed", zap.String("path", s.listen.Path), zap.Error(err))
		}
	}
	ws.listenMu.Unlock()

	ws.cleanupMu.Lock()
	defer ws.cleanupMu.Unlock()
	ws.subsMu.Lock()
	cleanups := make([]onDisconnectPayload, 0, len(ws.ondisc))
	for _, op := range ws.ondisc {
		cleanups = append(cleanups, op)
	}
	ws.subsMu.Unlock()
	for _, op := range cleanups {
		if _, err := ws.requestOn(ctx, conn, "ondisconnect.set", op); err != nil {
			ws.log.Warn("realtime: re-register cleanup failed", zap.String("path", op.Path), zap.Error(err))
		}
	}
}

// Close disconnects for good. Pending requests fail with ErrNotConnected and
// every subscription is closed.
func (ws *WSChannel) Close() error {
	ws.closeOnce.Do(func() { close(ws.closed) })

	ws.mu.Lock()
	ws.intentionalClose = true
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if conn != nil {
		// The read loop is still running and completes the close handshake.
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ws.log.Debug("realtime: close", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	ws.clearPending()

	ws.subsMu.Lock()
	subs := make([]*Subscription, 0, len(ws.subs))
	for _, s := range ws.subs {
		subs = append(subs, s.sub)
	}
	ws.subsMu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// send writes cmd on conn, or on the current connection when conn is nil.
func (ws *WSChannel) send(ctx context.Context, conn *websocket.Conn, cmd *RealtimeCommand) error {
	if conn == nil {
		conn = ws.currentConn()
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (ws *WSChannel) currentConn() *websocket.Conn {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn
}

// request sends a command on the current connection and waits for its ack.
func (ws *WSChannel) request(ctx context.Context, typ string, payload interface{}) (json.RawMessage, error) {
	return ws.requestOn(ctx, nil, typ, payload)
}

func (ws *WSChannel) requestOn(ctx context.Context, conn *websocket.Conn, typ string, payload interface{}) (json.RawMessage, error) {
	requestID := uuid.NewString()
	ch := make(chan AckPayload, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}

	if err := ws.send(ctx, conn, &RealtimeCommand{Type: typ, Payload: payload, RequestID: requestID}); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(ws.config.RequestTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !ack.OK {
			if ack.Error != nil {
				return nil, ack.Error
			}
			return nil, &APIError{Code: "REQUEST_FAILED", Message: typ + " rejected"}
		}
		return ack.Data, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("%s: %w", typ, ErrTimeout)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (ws *WSChannel) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

// Ping round-trips a no-op command.
func (ws *WSChannel) Ping(ctx context.Context) error {
	_, err := ws.request(ctx, "ping", struct{}{})
	return err
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPending()
			ws.log.Info("realtime: connection lost", zap.Error(err))
			ws.dispatcher.emitDisconnected(err.Error())

			if ws.config.AutoReconnect {
				go ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			ws.log.Debug("realtime: dropping malformed frame")
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *WSChannel) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case "ack":
		var ack AckPayload
		if json.Unmarshal(env.Payload, &ack) != nil || ack.RequestID == "" {
			return
		}
		ws.pendingMu.Lock()
		ch, ok := ws.pending[ack.RequestID]
		if ok {
			delete(ws.pending, ack.RequestID)
		}
		ws.pendingMu.Unlock()
		if ok {
			ch <- ack
		}
	case "event":
		var ev EventPayload
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			ws.log.Warn("realtime: malformed event", zap.Error(err))
			return
		}
		ws.subsMu.Lock()
		s, ok := ws.subs[ev.SubID]
		ws.subsMu.Unlock()
		if ok {
			s.sub.push(ev.ChannelEvent)
		}
	case "error":
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		ws.log.Warn("realtime: server error", zap.String("message", p.Message))
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close so the read loop reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSChannel) scheduleReconnect() {
	for {
		if !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			ws.log.Warn("realtime: giving up reconnecting", zap.Int("attempts", ws.recon.attempt))
			return
		}
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

		select {
		case <-ws.closed:
			return
		case <-time.After(delay):
		}

		ws.setState(StateDisconnected)
		ctx, cancel := context.WithTimeout(context.Background(), ws.config.RequestTimeout)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Debug("realtime: reconnect failed", zap.Int("attempt", ws.recon.attempt), zap.Error(err))
	}
}

// ============================================================================
// Channel implementation
// ============================================================================

func (ws *WSChannel) listen(ctx context.Context, path, mode string, q Query) (*Subscription, error) {
	ws.listenMu.Lock()
	defer ws.listenMu.Unlock()

	conn := ws.currentConn()
	if conn == nil {
		return nil, fmt.Errorf("listen %s: %w", path, ErrNotConnected)
	}
	id := uuid.NewString()
	s := &wsSub{listen: listenPayload{SubID: id, Path: path, Mode: mode, Query: q}, conn: conn}
	s.sub = newSubscription(func() { go ws.unlisten(id) })

	// Registered before the listen command so no early event is lost.
	ws.subsMu.Lock()
	ws.subs[id] = s
	ws.subsMu.Unlock()

	if _, err := ws.requestOn(ctx, conn, "listen", s.listen); err != nil {
		ws.subsMu.Lock()
		delete(ws.subs, id)
		ws.subsMu.Unlock()
		s.sub.Close()
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return s.sub, nil
}

// unlisten forgets the listener and, if the current connection carries it,
// tells the server.
func (ws *WSChannel) unlisten(id string) {
	ws.listenMu.Lock()
	defer ws.listenMu.Unlock()

	ws.subsMu.Lock()
	s, ok := ws.subs[id]
	delete(ws.subs, id)
	ws.subsMu.Unlock()
	conn := ws.currentConn()
	if !ok || conn == nil || s.conn != conn {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.config.RequestTimeout)
	defer cancel()
	if _, err := ws.requestOn(ctx, conn, "unlisten", map[string]string{"subId": id}); err != nil {
		ws.log.Debug("realtime: unlisten failed", zap.String("path", s.listen.Path), zap.Error(err))
	}
}

func (ws *WSChannel) SubscribeLastN(ctx context.Context, path string, q Query) (*Subscription, error) {
	return ws.listen(ctx, path, "children", q)
}

func (ws *WSChannel) SubscribeValue(ctx context.Context, path string) (*Subscription, error) {
	return ws.listen(ctx, path, "value", Query{})
}

func (ws *WSChannel) QueryRange(ctx context.Context, path string, q RangeQuery) ([]Child, error) {
	data, err := ws.request(ctx, "query", map[string]any{"path": path, "range": q})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	var res queryResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	return res.Children, nil
}

func (ws *WSChannel) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	data, err := ws.request(ctx, "get", map[string]string{"path": path})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", path, err)
	}
	var res getResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("get %s: %w", path, err)
	}
	if !res.Exists {
		return nil, false, nil
	}
	return res.Value, true, nil
}

func (ws *WSChannel) Write(ctx context.Context, path string, value any) error {
	_, err := ws.request(ctx, "set", map[string]any{"path": path, "value": value})
	return err
}

func (ws *WSChannel) Update(ctx context.Context, updates map[string]any) error {
	_, err := ws.request(ctx, "update", map[string]any{"updates": updates})
	return err
}

func (ws *WSChannel) Remove(ctx context.Context, path string) error {
	_, err := ws.request(ctx, "remove", map[string]string{"path": path})
	return err
}

func (ws *WSChannel) Push(path string) string {
	return ws.ids.Next()
}

// OnDisconnect remembers the cleanup locally even when the server cannot be
// reached, so it is registered on the next connect.
func (ws *WSChannel) OnDisconnect(ctx context.Context, path string, value any) error {
	op := onDisconnectPayload{Path: path, Value: value, Remove: value == nil}
	ws.cleanupMu.Lock()
	defer ws.cleanupMu.Unlock()
	ws.subsMu.Lock()
	ws.ondisc[path] = op
	ws.subsMu.Unlock()
	_, err := ws.request(ctx, "ondisconnect.set", op)
	return err
}

func (ws *WSChannel) CancelOnDisconnect(ctx context.Context, path string) error {
	ws.cleanupMu.Lock()
	defer ws.cleanupMu.Unlock()
	ws.subsMu.Lock()
	delete(ws.ondisc, path)
	ws.subsMu.Unlock()
	_, err := ws.request(ctx, "ondisconnect.cancel", map[string]string{"path": path})
	return err
}
