// Package client implements the matching client engine (spec.md §4.8):
// transport-mode selection, an in-flight request queue, reconnection with
// jittered exponential backoff, debounced subscription batching and
// context persistence. Grounded on the teacher's internal/websocket
// Client/Hub shape (readPump/writePump, ping/pong liveness) generalized
// from a server-side fan-out peer to an outbound-dialing one, and on
// gorilla/websocket, the same dependency the server transport already
// uses, so both sides of the wire share one codec and one client library.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/wire"
)

// Mode selects which transport a Call is routed over.
type Mode string

const (
	HTTPOnly  Mode = "HTTP_ONLY"
	HTTPSSE   Mode = "HTTP_SSE"
	WebSocket Mode = "WEBSOCKET"
)

// ErrResultTimeout is returned when a call's deadline elapses before a
// RESULT/ERROR frame correlated to it arrives (spec.md §4.8: "reject with
// Result Timeout").
var ErrResultTimeout = errors.New("Result Timeout")

// ErrNotInitialized is returned by Call when ignoreInit is false, the
// client has not completed rpc:init, and the wait for initialization
// itself times out.
var ErrNotInitialized = errors.New("client not initialized")

const (
	defaultCallTimeout  = 10 * time.Second
	defaultKeepAlive    = 10 * time.Second
	subscribeDebounce   = 100 * time.Millisecond
	subscribeFlushLimit = 5 * time.Second
	writeWait           = 10 * time.Second
	maxBackoffMs        = 60_000
)

// CallOptions tunes one Call invocation. The zero value uses package
// defaults: a 10s timeout, WebSocket routing with no HTTP fallback, no
// retries, and wait-for-init semantics.
type CallOptions struct {
	Timeout               time.Duration
	HTTP                  bool
	HTTPFallback          bool
	MaxRetries            int
	DelayBetweenRetriesMs int
	IgnoreInit            bool
}

// Options configures a Client at construction.
type Options struct {
	WebSocketURL string // ws(s)://host[:port]/helene-ws
	HTTPURL      string // http(s)://host[:port]/__h
	Mode         Mode
	Storage      Storage // context persistence; NewMemoryStorage() if nil
	Token        string  // initial bearer token fed into the first rpc:init
	IdleTimeout  time.Duration
	HTTPClient   *http.Client

	// OnEvent receives every decoded EVENT frame, regardless of which
	// transport delivered it. Optional; nil drops events silently.
	OnEvent func(channel, event string, params map[string]interface{})
}

type pendingCall struct {
	method  string
	resultC chan callResult
	timer   *time.Timer
}

type callResult struct {
	value interface{}
	err   error
}

// Client is a single logical connection to a Helene server. It is safe
// for concurrent use.
type Client struct {
	opts Options

	mu            sync.Mutex
	conn          *websocket.Conn
	uuid          string
	mode          Mode
	subscriptions map[string]map[string]bool // channel -> event set
	authCtx       map[string]interface{}
	token         string

	initialized atomic.Bool
	closed      atomic.Bool
	attempts    atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	subMu        sync.Mutex
	pendingSub   map[string]map[string]bool
	pendingUnsub map[string]map[string]bool
	flushTimer   *time.Timer

	writeMu sync.Mutex

	idleMu    sync.Mutex
	idleTimer *time.Timer

	stopReconnect chan struct{}
	httpClient    *http.Client
}

// New constructs a Client. It does not dial anything; call Connect to
// start the transport (for WEBSOCKET mode this launches the reconnect
// loop in the background).
func New(opts Options) *Client {
	if opts.Mode == "" {
		opts.Mode = WebSocket
	}
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	c := &Client{
		opts:          opts,
		uuid:          wire.NewID(),
		mode:          opts.Mode,
		subscriptions: make(map[string]map[string]bool),
		pending:       make(map[string]*pendingCall),
		pendingSub:    make(map[string]map[string]bool),
		pendingUnsub:  make(map[string]map[string]bool),
		stopReconnect: make(chan struct{}),
		httpClient:    opts.HTTPClient,
		token:         opts.Token,
	}

	if persisted, err := opts.Storage.Load(); err == nil && persisted != nil {
		c.authCtx = persisted
	}

	return c
}

// Connect starts the client. For WebSocket mode it launches the
// persistent reconnect loop in the background and returns immediately;
// callers that need to know the first connection succeeded should race a
// method call against their own timeout.
func (c *Client) Connect(ctx context.Context) error {
	switch c.mode {
	case WebSocket:
		go c.reconnectLoop(ctx)
	case HTTPSSE:
		c.initialized.Store(true)
		go c.sseLoop(ctx)
	default:
		c.initialized.Store(true)
	}
	return nil
}

// sseLoop keeps the HTTP_SSE event stream open, reconnecting with the same
// jittered backoff as the WebSocket transport on drop.
func (c *Client) sseLoop(ctx context.Context) {
	for {
		select {
		case <-c.stopReconnect:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectSSE(ctx); err != nil {
			logging.Client().Warn().Err(err).Msg("sse stream lost")
		}
		if c.closed.Load() {
			return
		}

		attempt := c.attempts.Add(1)
		select {
		case <-time.After(backoffDelay(attempt)):
		case <-c.stopReconnect:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close permanently stops the client: the reconnect loop exits, any open
// socket closes, and every queued call is rejected.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopReconnect)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.pendingMu.Lock()
	for id, p := range c.pending {
		p.timer.Stop()
		p.resultC <- callResult{err: errors.New("client closed")}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.idleMu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleMu.Unlock()

	return nil
}

// reconnectLoop owns the single WebSocket connection's whole lifetime:
// dial, SETUP, rpc:init, resubscribe, read until error, jittered backoff,
// repeat. Grounded on the teacher's Hub.run dispatch loop shape, adapted
// from a fan-out server loop to a single outbound dial-and-retry loop.
func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-c.stopReconnect:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := c.dialAndServe(ctx); err != nil {
			logging.Client().Warn().Err(err).Msg("websocket connection lost")
		}

		if c.closed.Load() {
			return
		}

		attempt := c.attempts.Add(1)
		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-c.stopReconnect:
			return
		case <-ctx.Done():
			return
		}
	}
}

// backoffDelay implements spec.md §4.8's reconnection formula:
// min(64·attempts², 60000) · (0.9 + 0.2·rand).
func backoffDelay(attempts int64) time.Duration {
	base := float64(64*attempts*attempts)
	if base > maxBackoffMs {
		base = maxBackoffMs
	}
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(base*jitter) * time.Millisecond
}

func (c *Client) dialAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.WebSocketURL, nil)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.attempts.Store(0)

	logging.Client().Info().Str("uuid", c.uuid).Msg("websocket:connected")

	if err := c.sendRaw(wire.Frame{Type: wire.SETUP, UUID: c.uuid}); err != nil {
		return err
	}

	// The read loop has to be running before rpc:init is sent, or its
	// RESULT would never be read.
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	if err := c.runInit(ctx); err != nil {
		logging.Client().Warn().Err(err).Msg("rpc:init failed after connect")
	}
	c.resubscribeAllChannels()

	return <-readErr
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := wire.Decode(data)
		if err != nil {
			logging.Client().Warn().Err(err).Msg("undecodable inbound frame, dropping")
			continue
		}
		c.handleInbound(frame)
	}
}

func (c *Client) handleInbound(frame wire.Frame) {
	switch frame.Type {
	case wire.SETUP:
		c.mu.Lock()
		if frame.UUID != "" {
			c.uuid = frame.UUID
		}
		c.mu.Unlock()
	case wire.RESULT:
		c.complete(frame.ID, frame.Result, nil)
	case wire.ERROR:
		c.complete(frame.ID, nil, &CallError{Message: frame.Message, Fields: frame.Errors})
	case wire.EVENT:
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(frame.Channel, frame.Event, frame.Params)
		}
	case wire.HEARTBEAT:
		_ = c.sendRaw(wire.Frame{Type: wire.HEARTBEAT})
	}
}

// CallError is the error value Call returns for a server-side ERROR frame.
type CallError struct {
	Message string
	Fields  []wire.FieldError
}

func (e *CallError) Error() string { return e.Message }

func (c *Client) complete(id string, value interface{}, err error) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.resultC <- callResult{value: value, err: err}
}

func (c *Client) sendRaw(frame wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}
	encoded, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, encoded)
}

// runInit sends rpc:init with the persisted token/context and marks the
// client initialized on success.
func (c *Client) runInit(ctx context.Context) error {
	params := map[string]interface{}{}
	if c.token != "" {
		params["token"] = c.token
	}
	result, err := c.Call(ctx, wire.MethodInit, params, CallOptions{IgnoreInit: true, Timeout: defaultCallTimeout})
	if err != nil {
		c.initialized.Store(false)
		return err
	}
	if ctxMap, ok := result.(map[string]interface{}); ok {
		c.mu.Lock()
		c.authCtx = ctxMap
		c.mu.Unlock()
		_ = c.opts.Storage.Save(ctxMap)
	}
	c.initialized.Store(true)
	return nil
}

// Call invokes method on the server and waits for its RESULT/ERROR. See
// spec.md §4.8 for the exact routing/retry contract.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, opts CallOptions) (interface{}, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}

	if !opts.IgnoreInit && !c.initialized.Load() && method != wire.MethodInit {
		if !c.waitInitialized(opts.Timeout / 2) {
			return nil, ErrNotInitialized
		}
	}

	attempts := opts.MaxRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		value, err := c.callOnce(ctx, method, params, opts)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if i < attempts-1 && opts.DelayBetweenRetriesMs > 0 {
			time.Sleep(time.Duration(opts.DelayBetweenRetriesMs) * time.Millisecond)
		}
	}
	return nil, lastErr
}

func (c *Client) callOnce(ctx context.Context, method string, params map[string]interface{}, opts CallOptions) (interface{}, error) {
	useHTTP := opts.HTTP || (c.mode != WebSocket) || (!c.socketReady() && opts.HTTPFallback)
	if useHTTP {
		return c.callHTTP(ctx, method, params, false)
	}
	return c.callWebSocket(method, params, opts.Timeout)
}

func (c *Client) socketReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) callWebSocket(method string, params map[string]interface{}, timeout time.Duration) (interface{}, error) {
	id := wire.NewID()
	resultC := make(chan callResult, 1)
	p := &pendingCall{method: method, resultC: resultC}

	c.pendingMu.Lock()
	p.timer = time.AfterFunc(timeout, func() { c.complete(id, nil, ErrResultTimeout) })
	c.pending[id] = p
	c.pendingMu.Unlock()

	if err := c.sendRaw(wire.Frame{Type: wire.METHOD, ID: id, Method: method, Params: params}); err != nil {
		c.complete(id, nil, err)
	}

	res := <-resultC
	return res.value, res.err
}

// Void sends method without registering a response queue entry; the
// server's reply, if any, is discarded.
func (c *Client) Void(method string, params map[string]interface{}) error {
	if c.mode != WebSocket || !c.socketReady() {
		_, err := c.callHTTP(context.Background(), method, params, true)
		return err
	}
	return c.sendRaw(wire.Frame{Type: wire.METHOD, ID: wire.NewID(), Method: method, Params: params, Void: true})
}

func (c *Client) waitInitialized(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.initialized.Load() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.initialized.Load()
}

type httpEnvelope struct {
	Context map[string]interface{} `json:"context"`
	Payload httpPayload            `json:"payload"`
}

type httpPayload struct {
	Type   wire.Type              `json:"type"`
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	Void   bool                   `json:"void"`
}

type httpResult struct {
	Type    wire.Type         `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Result  interface{}       `json:"result"`
	Message string            `json:"message"`
	Errors  []wire.FieldError `json:"errors"`
}

func (c *Client) callHTTP(ctx context.Context, method string, params map[string]interface{}, void bool) (interface{}, error) {
	c.mu.Lock()
	authCtx := c.authCtx
	c.mu.Unlock()

	env := httpEnvelope{
		Context: authCtx,
		Payload: httpPayload{Type: wire.METHOD, ID: wire.NewID(), Method: method, Params: params, Void: void},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.HTTPURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.uuid)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: http %s", resp.Status)
	}

	var result httpResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Type == wire.ERROR {
		return nil, &CallError{Message: result.Message, Fields: result.Errors}
	}
	if method == wire.MethodLogin {
		if ctxMap, ok := result.Result.(map[string]interface{}); ok {
			c.mu.Lock()
			c.authCtx = ctxMap
			c.mu.Unlock()
			_ = c.opts.Storage.Save(ctxMap)
		}
	}
	return result.Result, nil
}

// ResetIdleTimer restarts the idle-timeout countdown; callers wire this to
// whatever activity signal their environment exposes (the browser focus/
// mouse/key/scroll/touch/visibility events spec.md §4.8 describes have no
// Go-process equivalent, so this is exposed as an explicit hook instead of
// DOM listeners).
func (c *Client) ResetIdleTimer() {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, func() {
		logging.Client().Info().Msg("idle timeout elapsed, closing transport")
		_ = c.Close()
	})
}
