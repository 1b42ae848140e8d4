// Package ws implements the WebSocket transport (spec.md §4.6): path
// `/helene-ws` by default, gated by the server's `acceptConnections` flag,
// carrying one wire.Frame per binary message. Grounded on the teacher's
// internal/websocket/hub.go Client readPump/writePump pair (ping every 30s,
// 10s write deadline, 60s read deadline reset on pong), adapted from a
// broadcast-only raw-[]byte hub to a per-session frame decode/dispatch
// loop backed by internal/dispatch.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/dispatch"
	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

const (
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 256
)

// Handler mounts the WebSocket upgrade endpoint on a gin router.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	cfg        config.Options
	upgrader   websocket.Upgrader
}

func New(d *dispatch.Dispatcher, cfg config.Options) *Handler {
	return &Handler{
		dispatcher: d,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool { return set[r.Header.Get("Origin")] }
}

// ServeHTTP is the gin handler for the WS upgrade path. Requests to any
// other path are left alone by the router, satisfying "upgrade requests
// not targeted at the WS path are ignored" (spec.md §4.6) without this
// package needing to inspect the path itself.
func (h *Handler) ServeHTTP(c *gin.Context) {
	if !h.cfg.AcceptConnections {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Transport().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	t := newTransport(conn)
	go t.writePump()
	h.serve(c.Request.URL.Query().Get("uuid"), t)
}

// serve runs the session's entire lifecycle on the calling goroutine
// (readPump), returning once the connection closes.
func (h *Handler) serve(queryUUID string, t *transport) {
	conn := t.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	frame, err := readFrame(conn)
	if err != nil {
		t.Close()
		return
	}

	uuid := queryUUID
	if frame.Type == wire.SETUP && frame.UUID != "" {
		uuid = frame.UUID
	}
	if uuid == "" {
		uuid = wire.NewID()
	}

	sess := h.dispatcher.Establish(uuid, t)
	defer h.dispatcher.Teardown(sess)

	hb := session.NewHeartbeat(sess, h.cfg.KeepAliveInterval)
	go hb.Run()
	defer hb.Stop()

	if frame.Type == wire.SETUP {
		_ = sess.Send(wire.Frame{Type: wire.SETUP, UUID: sess.UUID()})
	} else {
		h.handleFrame(sess, hb, frame)
	}

	for {
		frame, err := readFrame(conn)
		if err != nil {
			var parseErr *wire.ParseError
			if errors.As(err, &parseErr) {
				_ = sess.Send(wire.Error("", wire.ErrParseError))
				conn.SetReadDeadline(time.Now().Add(pongWait))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Transport().Warn().Err(err).Str("session", sess.UUID()).Msg("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(sess, hb, frame)
	}
}

// handleFrame special-cases keep:alive and the client's HEARTBEAT echo
// inline (spec.md §4.2, §4.6: "handled inline without full dispatch") and
// otherwise routes through the dispatcher.
func (h *Handler) handleFrame(sess *session.Session, hb *session.Heartbeat, frame wire.Frame) {
	sess.Touch()
	if frame.Type == wire.HEARTBEAT {
		hb.Ack()
		return
	}
	if frame.Type == wire.METHOD && frame.Method == wire.MethodKeepAlive {
		if !frame.Void {
			if err := sess.Result(frame.ID, frame.Method, true); err != nil {
				logging.Transport().Warn().Err(err).Str("session", sess.UUID()).Msg("keep:alive reply dropped, socket not ready")
			}
		}
		return
	}

	resp := h.dispatcher.HandleFrame(context.Background(), sess, frame)
	if resp == nil {
		return
	}
	if err := sess.Send(*resp); err != nil {
		logging.Transport().Warn().Err(err).Str("session", sess.UUID()).Msg("response dropped, socket not ready")
	}
}

func readFrame(conn *websocket.Conn) (wire.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(data)
}

// transport implements session.Transport over a gorilla websocket
// connection. Writes are serialized onto a single writePump goroutine so
// concurrent Session.Send calls (handler completions, event fan-out,
// heartbeat ticks) never interleave partial frames on the wire.
type transport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed atomic.Bool
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn, send: make(chan []byte, sendBuffer)}
}

func (t *transport) Send(f wire.Frame) error {
	encoded, err := wire.Encode(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return errClosed
	}
	t.send <- encoded
	return nil
}

func (t *transport) Ready() bool { return !t.closed.Load() }

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.CompareAndSwap(false, true) {
		close(t.send)
	}
	return nil
}

// writePump drains queued frames and sends ping frames on pingPeriod,
// mirroring Client.writePump in hub.go.
func (t *transport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case message, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				t.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := t.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type errClosedType struct{}

func (errClosedType) Error() string { return "ws: transport closed" }

var errClosed = errClosedType{}
