// Package sse implements the Server-Sent-Events transport (spec.md
// §4.6): GET /__h with header x-client-id: <uuid> opens a long-lived
// event stream. The session this registers has no inbound frame path of
// its own; further inbound traffic from the same client arrives over
// internal/transport/httprpc's POST handler, which looks the session up
// by the same x-client-id. Grounded on the teacher's hub.go writePump
// (ping ticker, buffered send channel) generalized from a WebSocket
// binary frame to a hand-framed SSE text event, since spec.md's exact
// `id: <n>\ndata: ...\n\n` wire format isn't something gin's built-in SSE
// helper produces.
package sse

import (
	"bytes"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/dispatch"
	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

// keepAliveWindow is how long a stream tolerates silence from its paired
// POST client before closing (spec.md §4.6: "absence for the keep-alive
// window closes the stream").
const keepAliveWindow = 30 * time.Second

// Handler mounts the SSE endpoint on a gin router.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	cfg        config.Options
}

func New(d *dispatch.Dispatcher, cfg config.Options) *Handler {
	return &Handler{dispatcher: d, cfg: cfg}
}

func (h *Handler) ServeHTTP(c *gin.Context) {
	clientID := c.GetHeader("x-client-id")
	if clientID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	t := newTransport()
	sess := h.dispatcher.Establish(clientID, t)
	defer h.dispatcher.Teardown(sess)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}

	ticker := time.NewTicker(keepAliveWindow / 3)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if time.Since(sess.LastActivity()) > keepAliveWindow {
				return
			}
		case frame, ok := <-t.outbound:
			if !ok {
				return
			}
			seq++
			if _, err := c.Writer.Write(formatEvent(seq, frame)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatEvent renders frame as one SSE event: `id: <n>\ndata: <encoded>
// \n\n`, re-prefixing any newline inside the encoded payload with
// `\ndata: ` so a multi-line payload still parses as a single SSE field
// (spec.md §4.6).
func formatEvent(seq int64, frame wire.Frame) []byte {
	encoded, err := wire.Encode(frame)
	if err != nil {
		logging.Transport().Warn().Err(err).Msg("sse: failed to encode outbound frame, dropping")
		return nil
	}
	escaped := bytes.ReplaceAll(encoded, []byte{'\n'}, []byte("\ndata: "))

	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(seq, 10))
	buf.WriteString("\ndata: ")
	buf.Write(escaped)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// transport implements session.Transport for an SSE stream: Send queues
// an outbound frame, the handler goroutine drains it and writes the SSE
// framing. There is no inbound path; a Session bound to this transport
// only ever receives frames via internal/dispatch calls triggered by
// internal/transport/httprpc.
type transport struct {
	mu       sync.Mutex
	outbound chan wire.Frame
	closed   atomic.Bool
}

func newTransport() *transport {
	return &transport{outbound: make(chan wire.Frame, 64)}
}

func (t *transport) Send(f wire.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return errClosed
	}
	select {
	case t.outbound <- f:
		return nil
	default:
		return errBackpressure
	}
}

func (t *transport) Ready() bool { return !t.closed.Load() }

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.CompareAndSwap(false, true) {
		close(t.outbound)
	}
	return nil
}

type sseError string

func (e sseError) Error() string { return string(e) }

const (
	errClosed       = sseError("sse: transport closed")
	errBackpressure = sseError("sse: outbound buffer full, dropping frame")
)

var _ session.Transport = (*transport)(nil)
