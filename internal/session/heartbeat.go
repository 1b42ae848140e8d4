package session

import (
	"sync/atomic"
	"time"

	"github.com/heleneproject/helene/internal/wire"
)

// Heartbeat ticks HEARTBEAT frames to a WebSocket session every interval
// and force-closes the session if the peer fails to echo within half that
// window, grounded on the teacher's hub.go ping/pong deadline pattern and
// agent_hub.go's stale-connection sweep (spec.md §4.2).
type Heartbeat struct {
	session  *Session
	interval time.Duration
	stop     chan struct{}
	acked    atomic.Bool
}

func NewHeartbeat(s *Session, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &Heartbeat{session: s, interval: interval, stop: make(chan struct{})}
	h.acked.Store(true)
	return h
}

// Ack records that the peer answered the most recent HEARTBEAT (or sent
// any traffic counted as liveness by the transport).
func (h *Heartbeat) Ack() {
	h.acked.Store(true)
	h.session.Touch()
}

// Run drives the tick loop until Stop is called or the session closes.
func (h *Heartbeat) Run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if h.session.Closed() {
				return
			}
			if !h.acked.Swap(false) {
				h.session.Close()
				return
			}
			if err := h.session.Send(wire.Frame{Type: wire.HEARTBEAT}); err != nil {
				h.session.Close()
				return
			}

			select {
			case <-time.After(h.interval / 2):
				if !h.acked.Load() {
					h.session.Close()
					return
				}
			case <-h.stop:
				return
			}
		}
	}
}

func (h *Heartbeat) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}
