// Package cluster implements the optional multi-instance relay (spec.md
// §4.7): a NATS publish/subscribe bus carrying encoded EVENT frames
// between server instances, plus Redis-backed presence sets tracking
// live instances, per-instance sessions, and distinct authenticated
// users. Grounded on the teacher's internal/events NATS connection
// options (reconnect wait, max reconnects, disconnect/reconnect/error
// handlers) and internal/cache's Redis client construction.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/heleneproject/helene/internal/events"
	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/wire"
)

const defaultSubject = "helene.events"

// busMessage is the envelope carried on the NATS subject. Frame is the
// already wire.Encode'd EVENT frame, so the bus never needs to know
// anything about the codec beyond "bytes in, bytes out".
type busMessage struct {
	InstanceID string `json:"instanceId"`
	Channel    string `json:"channel"`
	Event      string `json:"event"`
	Frame      []byte `json:"frame"`
}

// Relay implements events.Relay against a NATS bus. Per spec.md §4.7 it
// keeps logically distinct publisher and subscriber connections.
type Relay struct {
	instanceID string
	subject    string

	pub *nats.Conn
	sub *nats.Conn

	subscription *nats.Subscription
	registry     *events.Registry
}

// NewRelay dials both connections, subscribes on sub, and wires incoming
// bus messages into registry.Deliver (suppressing this instance's own
// echo per the dedup policy in DESIGN.md).
func NewRelay(url, subject, instanceID string, registry *events.Registry) (*Relay, error) {
	if subject == "" {
		subject = defaultSubject
	}

	pub, err := dial(url, "helene-publisher")
	if err != nil {
		return nil, fmt.Errorf("cluster: dial publisher: %w", err)
	}
	sub, err := dial(url, "helene-subscriber")
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("cluster: dial subscriber: %w", err)
	}

	r := &Relay{instanceID: instanceID, subject: subject, pub: pub, sub: sub, registry: registry}

	subscription, err := sub.Subscribe(subject, r.handleMessage)
	if err != nil {
		pub.Close()
		sub.Close()
		return nil, fmt.Errorf("cluster: subscribe %s: %w", subject, err)
	}
	r.subscription = subscription

	return r, nil
}

func dial(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logging.Cluster().Warn().Err(err).Str("conn", name).Msg("cluster bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Cluster().Info().Str("conn", name).Str("url", nc.ConnectedUrl()).Msg("cluster bus reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logging.Cluster().Warn().Err(err).Str("conn", name).Msg("cluster bus error")
		}),
	)
}

// Publish implements events.Relay, stamping this instance's id so the
// receive path can drop its own echo.
func (r *Relay) Publish(channel, event string, frame wire.Frame) error {
	encoded, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("cluster: encode frame: %w", err)
	}
	data, err := json.Marshal(busMessage{
		InstanceID: r.instanceID,
		Channel:    channel,
		Event:      event,
		Frame:      encoded,
	})
	if err != nil {
		return fmt.Errorf("cluster: marshal bus message: %w", err)
	}
	return r.pub.Publish(r.subject, data)
}

func (r *Relay) handleMessage(msg *nats.Msg) {
	var bm busMessage
	if err := json.Unmarshal(msg.Data, &bm); err != nil {
		logging.Cluster().Warn().Err(err).Msg("cluster: malformed bus message, dropping")
		return
	}
	if bm.InstanceID == r.instanceID {
		return
	}
	frame, err := wire.Decode(bm.Frame)
	if err != nil {
		logging.Cluster().Warn().Err(err).Msg("cluster: undecodable frame on bus, dropping")
		return
	}
	r.registry.Deliver(bm.Channel, bm.Event, frame)
}

// Close unsubscribes and closes both connections. Presence cleanup
// (removing this instance from the shared sets) is the caller's
// responsibility via Presence.LeaveInstance, run before Close per
// spec.md §4.7's shutdown ordering.
func (r *Relay) Close() {
	if r.subscription != nil {
		_ = r.subscription.Unsubscribe()
	}
	if r.sub != nil {
		r.sub.Drain()
		r.sub.Close()
	}
	if r.pub != nil {
		r.pub.Drain()
		r.pub.Close()
	}
}
