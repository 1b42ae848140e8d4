package events

import (
	"sync"

	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

// Registry is the process-wide event/channel registry.
type Registry struct {
	mu     sync.RWMutex
	events map[string]*EventDef

	chMu     sync.RWMutex
	channels map[string]*ChannelRef

	channelPredicate ChannelPredicate

	relayMu sync.RWMutex
	relay   Relay

	schedMu   sync.RWMutex
	scheduler Scheduler

	// instanceID is the id this registry was built with, exposed through
	// InstanceID. Emit does not use it: the cluster relay tags published
	// messages with its own instance id and drops its own echo.
	instanceID string
}

func NewRegistry(instanceID string) *Registry {
	r := &Registry{
		events:     make(map[string]*EventDef),
		channels:   make(map[string]*ChannelRef),
		instanceID: instanceID,
	}
	r.channels[wire.NoChannel] = newChannelRef(wire.NoChannel)
	return r
}

// SetChannelPredicate installs the subscription gate evaluated before any
// per-event check (spec.md §4.4's "channel-subscription predicate").
func (r *Registry) SetChannelPredicate(p ChannelPredicate) {
	r.channelPredicate = p
}

// AttachRelay wires a cluster relay; Emit then publishes to the bus in
// addition to local fan-out (spec.md §4.7).
func (r *Registry) AttachRelay(relay Relay) {
	r.relayMu.Lock()
	defer r.relayMu.Unlock()
	r.relay = relay
}

// AttachScheduler wires the scheduler Defer uses to run its deferred emit.
func (r *Registry) AttachScheduler(s Scheduler) {
	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	r.scheduler = s
}

// AddEvent registers a global EventDef (addEvent in spec.md §4.4).
func (r *Registry) AddEvent(def EventDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	r.events[def.Name] = &d
}

func (r *Registry) getEvent(name string) (*EventDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.events[name]
	return d, ok
}

// Channel returns the named channel, creating it if this is the first
// reference (spec.md §4.4: "Channels are lazily instantiated").
func (r *Registry) Channel(name string) *ChannelRef {
	if name == "" {
		name = wire.NoChannel
	}
	r.chMu.RLock()
	ref, ok := r.channels[name]
	r.chMu.RUnlock()
	if ok {
		return ref
	}

	r.chMu.Lock()
	defer r.chMu.Unlock()
	if ref, ok := r.channels[name]; ok {
		return ref
	}
	ref = newChannelRef(name)
	r.channels[name] = ref
	return ref
}

// getExistingChannel looks up a channel without creating one, used for
// inbound relay deliveries (spec.md §4.7: "silent about unknown
// channels").
func (r *Registry) getExistingChannel(name string) (*ChannelRef, bool) {
	if name == "" {
		name = wire.NoChannel
	}
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	ref, ok := r.channels[name]
	return ref, ok
}

func (r *Registry) evictIfEmpty(name string) {
	if name == wire.NoChannel {
		return
	}
	r.chMu.Lock()
	defer r.chMu.Unlock()
	if ref, ok := r.channels[name]; ok && ref.empty() {
		delete(r.channels, name)
	}
}

// Subscribe implements rpc:on: for each requested event, walk the channel
// predicate -> event-exists -> protected -> shouldSubscribe chain and
// record the outcome (spec.md §4.4).
func (r *Registry) Subscribe(sess *session.Session, channel string, eventNames []string) map[string]bool {
	result := make(map[string]bool, len(eventNames))
	channelAllowed := r.channelPredicate == nil || r.channelPredicate(sess, channel)

	for _, name := range eventNames {
		if !channelAllowed {
			result[name] = false
			continue
		}
		def, ok := r.getEvent(name)
		if !ok {
			result[name] = false
			continue
		}
		if def.Protected && !sess.Authenticated() {
			result[name] = false
			continue
		}
		if def.ShouldSubscribe != nil && !def.ShouldSubscribe(sess, channel) {
			result[name] = false
			continue
		}
		r.Channel(channel).subscribe(name, sess)
		result[name] = true
	}
	return result
}

// Unsubscribe implements rpc:off, mirroring Subscribe's gating so a
// session can never be told it unsubscribed from an event that was never
// valid for it.
func (r *Registry) Unsubscribe(sess *session.Session, channel string, eventNames []string) map[string]bool {
	result := make(map[string]bool, len(eventNames))
	channelAllowed := r.channelPredicate == nil || r.channelPredicate(sess, channel)
	for _, name := range eventNames {
		if !channelAllowed {
			result[name] = false
			continue
		}
		def, ok := r.getEvent(name)
		if !ok || (def.Protected && !sess.Authenticated()) ||
			(def.ShouldSubscribe != nil && !def.ShouldSubscribe(sess, channel)) {
			result[name] = false
			continue
		}
		if ref, ok := r.getExistingChannel(channel); ok {
			ref.unsubscribe(name, sess)
		}
		result[name] = true
	}
	r.evictIfEmpty(channel)
	return result
}

// RemoveSession scrubs sess from every channel's subscriber sets, called
// on disconnect.
func (r *Registry) RemoveSession(sess *session.Session) {
	r.chMu.RLock()
	refs := make([]*ChannelRef, 0, len(r.channels))
	names := make([]string, 0, len(r.channels))
	for name, ref := range r.channels {
		refs = append(refs, ref)
		names = append(names, name)
	}
	r.chMu.RUnlock()

	for i, ref := range refs {
		ref.removeSession(sess)
		r.evictIfEmpty(names[i])
	}
}

// Emit is the local entry point: channel(c).emit(event, payload) (spec.md
// §4.4). It performs the local fan-out directly, then — per the dedup
// policy decision in DESIGN.md — publishes to the cluster relay, which
// tags the message with its own instance id so its receive path can
// suppress its own echo.
func (r *Registry) Emit(channel, event string, params map[string]interface{}) {
	if _, ok := r.getEvent(event); !ok {
		logging.Dispatch().Warn().Str("event", event).Msg("emit: unknown event, dropping")
		return
	}

	f := wire.EventFrame(wire.NewID(), channel, event, params)
	if ref, ok := r.getExistingChannel(channel); ok {
		ref.deliver(event, f)
	}

	r.relayMu.RLock()
	relay := r.relay
	r.relayMu.RUnlock()
	if relay != nil {
		if err := relay.Publish(channel, event, f); err != nil {
			logging.Cluster().Warn().Err(err).Str("channel", channel).Str("event", event).Msg("relay publish failed")
		}
	}
}

// Defer schedules an Emit to run on the next scheduler tick instead of
// inline (spec.md §4.4: "the primary primitive for fire-and-let-the-caller-
// return"). Without an attached scheduler it falls back to running Emit on
// its own goroutine, preserving the fire-and-forget contract.
func (r *Registry) Defer(channel, event string, params map[string]interface{}) {
	r.schedMu.RLock()
	sched := r.scheduler
	r.schedMu.RUnlock()

	emit := func() { r.Emit(channel, event, params) }
	if sched == nil {
		go emit()
		return
	}
	sched.Defer(emit)
}

// Deliver is the cluster relay's receive-side entry point: look up the
// local channel and fan out, without re-publishing (spec.md §4.7). The
// relay itself is responsible for not calling this for its own echo.
func (r *Registry) Deliver(channel, event string, f wire.Frame) {
	if _, ok := r.getEvent(event); !ok {
		logging.Dispatch().Warn().Str("event", event).Msg("deliver: unknown event arrived over bus, dropping")
		return
	}
	ref, ok := r.getExistingChannel(channel)
	if !ok {
		return
	}
	ref.deliver(event, f)
}

// InstanceID returns the instance id the registry was built with.
func (r *Registry) InstanceID() string { return r.instanceID }
