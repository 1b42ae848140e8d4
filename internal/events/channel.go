// Package events implements the channel and event registry (spec.md
// §4.4): global EventDef registration, lazily-instantiated channels, and
// rpc:on/rpc:off subscription bookkeeping. Grounded on the teacher's
// internal/websocket/notifier.go (subscription-set-by-key maps,
// generalized here from userSubscriptions/sessionSubscriptions to a single
// (channel, event) -> set<Session> shape) and on hub.go's RLock-snapshot-
// then-Lock-cleanup broadcast pattern for safe concurrent emission.
package events

import (
	"sync"

	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

// EventDef is one globally-registered event.
type EventDef struct {
	Name      string
	Protected bool
	// ShouldSubscribe is an optional per-event subscription gate beyond
	// Protected, e.g. checking a claim in the session's context. Nil
	// always allows.
	ShouldSubscribe func(sess *session.Session, channel string) bool
}

// ChannelPredicate gates whether a session may subscribe to a channel at
// all, evaluated before any per-event check. Nil always allows.
type ChannelPredicate func(sess *session.Session, channel string) bool

// Relay is the cluster bus a Registry publishes to when cluster mode is
// configured (internal/cluster implements this). Kept as an interface so
// this package never imports internal/cluster.
type Relay interface {
	Publish(channel, event string, frame wire.Frame) error
}

// Scheduler runs a one-shot job without waiting for any fixed schedule
// (internal/scheduler.Scheduler implements this). Kept as an interface so
// this package never imports internal/scheduler.
type Scheduler interface {
	Defer(fn func())
}

// ChannelRef holds one channel's per-event subscriber sets.
type ChannelRef struct {
	name string

	mu          sync.RWMutex
	subscribers map[string]map[string]*session.Session // event -> session uuid -> session
}

func newChannelRef(name string) *ChannelRef {
	return &ChannelRef{name: name, subscribers: make(map[string]map[string]*session.Session)}
}

func (c *ChannelRef) subscribe(event string, sess *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subscribers[event]
	if !ok {
		set = make(map[string]*session.Session)
		c.subscribers[event] = set
	}
	set[sess.UUID()] = sess
}

func (c *ChannelRef) unsubscribe(event string, sess *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.subscribers[event]; ok {
		delete(set, sess.UUID())
		if len(set) == 0 {
			delete(c.subscribers, event)
		}
	}
}

// removeSession drops sess from every event's subscriber set on this
// channel, used on disconnect.
func (c *ChannelRef) removeSession(sess *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, set := range c.subscribers {
		delete(set, sess.UUID())
		if len(set) == 0 {
			delete(c.subscribers, event)
		}
	}
}

func (c *ChannelRef) empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers) == 0
}

// deliver fans f out to every session subscribed to event, RLock-snapshot
// first so sends never block the registry, then drops any session whose
// Send failed (closed transport) under a write lock.
func (c *ChannelRef) deliver(event string, f wire.Frame) {
	c.mu.RLock()
	set, ok := c.subscribers[event]
	targets := make([]*session.Session, 0, len(set))
	if ok {
		for _, sess := range set {
			targets = append(targets, sess)
		}
	}
	c.mu.RUnlock()

	var dead []*session.Session
	for _, sess := range targets {
		if err := sess.Send(f); err != nil {
			dead = append(dead, sess)
		}
	}
	if len(dead) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sess := range dead {
		if set, ok := c.subscribers[event]; ok {
			delete(set, sess.UUID())
			if len(set) == 0 {
				delete(c.subscribers, event)
			}
		}
	}
}
