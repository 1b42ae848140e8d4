// Package session implements the server-side connection: one Session per
// live client regardless of which transport carries it, grounded on the
// teacher's websocket.Client/AgentConnection split generalized to a single
// transport-agnostic model (spec.md §3, §4.2).
package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/heleneproject/helene/internal/wire"
)

// Transport is the minimal surface a concrete transport (WebSocket, SSE,
// or a synthetic transient transport for HTTP POST) must provide. Sends
// through a Session are always serialized by the Session itself, so
// implementations need not be internally thread-safe for Send.
type Transport interface {
	Send(frame wire.Frame) error
	Close() error
	// Ready reports whether a send would currently succeed; a Session
	// drops sends on a non-ready transport and returns an error to the
	// caller (spec.md §4.6).
	Ready() bool
}

// RateLimit configures the token bucket a Session enforces on inbound
// dispatch. The default mirrors spec.md §4.2: 60 requests per 60 seconds.
type RateLimit struct {
	Max      int
	Interval time.Duration
}

var DefaultRateLimit = RateLimit{Max: 60, Interval: 60 * time.Second}

// Session is one live connection's server-side state.
type Session struct {
	mu sync.RWMutex

	uuid          string
	authenticated bool
	context       map[string]interface{}
	userID        string
	meta          map[string]interface{}

	transport Transport
	limiter   *rate.Limiter

	remoteAddress string
	userAgent     string

	createdAt    time.Time
	lastActivity time.Time

	// instanceID identifies the server process this Session lives on;
	// used by the cluster relay's presence sets.
	instanceID string

	sendMu sync.Mutex // serializes writes so frames never interleave on the wire

	closeOnce sync.Once
	closed    bool
}

// New creates a Session bound to transport, with uuid either client-chosen
// (WebSocket SETUP/query param) or server-generated.
func New(uuid string, transport Transport, rl RateLimit, instanceID string) *Session {
	if rl.Max <= 0 {
		rl = DefaultRateLimit
	}
	now := time.Now()
	return &Session{
		uuid:         uuid,
		context:      map[string]interface{}{},
		meta:         map[string]interface{}{},
		transport:    transport,
		limiter:      rate.NewLimiter(rate.Every(rl.Interval/time.Duration(rl.Max)), rl.Max),
		createdAt:    now,
		lastActivity: now,
		instanceID:   instanceID,
	}
}

func (s *Session) UUID() string { return s.uuid }

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Context returns a copy of the authenticated context. Per the context
// isolation invariant, this is always empty while unauthenticated.
func (s *Session) Context() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.context))
	for k, v := range s.context {
		out[k] = v
	}
	return out
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) InstanceID() string { return s.instanceID }

// Authenticate sets authenticated=true and replaces the context, per
// rpc:init's auth(ctx) contract (spec.md §4.5). userID must be a stable
// identifier extracted by the caller from ctx.
func (s *Session) Authenticate(userID string, ctx map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.userID = userID
	s.context = ctx
}

// Deauthenticate clears authentication state (rpc:logout).
func (s *Session) Deauthenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.userID = ""
	s.context = map[string]interface{}{}
}

func (s *Session) SetRemoteAddress(addr string) { s.mu.Lock(); s.remoteAddress = addr; s.mu.Unlock() }
func (s *Session) SetUserAgent(ua string)       { s.mu.Lock(); s.userAgent = ua; s.mu.Unlock() }

func (s *Session) RemoteAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteAddress
}

func (s *Session) UserAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userAgent
}

// Allow reports whether the next inbound request fits the rate-limit
// bucket. It consumes a token on success.
func (s *Session) Allow() bool { return s.limiter.Allow() }

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Send writes a frame, serialized against concurrent sends from other
// goroutines (handler completions, event emission, heartbeat ticks).
func (s *Session) Send(f wire.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.transport.Ready() {
		return errNotReady
	}
	return s.transport.Send(f)
}

// Result sends a RESULT frame correlated to id.
func (s *Session) Result(id, method string, value interface{}) error {
	return s.Send(wire.Result(id, method, value))
}

// Error sends an ERROR frame correlated to id.
func (s *Session) Error(id, message string) error {
	return s.Send(wire.Error(id, message))
}

// SendEvent sends an EVENT frame for (channel, event).
func (s *Session) SendEvent(channel, event string, params map[string]interface{}) error {
	return s.Send(wire.EventFrame(wire.NewID(), channel, event, params))
}

// Close tears down the underlying transport. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.transport.Close()
	})
	return err
}

func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

type errNotReadyType struct{}

func (errNotReadyType) Error() string { return "session: transport not ready, send dropped" }

var errNotReady = errNotReadyType{}
