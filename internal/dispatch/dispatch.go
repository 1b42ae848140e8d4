// Package dispatch wires the method registry, event registry, session
// registry, authenticator and presence bookkeeping together and owns the
// handful of reserved methods (rpc:init, rpc:logout, rpc:on, rpc:off,
// rpc:login) spec.md §4.5 describes. Transports call into a Dispatcher
// rather than the lower-level registries directly, grounded on the
// teacher's AgentHub.handleRegister's connection-lifecycle shape
// generalized from a single agent-registration path to every inbound
// frame type.
package dispatch

import (
	"context"

	"github.com/heleneproject/helene/internal/apperrors"
	"github.com/heleneproject/helene/internal/auth"
	"github.com/heleneproject/helene/internal/cluster"
	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/events"
	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/methods"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

// Internal notification event names, published through the same
// channel/event machinery a client subscribes to via rpc:on (spec.md
// §4.5's "publish an internal X notification").
const (
	EventAuthentication  = "authentication"
	EventLogout          = "logout"
	EventMethodExecution = "method:execution"
)

// Dispatcher is the single entry point a transport uses: it owns session
// establishment/teardown and routes inbound frames to the method or
// event registry.
type Dispatcher struct {
	Methods  *methods.Registry
	Events   *events.Registry
	Sessions *session.Registry
	Auth     auth.Authenticator
	Presence *cluster.Presence

	cfg config.Options
}

// New builds a Dispatcher and registers the reserved session-aware
// methods. authenticator and presence are both optional (nil disables
// rpc:login and cluster presence bookkeeping respectively).
func New(methodsRegistry *methods.Registry, eventsRegistry *events.Registry, sessions *session.Registry, authenticator auth.Authenticator, presence *cluster.Presence, cfg config.Options) *Dispatcher {
	d := &Dispatcher{
		Methods:  methodsRegistry,
		Events:   eventsRegistry,
		Sessions: sessions,
		Auth:     authenticator,
		Presence: presence,
		cfg:      cfg,
	}
	methodsRegistry.AttachDeferrer(eventsRegistry)
	d.registerInternalEvents()
	d.registerDefaults()
	return d
}

func (d *Dispatcher) registerInternalEvents() {
	d.Events.AddEvent(events.EventDef{Name: EventAuthentication})
	d.Events.AddEvent(events.EventDef{Name: EventLogout})
	d.Events.AddEvent(events.EventDef{Name: EventMethodExecution})
}

// Notify implements methods.Notifier by publishing the named notification
// through the event registry on NO_CHANNEL, the way authentication/logout
// are published. New does not install the Dispatcher as the method
// registry's Notifier (a methods.Registry takes its Notifier only in
// methods.NewRegistry), so the registry's method:execution notification
// goes only to the Notifier it was built with, and is not published when
// that Notifier is nil.
func (d *Dispatcher) Notify(name string, payload map[string]interface{}) {
	d.Events.Emit(wire.NoChannel, name, payload)
}

func (d *Dispatcher) registerDefaults() {
	d.Methods.Add(methods.Def{Name: wire.MethodInit, Handler: d.handleInit})
	d.Methods.Add(methods.Def{Name: wire.MethodLogout, Handler: d.handleLogout})
	d.Methods.Add(methods.Def{Name: wire.MethodOn, Handler: d.handleOn})
	d.Methods.Add(methods.Def{Name: wire.MethodOff, Handler: d.handleOff})
	if d.Auth != nil {
		d.Methods.Add(methods.Def{Name: wire.MethodLogin, Handler: d.handleLogin})
	}
}

// handleInit implements rpc:init (spec.md §4.5): run the configured
// authenticator, authenticate or clear the session accordingly, and
// return the allowed-keys projection of the resulting context.
func (d *Dispatcher) handleInit(ctx *methods.CallContext, params interface{}) (interface{}, error) {
	p, _ := params.(map[string]interface{})
	if p == nil {
		p = map[string]interface{}{}
	}

	if d.Auth == nil {
		ctx.Session.Deauthenticate()
		return projectContext(ctx.Session.Context(), d.cfg.AllowedContextKeys), nil
	}

	authCtx, ok, err := d.Auth.Authenticate(context.Background(), p)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	if !ok {
		ctx.Session.Deauthenticate()
		return projectContext(ctx.Session.Context(), d.cfg.AllowedContextKeys), nil
	}

	userID, _ := authCtx["userId"].(string)
	ctx.Session.Authenticate(userID, authCtx)

	if d.Presence != nil && userID != "" {
		if err := d.Presence.UserAuthenticated(context.Background(), userID, ctx.Session.UUID()); err != nil {
			logging.Dispatch().Warn().Err(err).Msg("presence: record authenticated user failed")
		}
	}
	d.Events.Emit(wire.NoChannel, EventAuthentication, map[string]interface{}{"session": ctx.Session.UUID(), "userId": userID})

	return projectContext(ctx.Session.Context(), d.cfg.AllowedContextKeys), nil
}

// handleLogout implements rpc:logout: clear the session's authenticated
// context and emit logout, regardless of whether it was authenticated
// to begin with (spec.md §4.5 doesn't gate this behind Protected).
func (d *Dispatcher) handleLogout(ctx *methods.CallContext, params interface{}) (interface{}, error) {
	wasAuthenticated := ctx.Session.Authenticated()
	userID := ctx.Session.UserID()

	ctx.Session.Deauthenticate()

	if wasAuthenticated && d.Presence != nil && userID != "" {
		if err := d.Presence.UserLoggedOut(context.Background(), userID, ctx.Session.UUID()); err != nil {
			logging.Dispatch().Warn().Err(err).Msg("presence: record logged-out user failed")
		}
	}
	d.Events.Emit(wire.NoChannel, EventLogout, map[string]interface{}{"session": ctx.Session.UUID()})
	return true, nil
}

// handleLogin implements rpc:login for non-HTTP callers: it runs the
// authenticator and hands back the context object without mutating the
// session, since per spec.md §4.5 rpc:login's whole point is to run over
// HTTP where a secure cookie can be set; that cookie-setting step lives
// in the HTTP transport, which wraps this same handler.
func (d *Dispatcher) handleLogin(ctx *methods.CallContext, params interface{}) (interface{}, error) {
	p, _ := params.(map[string]interface{})
	if p == nil {
		p = map[string]interface{}{}
	}
	authCtx, ok, err := d.Auth.Authenticate(context.Background(), p)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	if !ok {
		return nil, apperrors.NewPublic(wire.ErrAuthenticationFailed)
	}
	return authCtx, nil
}

func (d *Dispatcher) handleOn(ctx *methods.CallContext, params interface{}) (interface{}, error) {
	channel, names, err := parseSubscriptionParams(params)
	if err != nil {
		return nil, err
	}
	return d.Events.Subscribe(ctx.Session, channel, names), nil
}

func (d *Dispatcher) handleOff(ctx *methods.CallContext, params interface{}) (interface{}, error) {
	channel, names, err := parseSubscriptionParams(params)
	if err != nil {
		return nil, err
	}
	return d.Events.Unsubscribe(ctx.Session, channel, names), nil
}

func parseSubscriptionParams(params interface{}) (channel string, names []string, err error) {
	p, ok := params.(map[string]interface{})
	if !ok {
		return "", nil, apperrors.NewPublic(wire.ErrInvalidParams)
	}
	channel, _ = p["channel"].(string)
	raw, _ := p["events"].([]interface{})
	names = make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			names = append(names, s)
		}
	}
	return channel, names, nil
}

// projectContext returns only the allowed keys of ctx, per rpc:init's
// allowedContextKeys contract (spec.md §4.5). An empty allow-list means
// the deployment chose not to restrict projection, so the full context
// is returned.
func projectContext(ctx map[string]interface{}, allowed []string) map[string]interface{} {
	if len(allowed) == 0 {
		return ctx
	}
	out := make(map[string]interface{}, len(allowed))
	for _, key := range allowed {
		if v, ok := ctx[key]; ok {
			out[key] = v
		}
	}
	return out
}

// Establish creates and registers a new Session for uuid over transport,
// tearing down any existing session with the same uuid first (the
// duplicate-SETUP-uuid decision, grounded on AgentHub.handleRegister's
// "already connected, closing old connection" precedent).
func (d *Dispatcher) Establish(uuid string, transport session.Transport) *session.Session {
	sess := session.New(uuid, transport, d.cfg.RateLimit, d.cfg.InstanceID)
	d.Sessions.Put(sess)
	if d.Presence != nil {
		if err := d.Presence.ClientConnected(context.Background(), uuid); err != nil {
			logging.Dispatch().Warn().Err(err).Msg("presence: record connected client failed")
		}
	}
	return sess
}

// Teardown removes sess from every registry it is tracked in, called once
// its transport closes.
func (d *Dispatcher) Teardown(sess *session.Session) {
	if current, ok := d.Sessions.Get(sess.UUID()); ok && current != sess {
		// A newer session has claimed this uuid; the registry entry,
		// subscriptions and presence keyed by it now belong to that one.
		_ = sess.Close()
		return
	}
	d.Events.RemoveSession(sess)
	d.Sessions.Remove(sess.UUID())

	if d.Presence != nil {
		ctx := context.Background()
		if sess.Authenticated() {
			if err := d.Presence.UserLoggedOut(ctx, sess.UserID(), sess.UUID()); err != nil {
				logging.Dispatch().Warn().Err(err).Msg("presence: record disconnecting user failed")
			}
		}
		if err := d.Presence.ClientDisconnected(ctx, sess.UUID()); err != nil {
			logging.Dispatch().Warn().Err(err).Msg("presence: record disconnected client failed")
		}
	}
	_ = sess.Close()
}

// HandleFrame routes one decoded inbound frame. keep:alive is handled by
// the caller before reaching here (spec.md §4.6: "handled inline without
// full dispatch"); this method only ever sees METHOD frames once a
// session is established.
func (d *Dispatcher) HandleFrame(ctx context.Context, sess *session.Session, frame wire.Frame) *wire.Frame {
	sess.Touch()
	switch frame.Type {
	case wire.METHOD:
		return d.Methods.Dispatch(ctx, sess, frame)
	default:
		logging.Dispatch().Warn().Str("type", string(frame.Type)).Msg("unexpected frame type after setup, dropping")
		return nil
	}
}
