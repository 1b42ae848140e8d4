package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heleneproject/helene/internal/apperrors"
	"github.com/heleneproject/helene/internal/auth"
	"github.com/heleneproject/helene/internal/cache"
	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/events"
	"github.com/heleneproject/helene/internal/methods"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

type fakeTransport struct {
	sent []wire.Frame
}

func (f *fakeTransport) Send(frame wire.Frame) error { f.sent = append(f.sent, frame); return nil }
func (f *fakeTransport) Close() error                { return nil }
func (f *fakeTransport) Ready() bool                 { return true }

type stubAuthenticator struct {
	ctx map[string]interface{}
	ok  bool
	err error
}

func (s stubAuthenticator) Authenticate(_ context.Context, _ map[string]interface{}) (map[string]interface{}, bool, error) {
	return s.ctx, s.ok, s.err
}

func newDispatcher(t *testing.T, authenticator stubAuthenticator, authEnabled bool) *Dispatcher {
	t.Helper()
	c, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	methodsRegistry := methods.NewRegistry(cache.NewMemo(c), nil)
	eventsRegistry := events.NewRegistry("instance-1")

	var a auth.Authenticator
	if authEnabled {
		a = authenticator
	}

	return New(methodsRegistry, eventsRegistry, session.NewRegistry(), a, nil, config.Default())
}

func newSession(uuid string) (*session.Session, *fakeTransport) {
	tr := &fakeTransport{}
	return session.New(uuid, tr, session.RateLimit{Max: 1000, Interval: time.Minute}, "instance-1"), tr
}

func TestInit_SuccessfulAuthenticationProjectsContext(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{
		ctx: map[string]interface{}{"userId": "u1", "role": "admin", "secret": "hide-me"},
		ok:  true,
	}, true)
	d.cfg.AllowedContextKeys = []string{"userId", "role"}

	sess, _ := newSession("s1")
	resp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{
		Type: wire.METHOD, ID: "r1", Method: wire.MethodInit,
		Params: map[string]interface{}{"token": "whatever"},
	})

	require.NotNil(t, resp)
	require.Equal(t, wire.RESULT, resp.Type)
	projected, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "u1", projected["userId"])
	assert.Equal(t, "admin", projected["role"])
	_, hasSecret := projected["secret"]
	assert.False(t, hasSecret)

	assert.True(t, sess.Authenticated())
	assert.Equal(t, "u1", sess.UserID())
}

func TestInit_FailedAuthenticationClearsSession(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{ok: false}, true)
	sess, _ := newSession("s1")
	sess.Authenticate("previous-user", map[string]interface{}{"userId": "previous-user"})

	resp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{
		Type: wire.METHOD, ID: "r1", Method: wire.MethodInit,
		Params: map[string]interface{}{"token": "bad"},
	})

	require.NotNil(t, resp)
	assert.False(t, sess.Authenticated())
	assert.Empty(t, sess.UserID())
}

func TestInit_NoAuthenticatorConfiguredClearsSession(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{}, false)
	sess, _ := newSession("s1")

	resp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{Type: wire.METHOD, ID: "r1", Method: wire.MethodInit})
	require.NotNil(t, resp)
	assert.False(t, sess.Authenticated())
}

func TestLogout_ClearsAuthenticatedState(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{}, false)
	sess, _ := newSession("s1")
	sess.Authenticate("u1", map[string]interface{}{"userId": "u1"})

	resp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{Type: wire.METHOD, ID: "r1", Method: wire.MethodLogout})
	require.NotNil(t, resp)
	assert.False(t, sess.Authenticated())
}

func TestLogin_NotRegisteredWithoutAuthenticator(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{}, false)
	_, ok := d.Methods.Get(wire.MethodLogin)
	assert.False(t, ok)
}

func TestLogin_ReturnsContextWithoutMutatingSession(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{ctx: map[string]interface{}{"userId": "u1"}, ok: true}, true)
	sess, _ := newSession("s1")

	resp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{
		Type: wire.METHOD, ID: "r1", Method: wire.MethodLogin,
		Params: map[string]interface{}{"username": "a", "password": "b"},
	})

	require.NotNil(t, resp)
	assert.Equal(t, wire.RESULT, resp.Type)
	assert.False(t, sess.Authenticated(), "rpc:login must not mutate session state directly")
}

func TestOnOff_RoundTripsSubscriptionState(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{}, false)
	d.Events.AddEvent(events.EventDef{Name: "room:message"})
	sess, _ := newSession("s1")

	onResp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{
		Type: wire.METHOD, ID: "r1", Method: wire.MethodOn,
		Params: map[string]interface{}{"channel": "room-1", "events": []interface{}{"room:message"}},
	})
	require.NotNil(t, onResp)
	onResult := onResp.Result.(map[string]bool)
	assert.True(t, onResult["room:message"])

	offResp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{
		Type: wire.METHOD, ID: "r2", Method: wire.MethodOff,
		Params: map[string]interface{}{"channel": "room-1", "events": []interface{}{"room:message"}},
	})
	require.NotNil(t, offResp)
	offResult := offResp.Result.(map[string]bool)
	assert.True(t, offResult["room:message"])
}

func TestInit_AuthenticatorErrorSurfacesAsInternal(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{err: apperrors.NewInternal(assert.AnError)}, true)
	sess, _ := newSession("s1")

	resp := d.Methods.Dispatch(context.Background(), sess, wire.Frame{
		Type: wire.METHOD, ID: "r1", Method: wire.MethodInit,
		Params: map[string]interface{}{"token": "x"},
	})
	require.NotNil(t, resp)
	assert.Equal(t, wire.ErrInternalError, resp.Message)
}

func TestEstablishAndTeardown_RegistersAndRemovesSession(t *testing.T) {
	d := newDispatcher(t, stubAuthenticator{}, false)
	tr := &fakeTransport{}
	sess := d.Establish("s1", tr)

	_, ok := d.Sessions.Get("s1")
	assert.True(t, ok)

	d.Teardown(sess)
	_, ok = d.Sessions.Get("s1")
	assert.False(t, ok)
}
