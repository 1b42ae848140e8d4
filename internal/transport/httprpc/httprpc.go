// Package httprpc implements the HTTP POST transport (spec.md §4.6):
// POST /__h with a JSON envelope {context, payload}, payload being a
// single METHOD frame. A request reuses the SSE session registered under
// its x-client-id, or a transient Session kept per x-client-id until it
// goes idle, or else gets a one-off Session; subscriptions made on a
// Session that is not a registered SSE session are dropped when the
// request ends. The method registry's own Protected/auth gating decides
// whether the call needs bearer credentials, so this package's job is
// picking that Session, running one dispatch, and writing back the
// result frame.
// Grounded on the teacher's gin handler conventions (cmd/main.go) and on
// internal/auth's bearer-token/x-api-key header extraction already used
// by its dropped HTTP middleware.
package httprpc

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heleneproject/helene/internal/auth"
	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/dispatch"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

// jsonFrame is the JSON-over-HTTP rendering of a METHOD frame. The binary
// wire codec (internal/wire) is reserved for the WebSocket/SSE
// transports; HTTP POST's envelope is plain JSON per spec.md §4.6.
type jsonFrame struct {
	Type   wire.Type              `json:"type"`
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	Void   bool                   `json:"void"`
}

type envelope struct {
	Context map[string]interface{} `json:"context"`
	Payload jsonFrame              `json:"payload"`
}

type jsonResult struct {
	Type    wire.Type         `json:"type"`
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Result  interface{}       `json:"result,omitempty"`
	Message string            `json:"message,omitempty"`
	Errors  []wire.FieldError `json:"errors,omitempty"`
}

// Handler mounts the HTTP POST endpoint on a gin router.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	cfg        config.Options

	transientMu sync.Mutex
	transient   map[string]*session.Session
}

func New(d *dispatch.Dispatcher, cfg config.Options) *Handler {
	return &Handler{dispatcher: d, cfg: cfg, transient: map[string]*session.Session{}}
}

// sessionFor returns the Session this request's rate-limit bucket and
// auth context live on. A client with a live SSE stream reuses that
// persistent Session. Otherwise, a client identified by x-client-id gets
// a Session tracked across HTTP-only requests in h.transient, so the
// limiter's token bucket actually accumulates across repeated POSTs
// (spec.md §8 "Rate limit monotonicity") instead of resetting on every
// call. A request with no x-client-id at all gets a one-off Session,
// since there is nothing to key a bucket on.
func (h *Handler) sessionFor(clientID string) *session.Session {
	if clientID == "" {
		return session.New(wire.NewID(), noopTransport{}, h.cfg.RateLimit, h.cfg.InstanceID)
	}
	if sess, ok := h.dispatcher.Sessions.Get(clientID); ok {
		return sess
	}

	h.transientMu.Lock()
	defer h.transientMu.Unlock()
	h.evictStaleLocked()
	if sess, ok := h.transient[clientID]; ok {
		sess.Touch()
		return sess
	}
	sess := session.New(clientID, noopTransport{}, h.cfg.RateLimit, h.cfg.InstanceID)
	h.transient[clientID] = sess
	return sess
}

// evictStaleLocked drops transient sessions idle past twice the
// keep-alive window, mirroring cmd/helene-server's sweepStaleSessions
// for the registry-backed sessions. Must be called with transientMu held.
func (h *Handler) evictStaleLocked() {
	cutoff := 2 * h.cfg.KeepAliveInterval
	if cutoff <= 0 {
		return
	}
	for id, sess := range h.transient {
		if time.Since(sess.LastActivity()) > cutoff {
			delete(h.transient, id)
		}
	}
}

// ServeHTTP handles one POST /__h call: derive a transient Session,
// authenticate it from the Authorization/x-api-key headers when a token
// is present, run the method once, and return its result frame as the
// response body.
func (h *Handler) ServeHTTP(c *gin.Context) {
	var env envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, jsonResult{Type: wire.ERROR, Message: wire.ErrInvalidRequest})
		return
	}
	if env.Payload.Type != wire.METHOD {
		c.JSON(http.StatusBadRequest, jsonResult{Type: wire.ERROR, Message: wire.ErrInvalidRequest})
		return
	}

	// A client with a live SSE stream (internal/transport/sse) reuses that
	// persistent Session so rpc:on/rpc:off issued over this POST affect
	// its subscriptions (spec.md §4.6: "all further inbound traffic from
	// this client arrives via HTTP POST"). Without a matching SSE session,
	// an HTTP-only client still gets a Session tracked by x-client-id
	// across requests, so its rate-limit bucket accumulates correctly.
	sess := h.sessionFor(c.GetHeader("x-client-id"))

	if h.dispatcher.Auth != nil {
		if token := bearerToken(c.Request); token != "" {
			authCtx := env.Context
			if authCtx == nil {
				authCtx = map[string]interface{}{}
			}
			authCtx["token"] = token
			if resultCtx, ok, err := h.dispatcher.Auth.Authenticate(c.Request.Context(), authCtx); err == nil && ok {
				userID, _ := resultCtx["userId"].(string)
				sess.Authenticate(userID, resultCtx)
			}
		}
	}

	frame := wire.Frame{
		Type:   wire.METHOD,
		ID:     env.Payload.ID,
		Method: env.Payload.Method,
		Params: env.Payload.Params,
		Void:   env.Payload.Void,
	}

	resp := h.dispatcher.Methods.Dispatch(c.Request.Context(), sess, frame)
	if registered, ok := h.dispatcher.Sessions.Get(sess.UUID()); !ok || registered != sess {
		h.dispatcher.Events.RemoveSession(sess)
	}
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}

	if env.Payload.Method == wire.MethodLogin && resp.Type == wire.RESULT {
		h.setLoginCookie(c, resp.Result)
	}

	c.JSON(http.StatusOK, jsonResult{
		Type:    resp.Type,
		ID:      resp.ID,
		Method:  resp.Method,
		Result:  resp.Result,
		Message: resp.Message,
		Errors:  resp.Errors,
	})
}

// setLoginCookie mints a bearer token from the login context (when the
// configured Authenticator also implements auth.TokenIssuer) and sets it
// as a Secure/HttpOnly/SameSite=Strict cookie, per spec.md §4.5's "a
// secure cookie may be set".
func (h *Handler) setLoginCookie(c *gin.Context, result interface{}) {
	issuer, ok := h.dispatcher.Auth.(auth.TokenIssuer)
	if !ok {
		return
	}
	authCtx, ok := result.(map[string]interface{})
	if !ok {
		return
	}
	token, err := issuer.IssueToken(authCtx)
	if err != nil || token == "" {
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     "helene_token",
		Value:    token,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// noopTransport backs a transient HTTP-derived Session: rpc:on/rpc:off
// still work within the single call, but nothing is ever actually sent
// over it since the HTTP handler reads the dispatch result directly,
// matching spec.md §4.6's "no subscription state persists across HTTP
// requests".
type noopTransport struct{}

func (noopTransport) Send(wire.Frame) error { return nil }
func (noopTransport) Close() error          { return nil }
func (noopTransport) Ready() bool           { return true }
