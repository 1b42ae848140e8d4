package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/heleneproject/helene/internal/cache"
	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/dispatch"
	"github.com/heleneproject/helene/internal/events"
	"github.com/heleneproject/helene/internal/methods"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

type stubAuthenticator struct {
	ctx map[string]interface{}
	ok  bool
}

func (s stubAuthenticator) Authenticate(context.Context, map[string]interface{}) (map[string]interface{}, bool, error) {
	return s.ctx, s.ok, nil
}

func newTestRouter(t *testing.T, authenticator stubAuthenticator, authEnabled bool) (*gin.Engine, *dispatch.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	methodsRegistry := methods.NewRegistry(cache.NewMemo(c), nil)
	eventsRegistry := events.NewRegistry("instance-1")

	var a interface {
		Authenticate(ctx context.Context, params map[string]interface{}) (map[string]interface{}, bool, error)
	}
	if authEnabled {
		a = authenticator
	}
	d := dispatch.New(methodsRegistry, eventsRegistry, session.NewRegistry(), a, nil, config.Default())

	d.Methods.Add(methods.Def{
		Name:      "protected:echo",
		Protected: true,
		Handler: func(ctx *methods.CallContext, params interface{}) (interface{}, error) {
			return params, nil
		},
	})

	router := gin.New()
	router.POST(config.Default().HTTPPath, New(d, config.Default()).ServeHTTP)
	return router, d
}

func postEnvelope(router *gin.Engine, env envelope, headers map[string]string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/__h", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_ProtectedMethodWithoutTokenIsForbidden(t *testing.T) {
	router, _ := newTestRouter(t, stubAuthenticator{}, true)
	rec := postEnvelope(router, envelope{Payload: jsonFrame{Type: wire.METHOD, ID: "r1", Method: "protected:echo"}}, nil)

	var result jsonResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, wire.ERROR, result.Type)
	require.Equal(t, wire.ErrMethodForbidden, result.Message)
}

func TestServeHTTP_ProtectedMethodWithBearerTokenSucceeds(t *testing.T) {
	router, _ := newTestRouter(t, stubAuthenticator{ctx: map[string]interface{}{"userId": "u1"}, ok: true}, true)
	rec := postEnvelope(router, envelope{Payload: jsonFrame{
		Type: wire.METHOD, ID: "r1", Method: "protected:echo", Params: map[string]interface{}{"a": "b"},
	}}, map[string]string{"Authorization": "Bearer good-token"})

	var result jsonResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, wire.RESULT, result.Type)
}

func TestServeHTTP_XAPIKeyHeaderAlsoAuthenticates(t *testing.T) {
	router, _ := newTestRouter(t, stubAuthenticator{ctx: map[string]interface{}{"userId": "u1"}, ok: true}, true)
	rec := postEnvelope(router, envelope{Payload: jsonFrame{
		Type: wire.METHOD, ID: "r1", Method: "protected:echo",
	}}, map[string]string{"x-api-key": "good-key"})

	var result jsonResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, wire.RESULT, result.Type)
}

func TestServeHTTP_VoidSuppressesResponseBody(t *testing.T) {
	router, _ := newTestRouter(t, stubAuthenticator{}, false)
	rec := postEnvelope(router, envelope{Payload: jsonFrame{Type: wire.METHOD, ID: "r1", Method: wire.MethodKeepAlive, Void: true}}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServeHTTP_InvalidEnvelopeRejected(t *testing.T) {
	router, _ := newTestRouter(t, stubAuthenticator{}, false)
	req := httptest.NewRequest(http.MethodPost, "/__h", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestServeHTTP_RateLimitAccumulatesAcrossRequests exercises spec.md §8's
// rate limit monotonicity over HTTP-only traffic: repeated POSTs from the
// same x-client-id must share one bucket instead of each minting a fresh
// one, so the limiter eventually rejects.
func TestServeHTTP_RateLimitAccumulatesAcrossRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	methodsRegistry := methods.NewRegistry(cache.NewMemo(c), nil)
	eventsRegistry := events.NewRegistry("instance-1")

	cfg := config.Default()
	cfg.RateLimit.Max = 5
	cfg.RateLimit.Interval = time.Minute
	d := dispatch.New(methodsRegistry, eventsRegistry, session.NewRegistry(), nil, nil, cfg)

	router := gin.New()
	router.POST(cfg.HTTPPath, New(d, cfg).ServeHTTP)

	var lastType wire.Type
	for i := 0; i < cfg.RateLimit.Max+3; i++ {
		rec := postEnvelope(router, envelope{Payload: jsonFrame{
			Type: wire.METHOD, ID: "r1", Method: wire.MethodKeepAlive,
		}}, map[string]string{"x-client-id": "same-client"})

		var result jsonResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		lastType = result.Type
	}
	require.Equal(t, wire.ERROR, lastType)
}
