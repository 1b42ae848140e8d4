package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/heleneproject/helene/internal/cache"
	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/dispatch"
	"github.com/heleneproject/helene/internal/events"
	"github.com/heleneproject/helene/internal/methods"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

func newTestServer(t *testing.T, cfg config.Options) (*httptest.Server, *dispatch.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)

	methodsRegistry := methods.NewRegistry(cache.NewMemo(c), nil)
	eventsRegistry := events.NewRegistry("instance-1")
	d := dispatch.New(methodsRegistry, eventsRegistry, session.NewRegistry(), nil, nil, cfg)

	d.Methods.Add(methods.Def{
		Name: "echo",
		Handler: func(ctx *methods.CallContext, params interface{}) (interface{}, error) {
			return params, nil
		},
	})

	router := gin.New()
	router.GET(cfg.WSPath, New(d, cfg).ServeHTTP)
	return httptest.NewServer(router), d
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServeHTTP_RejectsUpgradeWhenAcceptConnectionsFalse(t *testing.T) {
	cfg := config.Default()
	cfg.AcceptConnections = false
	server, _ := newTestServer(t, cfg)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + cfg.WSPath
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 503, resp.StatusCode)
}

func TestServeHTTP_SetupThenMethodRoundTrips(t *testing.T) {
	cfg := config.Default()
	server, _ := newTestServer(t, cfg)
	defer server.Close()

	conn := dial(t, server, cfg.WSPath)
	defer conn.Close()

	setup, err := wire.Encode(wire.Frame{Type: wire.SETUP, UUID: "client-chosen-uuid"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, setup))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	echoed, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.SETUP, echoed.Type)
	require.Equal(t, "client-chosen-uuid", echoed.UUID)

	method, err := wire.Encode(wire.Frame{Type: wire.METHOD, ID: "r1", Method: "echo", Params: map[string]interface{}{"hello": "world"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, method))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	result, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.RESULT, result.Type)
	require.Equal(t, "r1", result.ID)
}

func TestServeHTTP_SendsHeartbeatAndToleratesEcho(t *testing.T) {
	cfg := config.Default()
	cfg.KeepAliveInterval = 80 * time.Millisecond
	server, _ := newTestServer(t, cfg)
	defer server.Close()

	conn := dial(t, server, cfg.WSPath)
	defer conn.Close()

	setup, err := wire.Encode(wire.Frame{Type: wire.SETUP})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, setup))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	hb, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.HEARTBEAT, hb.Type)

	echo, err := wire.Encode(wire.Frame{Type: wire.HEARTBEAT})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, echo))

	// The connection should survive well past another heartbeat window
	// as long as it keeps echoing.
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err = conn.ReadMessage()
		require.NoError(t, err)
		hb, err = wire.Decode(data)
		require.NoError(t, err)
		require.Equal(t, wire.HEARTBEAT, hb.Type)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, echo))
	}

	method, err := wire.Encode(wire.Frame{Type: wire.METHOD, ID: "r1", Method: "echo", Params: map[string]interface{}{"a": "b"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, method))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	result, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.RESULT, result.Type)
}

func TestServeHTTP_MissedHeartbeatEchoClosesSession(t *testing.T) {
	cfg := config.Default()
	cfg.KeepAliveInterval = 60 * time.Millisecond
	server, d := newTestServer(t, cfg)
	defer server.Close()

	conn := dial(t, server, cfg.WSPath)
	defer conn.Close()

	setup, err := wire.Encode(wire.Frame{Type: wire.SETUP, UUID: "missed-heartbeat"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, setup))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	// Never echo the HEARTBEAT: the session should be torn down within
	// one and a half intervals.
	require.Eventually(t, func() bool {
		_, ok := d.Sessions.Get("missed-heartbeat")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestServeHTTP_KeepAliveHandledInlineWithoutRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Max = 1
	cfg.RateLimit.Interval = time.Minute
	server, _ := newTestServer(t, cfg)
	defer server.Close()

	conn := dial(t, server, cfg.WSPath)
	defer conn.Close()

	setup, err := wire.Encode(wire.Frame{Type: wire.SETUP})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, setup))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		keepAlive, err := wire.Encode(wire.Frame{Type: wire.METHOD, ID: "ka", Method: wire.MethodKeepAlive})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, keepAlive))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		resp, err := wire.Decode(data)
		require.NoError(t, err)
		require.Equal(t, wire.RESULT, resp.Type)
		require.Equal(t, true, resp.Result)
	}
}
