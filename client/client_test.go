package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/heleneproject/helene/internal/wire"
)

// newEchoServer speaks just enough of the wire protocol for the client
// tests below: echo SETUP back, and answer rpc:init/echo methods inline.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/helene-ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			var resp wire.Frame
			switch frame.Type {
			case wire.SETUP:
				resp = wire.Frame{Type: wire.SETUP, UUID: frame.UUID}
			case wire.METHOD:
				switch frame.Method {
				case wire.MethodInit:
					resp = wire.Result(frame.ID, frame.Method, map[string]interface{}{"userId": "u1"})
				case wire.MethodOn:
					resp = wire.Result(frame.ID, frame.Method, map[string]interface{}{"ping": true})
				case "echo":
					resp = wire.Result(frame.ID, frame.Method, frame.Params)
				case "never:responds":
					continue
				default:
					resp = wire.Error(frame.ID, wire.ErrMethodNotFound)
				}
			default:
				continue
			}
			encoded, err := wire.Encode(resp)
			require.NoError(t, err)
			if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestClient_CallRoundTripsOverWebSocket(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/helene-ws"

	c := New(Options{WebSocketURL: wsURL, Mode: WebSocket})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	require.Eventually(t, func() bool { return c.socketReady() }, 2*time.Second, 10*time.Millisecond)

	result, err := c.Call(ctx, "echo", map[string]interface{}{"x": "y"}, CallOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"x": "y"}, result)
}

func TestClient_UnreachedMethodTimesOut(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/helene-ws"

	c := New(Options{WebSocketURL: wsURL, Mode: WebSocket})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool { return c.socketReady() }, 2*time.Second, 10*time.Millisecond)

	_, err := c.Call(ctx, "never:responds", nil, CallOptions{Timeout: 50 * time.Millisecond, IgnoreInit: true})
	require.ErrorIs(t, err, ErrResultTimeout)
}

func TestBackoffDelay_BoundedByMaxAndFormula(t *testing.T) {
	d1 := backoffDelay(1)
	require.GreaterOrEqual(t, d1, 57*time.Millisecond)
	require.LessOrEqual(t, d1, 77*time.Millisecond)

	dLarge := backoffDelay(1000)
	require.LessOrEqual(t, dLarge, 72*time.Second)
}

func TestFileStorage_RoundTripsAndIgnoresMissingFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStorage(dir)

	ctx, err := s.Load()
	require.NoError(t, err)
	require.Nil(t, ctx)

	require.NoError(t, s.Save(map[string]interface{}{"userId": "u1"}))
	loaded, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "u1", loaded["userId"])
}
