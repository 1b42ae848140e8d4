package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
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

func newTestServer(t *testing.T) (*httptest.Server, *dispatch.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	methodsRegistry := methods.NewRegistry(cache.NewMemo(c), nil)
	eventsRegistry := events.NewRegistry("instance-1")
	eventsRegistry.AddEvent(events.EventDef{Name: "room:message"})
	d := dispatch.New(methodsRegistry, eventsRegistry, session.NewRegistry(), nil, nil, config.Default())

	router := gin.New()
	router.GET(config.Default().SSEPath, New(d, config.Default()).ServeHTTP)
	return httptest.NewServer(router), d
}

func TestServeHTTP_RejectsMissingClientID(t *testing.T) {
	server, _ := newTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/__h")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeHTTP_StreamsSubscribedEvent(t *testing.T) {
	server, d := newTestServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/__h", nil)
	require.NoError(t, err)
	req.Header.Set("x-client-id", "client-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Wait for the session to register, then subscribe it directly and
	// emit, mirroring what the paired HTTP POST path would trigger.
	require.Eventually(t, func() bool {
		_, ok := d.Sessions.Get("client-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	sess, _ := d.Sessions.Get("client-1")
	d.Events.Subscribe(sess, "room-1", []string{"room:message"})
	d.Events.Emit("room-1", "room:message", map[string]interface{}{"text": "hi"})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "id: 1"))

	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dataLine, "data: "))

	encoded := strings.TrimPrefix(strings.TrimSuffix(dataLine, "\n"), "data: ")
	frame, err := wire.Decode([]byte(encoded))
	require.NoError(t, err)
	require.Equal(t, wire.EVENT, frame.Type)
	require.Equal(t, "room:message", frame.Event)
}
