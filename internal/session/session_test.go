package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heleneproject/helene/internal/wire"
)

type fakeTransport struct {
	sent   []wire.Frame
	ready  bool
	closed bool
}

func (f *fakeTransport) Send(frame wire.Frame) error { f.sent = append(f.sent, frame); return nil }
func (f *fakeTransport) Close() error                { f.closed = true; return nil }
func (f *fakeTransport) Ready() bool                  { return f.ready }

func TestSession_ContextEmptyUntilAuthenticated(t *testing.T) {
	s := New("u1", &fakeTransport{ready: true}, DefaultRateLimit, "instance-1")
	assert.False(t, s.Authenticated())
	assert.Empty(t, s.Context())

	s.Authenticate("user-1", map[string]interface{}{"role": "admin"})
	assert.True(t, s.Authenticated())
	assert.Equal(t, "admin", s.Context()["role"])

	s.Deauthenticate()
	assert.False(t, s.Authenticated())
	assert.Empty(t, s.Context())
}

func TestSession_SendDroppedWhenNotReady(t *testing.T) {
	tr := &fakeTransport{ready: false}
	s := New("u1", tr, DefaultRateLimit, "instance-1")
	err := s.Result("req-1", "echo", "test")
	require.Error(t, err)
	assert.Empty(t, tr.sent)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	tr := &fakeTransport{ready: true}
	s := New("u1", tr, DefaultRateLimit, "instance-1")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, tr.closed)
}

func TestRegistry_PutEvictsDuplicateUUID(t *testing.T) {
	r := NewRegistry()
	older := New("dup", &fakeTransport{ready: true}, DefaultRateLimit, "instance-1")
	newer := New("dup", &fakeTransport{ready: true}, DefaultRateLimit, "instance-1")

	r.Put(older)
	evicted := r.Put(newer)

	assert.Equal(t, older, evicted)
	assert.True(t, older.Closed())
	got, ok := r.Get("dup")
	require.True(t, ok)
	assert.Equal(t, newer, got)
}
