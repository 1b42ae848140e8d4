package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	sets map[string]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{sets: make(map[string]map[string]bool)}
}

func (f *fakeStore) AddToSet(ctx context.Context, key, member string) (int64, error) {
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	set[member] = true
	return int64(len(set)), nil
}

func (f *fakeStore) RemoveFromSet(ctx context.Context, key, member string) (int64, error) {
	set, ok := f.sets[key]
	if !ok {
		return 0, nil
	}
	delete(set, member)
	return int64(len(set)), nil
}

func (f *fakeStore) SetCardinality(ctx context.Context, key string) (int64, error) {
	return int64(len(f.sets[key])), nil
}

func (f *fakeStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func TestPresence_JoinAndLeaveInstance(t *testing.T) {
	store := newFakeStore()
	p := NewPresence(store, "instance-a")
	ctx := context.Background()

	require.NoError(t, p.JoinInstance(ctx))
	require.NoError(t, p.ClientConnected(ctx, "session-1"))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Instances)
	assert.Equal(t, int64(1), stats.LiveConnections)

	require.NoError(t, p.LeaveInstance(ctx))
	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Instances)
	assert.Equal(t, int64(0), stats.LiveConnections)
}

func TestPresence_UserRefcountedAcrossSessions(t *testing.T) {
	store := newFakeStore()
	p := NewPresence(store, "instance-a")
	ctx := context.Background()

	require.NoError(t, p.UserAuthenticated(ctx, "user-1", "session-1"))
	require.NoError(t, p.UserAuthenticated(ctx, "user-1", "session-2"))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DistinctUsers)

	require.NoError(t, p.UserLoggedOut(ctx, "user-1", "session-1"))
	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DistinctUsers, "user still has a live session")

	require.NoError(t, p.UserLoggedOut(ctx, "user-1", "session-2"))
	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.DistinctUsers)
}
