package cluster

import (
	"context"
	"fmt"

	"github.com/heleneproject/helene/internal/cache"
)

// Store is the minimal Redis surface Presence needs, satisfied by
// *cache.Cache; kept as an interface so presence bookkeeping is testable
// without a live Redis.
type Store interface {
	AddToSet(ctx context.Context, key, member string) (int64, error)
	RemoveFromSet(ctx context.Context, key, member string) (int64, error)
	SetCardinality(ctx context.Context, key string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
}

const usersIndexKey = "presence:users:index"

// Presence maintains cluster-wide sets in the presence store: `instances`,
// `clients:<instanceId>` (session uuids held by an instance), one set per
// authenticated user keyed by cache.UserSetKey(userID) holding that user's
// live session uuids (so a user is removed only when their last session
// ends), and an index of user ids whose set is non-empty. The per-user
// sets are keyed by user id, not by instance, and LeaveInstance does not
// clear them. It also backs the
// [ADD] Presence/stats component (SPEC_FULL.md §4.7): cluster-wide live-
// connection and distinct-authenticated-user counts are plain reads over
// these same sets.
type Presence struct {
	store      Store
	instanceID string
}

func NewPresence(store Store, instanceID string) *Presence {
	return &Presence{store: store, instanceID: instanceID}
}

// JoinInstance registers this instance as live, called at startup.
func (p *Presence) JoinInstance(ctx context.Context) error {
	_, err := p.store.AddToSet(ctx, cache.InstanceSetKey(), p.instanceID)
	return err
}

// LeaveInstance removes this instance and its per-instance sets, called
// before the relay disconnects (spec.md §4.7's shutdown ordering).
func (p *Presence) LeaveInstance(ctx context.Context) error {
	if _, err := p.store.RemoveFromSet(ctx, cache.InstanceSetKey(), p.instanceID); err != nil {
		return err
	}
	members, err := p.store.SetMembers(ctx, cache.ClientSetKey(p.instanceID))
	if err != nil {
		return err
	}
	for _, sessionUUID := range members {
		_, _ = p.store.RemoveFromSet(ctx, cache.ClientSetKey(p.instanceID), sessionUUID)
	}
	return nil
}

// ClientConnected adds a session uuid to this instance's live-client set
// (CONNECTION in spec.md §4.7).
func (p *Presence) ClientConnected(ctx context.Context, sessionUUID string) error {
	_, err := p.store.AddToSet(ctx, cache.ClientSetKey(p.instanceID), sessionUUID)
	return err
}

// ClientDisconnected removes a session uuid (DISCONNECTION).
func (p *Presence) ClientDisconnected(ctx context.Context, sessionUUID string) error {
	_, err := p.store.RemoveFromSet(ctx, cache.ClientSetKey(p.instanceID), sessionUUID)
	return err
}

// UserAuthenticated records a live session for userID (AUTHENTICATION);
// the user only enters the distinct-users index on its first session.
func (p *Presence) UserAuthenticated(ctx context.Context, userID, sessionUUID string) error {
	count, err := p.store.AddToSet(ctx, cache.UserSetKey(userID), sessionUUID)
	if err != nil {
		return err
	}
	if count == 1 {
		_, err = p.store.AddToSet(ctx, usersIndexKey, userID)
	}
	return err
}

// UserLoggedOut decrements userID's live-session refcount (LOGOUT), only
// removing the user from the distinct-users index when their last session
// ends.
func (p *Presence) UserLoggedOut(ctx context.Context, userID, sessionUUID string) error {
	count, err := p.store.RemoveFromSet(ctx, cache.UserSetKey(userID), sessionUUID)
	if err != nil {
		return err
	}
	if count == 0 {
		_, err = p.store.RemoveFromSet(ctx, usersIndexKey, userID)
	}
	return err
}

// Stats is the cluster-wide read the [ADD] Presence/stats component
// exposes.
type Stats struct {
	Instances       int64
	LiveConnections int64
	DistinctUsers   int64
}

func (p *Presence) Stats(ctx context.Context) (Stats, error) {
	instances, err := p.store.SetMembers(ctx, cache.InstanceSetKey())
	if err != nil {
		return Stats{}, fmt.Errorf("cluster: list instances: %w", err)
	}

	var liveConnections int64
	for _, instanceID := range instances {
		n, err := p.store.SetCardinality(ctx, cache.ClientSetKey(instanceID))
		if err != nil {
			return Stats{}, fmt.Errorf("cluster: count clients on %s: %w", instanceID, err)
		}
		liveConnections += n
	}

	distinctUsers, err := p.store.SetCardinality(ctx, usersIndexKey)
	if err != nil {
		return Stats{}, fmt.Errorf("cluster: count distinct users: %w", err)
	}

	return Stats{
		Instances:       int64(len(instances)),
		LiveConnections: liveConnections,
		DistinctUsers:   distinctUsers,
	}, nil
}
