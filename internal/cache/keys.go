package cache

import "fmt"

// Key prefixes for the two things this server actually caches.
const (
	PrefixMethod   = "method"
	PrefixInstance = "presence:instances"
	PrefixClient   = "presence:clients"
	PrefixUser     = "presence:users"
)

// MethodResultKey is where a method's cacheTTL memoization (spec.md §4.3
// step 7) stores its last result, keyed by method name and a digest of its
// params so distinct calls don't collide.
func MethodResultKey(method, paramsDigest string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixMethod, method, paramsDigest)
}

// InstanceSetKey is the cluster-wide set of live instance ids.
func InstanceSetKey() string {
	return PrefixInstance
}

// ClientSetKey is the set of session uuids a given instance currently
// holds, used to reconcile presence on instance shutdown.
func ClientSetKey(instanceID string) string {
	return fmt.Sprintf("%s:%s", PrefixClient, instanceID)
}

// UserSetKey is the set of live session uuids a given authenticated user
// has, so the user stays counted until their last session ends.
func UserSetKey(userID string) string {
	return fmt.Sprintf("%s:%s", PrefixUser, userID)
}
