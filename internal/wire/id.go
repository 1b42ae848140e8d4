package wire

import "github.com/google/uuid"

// NewID mints a 128-bit request/session identifier rendered as its
// canonical fixed-width dashed-hex string, satisfying "128-bit opaque
// token, unique per originator, rendered as fixed-width string" without
// hand-rolling a token generator.
func NewID() string {
	return uuid.New().String()
}
