// Package apperrors implements the two-kind error taxonomy that crosses
// the wire: public errors keep their message, everything else collapses
// to Internal Error with the real cause logged server-side only. Grounded
// on the teacher's internal/errors.AppError (code/message/details),
// collapsed onto the protocol's simpler message-only ERROR frame
// (spec.md §7).
package apperrors

import (
	"fmt"

	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/wire"
)

// Public is a user-visible error: its Message is sent verbatim on the
// wire, optionally with a structured per-field list (schema failures).
type Public struct {
	Message string
	Fields  []wire.FieldError
}

func (e *Public) Error() string { return e.Message }

// NewPublic builds a Public error with one of the well-known wire
// messages (wire.Err*) or a caller-chosen one.
func NewPublic(message string) *Public { return &Public{Message: message} }

func NewPublicWithFields(message string, fields []wire.FieldError) *Public {
	return &Public{Message: message, Fields: fields}
}

// Internal wraps a server-side cause that must never reach the client
// verbatim. ToFrame returns wire.ErrInternalError regardless of Cause.
type Internal struct {
	Cause error
	// Stack is attached for operator-facing logs only, never sent on
	// the wire.
	Stack string
}

func (e *Internal) Error() string { return fmt.Sprintf("internal error: %v", e.Cause) }
func (e *Internal) Unwrap() error { return e.Cause }

func NewInternal(cause error) *Internal { return &Internal{Cause: cause} }

// ToFrame converts any error into the ERROR frame that should cross the
// wire for request id. Any error that is not a *Public collapses to
// Internal Error, matching "all other thrown values in a handler path
// collapse to internal" (spec.md §7).
func ToFrame(id string, err error) wire.Frame {
	if pub, ok := err.(*Public); ok {
		if len(pub.Fields) > 0 {
			return wire.ErrorWithFields(id, pub.Message, pub.Fields)
		}
		return wire.Error(id, pub.Message)
	}
	var stack string
	if internal, ok := err.(*Internal); ok {
		stack = internal.Stack
	}
	logging.Dispatch().Error().Err(err).Str("stack", stack).Msg("internal error in handler path")
	return wire.Error(id, wire.ErrInternalError)
}
