// Package trace assigns correlation IDs to message-handling turns so a single
// inbound message can be followed through memory, completion, and send in the
// logs.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// turnKey is the unexported context key carrying the turn ID.
type turnKey struct{}

// NewTurnID returns a fresh correlation ID for one message-handling turn.
func NewTurnID() string {
	return uuid.NewString()
}

// WithTurnID returns a child context carrying the given turn ID.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnKey{}, id)
}

// TurnID extracts the turn ID from ctx, returning "" when absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnKey{}).(string); ok {
		return v
	}
	return ""
}
