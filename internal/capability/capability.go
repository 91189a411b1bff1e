// Package capability implements the name-keyed registry of functions
// the model may invoke mid-conversation, with per-call validation and
// invocation records.
package capability

import (
	"context"

	"github.com/plannerly/engram/internal/identity"
)

// Context is the ephemeral binding passed to a capability at call time.
// It is reconstructed per invocation and never persisted.
type Context struct {
	Identity       identity.Identity
	ConversationID string
	CorrelationID  string
}

// ExecuteFunc runs a capability. Output is the textual tool result
// handed back to the model; structured providers marshal JSON into it.
type ExecuteFunc func(ctx context.Context, args map[string]any, cc Context) (string, error)

// Capability is a registered, schema-validated function.
type Capability struct {
	Name        string
	Description string
	InputSchema map[string]any
	Execute     ExecuteFunc
}

// Events receives invocation lifecycle notifications. Implementations
// must not block; both methods are called inline on the invoking task.
type Events interface {
	CapabilityStarted(name string)
	CapabilityCompleted(name, output string, err error)
}
