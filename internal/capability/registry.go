package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry holds the registered capability set and wraps each one with
// validation and invocation bookkeeping at instantiation time.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]Capability
	invocations *InvocationStore
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. invocations may be nil in
// tests; bookkeeping is skipped without it.
func NewRegistry(invocations *InvocationStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:     make(map[string]Capability),
		invocations: invocations,
		logger:      logger.With("component", "capability"),
	}
}

// Register adds a capability. A duplicate name overwrites the previous
// entry with a warning; last writer wins.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[c.Name]; exists {
		r.logger.Warn("capability re-registered, overwriting", "name", c.Name)
	}
	r.entries[c.Name] = c
}

// Names returns all registered capability names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Bound is a capability wrapped with a call-time context. Invoke
// validates, records, and executes.
type Bound struct {
	Name        string
	Description string
	InputSchema map[string]any

	cap      Capability
	cc       Context
	registry *Registry
	events   Events
}

// Instantiate binds the named subset of capabilities to a call-time
// context. An empty names list binds everything registered. Unknown
// names are dropped with a warning, never an error.
func (r *Registry) Instantiate(cc Context, names []string, events Events) []*Bound {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = make([]string, 0, len(r.entries))
		for name := range r.entries {
			names = append(names, name)
		}
	}

	bound := make([]*Bound, 0, len(names))
	for _, name := range names {
		c, ok := r.entries[name]
		if !ok {
			r.logger.Warn("requested capability not registered, dropping", "name", name)
			continue
		}
		bound = append(bound, &Bound{
			Name:        c.Name,
			Description: c.Description,
			InputSchema: c.InputSchema,
			cap:         c,
			cc:          cc,
			registry:    r,
			events:      events,
		})
	}
	return bound
}

// Invoke validates args against the input contract, persists the
// running invocation record, executes, and persists completion. The
// running record is written and awaited before execution begins.
func (b *Bound) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if err := validateInput(b.Name, b.InputSchema, args); err != nil {
		return "", err
	}

	var invID string
	if b.registry.invocations != nil {
		inv, err := b.registry.invocations.Start(ctx, b.cc.CorrelationID, b.Name, args)
		if err != nil {
			return "", fmt.Errorf("record invocation: %w", err)
		}
		invID = inv.ID
	}
	if b.events != nil {
		b.events.CapabilityStarted(b.Name)
	}

	start := time.Now()
	output, execErr := b.cap.Execute(ctx, args, b.cc)
	elapsed := time.Since(start)

	if invID != "" {
		recorded := output
		if execErr != nil {
			recorded = "error: " + execErr.Error()
		}
		if err := b.registry.invocations.Complete(ctx, invID, recorded, elapsed); err != nil {
			b.registry.logger.Warn("failed to complete invocation record",
				"capability", b.Name, "error", err)
		}
	}
	if b.events != nil {
		b.events.CapabilityCompleted(b.Name, output, execErr)
	}

	b.registry.logger.Debug("capability invoked",
		"capability", b.Name,
		"correlation_id", b.cc.CorrelationID,
		"duration", elapsed,
		"error", execErr != nil,
	)
	return output, execErr
}
