// Package agent implements the multi-pass tool-calling completion
// loop: it injects live memory state into every model call, streams
// partial output to the turn's channel, and finalizes memory citations.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/plannerly/engram/internal/capability"
	"github.com/plannerly/engram/internal/conversation"
	"github.com/plannerly/engram/internal/identity"
	"github.com/plannerly/engram/internal/llm"
	"github.com/plannerly/engram/internal/memory"
	"github.com/plannerly/engram/internal/stream"
)

// DefaultMaxPasses bounds the tool loop so a model that never stops
// requesting tools still terminates.
const DefaultMaxPasses = 10

// Loop orchestrates one assistant turn.
type Loop struct {
	client        llm.Client
	model         string
	maxPasses     int
	identities    identity.Provider
	conversations *conversation.Store
	memories      *memory.Store
	registry      *capability.Registry
	logger        *slog.Logger
}

// New creates a loop. maxPasses ≤ 0 selects DefaultMaxPasses.
func New(client llm.Client, model string, maxPasses int,
	identities identity.Provider, conversations *conversation.Store,
	memories *memory.Store, registry *capability.Registry, logger *slog.Logger) *Loop {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:        client,
		model:         model,
		maxPasses:     maxPasses,
		identities:    identities,
		conversations: conversations,
		memories:      memories,
		registry:      registry,
		logger:        logger.With("component", "agent"),
	}
}

// Request identifies the turn being completed.
type Request struct {
	ConversationID string
	CorrelationID  string
	UserID         string
	// Capabilities optionally restricts the exposed capability set.
	// Empty means everything registered.
	Capabilities []string
}

// Result is the loop's persisted outcome.
type Result struct {
	Text           string
	CitedMemoryIDs []string
	TurnID         string
}

// reply is the final structured payload.
type reply struct {
	Response           string   `json:"response"`
	MemoriesReferenced []string `json:"memoriesReferenced"`
}

// Run completes one turn, streaming output to pub. On any failure an
// error event is published on the turn's channel before the error is
// returned; text already streamed stays with the subscriber.
func (l *Loop) Run(ctx context.Context, req Request, pub stream.Publisher) (res *Result, err error) {
	defer func() {
		if err != nil {
			pub.PublishError(err.Error())
		}
	}()

	var (
		ident   *identity.Identity
		turns   []*conversation.Turn
		actives []*memory.Memory
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ident, err = l.identities.Lookup(gctx, req.UserID)
		return err
	})
	g.Go(func() error {
		var err error
		turns, err = l.conversations.Turns(gctx, req.ConversationID)
		return err
	})
	g.Go(func() error {
		var err error
		actives, err = l.memories.FindActive(gctx, req.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	// Zero prior turns means the model opens the conversation instead
	// of responding to content.
	initiation := len(turns) == 0

	messages := []llm.Message{{
		Role:    "system",
		Content: buildSystemPrompt(ident, actives, initiation),
	}}
	for _, t := range turns {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}
	if initiation {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: "Please start the conversation.",
		})
	}

	bound := l.registry.Instantiate(capability.Context{
		Identity:       *ident,
		ConversationID: req.ConversationID,
		CorrelationID:  req.CorrelationID,
	}, req.Capabilities, &publisherEvents{pub: pub})

	byName := make(map[string]*capability.Bound, len(bound))
	tools := make([]llm.Tool, 0, len(bound))
	for _, b := range bound {
		byName[b.Name] = b
		tools = append(tools, llm.NewTool(b.Name, b.Description, b.InputSchema))
	}

	messages, err = l.runToolPasses(ctx, req, messages, tools, byName)
	if err != nil {
		return nil, err
	}

	text, citedIDs, err := l.finalCall(ctx, messages, actives, pub)
	if err != nil {
		return nil, err
	}

	if len(citedIDs) > 0 {
		if err := l.memories.RecordCitation(ctx, citedIDs); err != nil {
			return nil, fmt.Errorf("record citations: %w", err)
		}
	}

	turn, err := l.conversations.AppendTurn(ctx, &conversation.Turn{
		ConversationID: req.ConversationID,
		AuthorID:       "assistant",
		Role:           conversation.RoleAssistant,
		Content:        text,
		CorrelationID:  req.CorrelationID,
		CitedMemoryIDs: citedIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("persist assistant turn: %w", err)
	}

	pub.PublishComplete(text, l.resolveCitations(ctx, citedIDs))

	l.logger.Info("turn complete",
		"conversation_id", req.ConversationID,
		"correlation_id", req.CorrelationID,
		"cited", len(citedIDs),
	)
	return &Result{Text: text, CitedMemoryIDs: citedIDs, TurnID: turn.ID}, nil
}

// runToolPasses drives the bounded tool loop. Each pass streams one
// model call; accumulated tool calls execute concurrently and their
// results feed the next pass. Returns the extended message list once
// the model stops calling tools or the pass budget runs out.
func (l *Loop) runToolPasses(ctx context.Context, req Request, messages []llm.Message,
	tools []llm.Tool, byName map[string]*capability.Bound) ([]llm.Message, error) {

	if len(tools) == 0 {
		return messages, nil
	}

	for pass := 0; pass < l.maxPasses; pass++ {
		resp, err := l.client.ChatStream(ctx, &llm.ChatRequest{
			Model:    l.model,
			Messages: messages,
			Tools:    tools,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("model call (pass %d): %w", pass+1, err)
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			return messages, nil
		}

		l.logger.Debug("executing tool batch",
			"correlation_id", req.CorrelationID,
			"pass", pass+1,
			"calls", len(calls),
		)

		// The assistant's partial turn, raw tool-call descriptors
		// included, joins the running list before the results do.
		messages = append(messages, resp.Message)

		results := make([]llm.Message, len(calls))
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = llm.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    l.executeCall(gctx, call, byName),
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		messages = append(messages, results...)
	}

	l.logger.Warn("tool pass budget exhausted, forcing final answer",
		"correlation_id", req.CorrelationID, "passes", l.maxPasses)
	return messages, nil
}

// executeCall runs one accumulated tool call. Failures of any kind
// become textual error content in the result slot so the model can
// decide how to recover; they never abort the loop.
func (l *Loop) executeCall(ctx context.Context, call llm.ToolCall, byName map[string]*capability.Bound) string {
	b, ok := byName[call.Function.Name]
	if !ok {
		return fmt.Sprintf("error: unknown capability %q", call.Function.Name)
	}
	args, err := call.Args()
	if err != nil {
		return "error: " + err.Error()
	}
	output, err := b.Invoke(ctx, args)
	if err != nil {
		return "error: " + err.Error()
	}
	return output
}

// finalCall issues the strict structured-output call and streams the
// response field's characters to the subscriber as they arrive.
func (l *Loop) finalCall(ctx context.Context, messages []llm.Message,
	actives []*memory.Memory, pub stream.Publisher) (string, []string, error) {

	activeIDs := make([]string, 0, len(actives))
	for _, m := range actives {
		activeIDs = append(activeIDs, m.ID)
	}

	scanner := &respFieldScanner{}
	resp, err := l.client.ChatStream(ctx, &llm.ChatRequest{
		Model:          l.model,
		Messages:       messages,
		ResponseFormat: llm.StructuredFormat("assistant_reply", replySchema(activeIDs)),
	}, func(ev llm.StreamEvent) {
		if ev.Kind != llm.KindToken {
			return
		}
		if out := scanner.feed(ev.Token); out != "" {
			pub.PublishTextDelta(out)
		}
	})
	if err != nil {
		return "", nil, fmt.Errorf("final model call: %w", err)
	}

	var parsed reply
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		// Degraded but non-fatal: the raw payload becomes the reply.
		l.logger.Warn("final payload was not valid JSON, using raw text", "error", err)
		return resp.Message.Content, nil, nil
	}
	return parsed.Response, parsed.MemoriesReferenced, nil
}

// resolveCitations maps cited ids to (id, content) pairs for the
// completion event, marking any memory soft-deleted since the model
// cited it.
func (l *Loop) resolveCitations(ctx context.Context, ids []string) []stream.CitedMemory {
	if len(ids) == 0 {
		return nil
	}
	cited := make([]stream.CitedMemory, 0, len(ids))
	for _, id := range ids {
		m, err := l.memories.Get(ctx, id)
		if err != nil {
			l.logger.Warn("cited memory not resolvable", "memory_id", id, "error", err)
			continue
		}
		cited = append(cited, stream.CitedMemory{
			ID:      m.ID,
			Content: m.Content,
			Deleted: !m.Active(),
		})
	}
	return cited
}

// publisherEvents forwards capability lifecycle events to the turn's
// stream channel.
type publisherEvents struct {
	pub stream.Publisher
}

func (p *publisherEvents) CapabilityStarted(name string) {
	p.pub.PublishToolStarted(name)
}

func (p *publisherEvents) CapabilityCompleted(name, _ string, err error) {
	p.pub.PublishToolCompleted(name, err)
}
