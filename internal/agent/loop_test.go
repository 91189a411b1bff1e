package agent

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/plannerly/engram/internal/capability"
	"github.com/plannerly/engram/internal/conversation"
	"github.com/plannerly/engram/internal/identity"
	"github.com/plannerly/engram/internal/llm"
	"github.com/plannerly/engram/internal/memory"
	"github.com/plannerly/engram/internal/stream"
	_ "modernc.org/sqlite"
)

// scriptedClient replays canned responses in call order, optionally
// streaming content chunks to the callback first.
type scriptedClient struct {
	mu        sync.Mutex
	requests  []*llm.ChatRequest
	responses []*llm.ChatResponse
	chunks    [][]string // per call, streamed before returning
}

func (c *scriptedClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

func (c *scriptedClient) ChatStream(ctx context.Context, req *llm.ChatRequest, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	call := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if call >= len(c.responses) {
		return nil, fmt.Errorf("unscripted call %d", call)
	}
	if cb != nil && call < len(c.chunks) {
		for _, chunk := range c.chunks[call] {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: chunk})
		}
	}
	return c.responses[call], nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

// alwaysToolClient requests the same tool on every non-structured call.
type alwaysToolClient struct {
	mu    sync.Mutex
	calls int
}

func (c *alwaysToolClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

func (c *alwaysToolClient) ChatStream(ctx context.Context, req *llm.ChatRequest, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.ResponseFormat != nil {
		return &llm.ChatResponse{
			Message:      llm.Message{Role: "assistant", Content: `{"response":"I give up on tools.","memoriesReferenced":[]}`},
			FinishReason: "stop",
		}, nil
	}
	c.calls++
	call := llm.ToolCall{ID: fmt.Sprintf("call_%d", c.calls), Type: "function"}
	call.Function.Name = "noop"
	call.Function.Arguments = "{}"
	return &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{call}},
		FinishReason: "tool_calls",
	}, nil
}

func (c *alwaysToolClient) Ping(ctx context.Context) error { return nil }

// fakePublisher records everything published on the turn channel.
type fakePublisher struct {
	mu       sync.Mutex
	deltas   []string
	started  []string
	complete bool
	text     string
	cited    []stream.CitedMemory
	errs     []string
}

func (p *fakePublisher) PublishTextDelta(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, text)
}
func (p *fakePublisher) PublishToolStarted(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, name)
}
func (p *fakePublisher) PublishToolCompleted(name string, err error) {}
func (p *fakePublisher) PublishComplete(text string, cited []stream.CitedMemory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = true
	p.text = text
	p.cited = cited
}
func (p *fakePublisher) PublishError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, message)
}

func (p *fakePublisher) streamed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.deltas, "")
}

type loopFixture struct {
	conversations *conversation.Store
	memories      *memory.Store
	registry      *capability.Registry
	identities    identity.Provider
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	convs, err := conversation.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	mems, err := memory.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return &loopFixture{
		conversations: convs,
		memories:      mems,
		registry:      capability.NewRegistry(nil, nil),
		identities: identity.Static{
			"u1": {UserID: "u1", DisplayName: "Casey", Email: "casey@example.com"},
		},
	}
}

func (f *loopFixture) loop(client llm.Client, maxPasses int) *Loop {
	return New(client, "test-model", maxPasses, f.identities, f.conversations, f.memories, f.registry, nil)
}

func chunked(payload string, size int) []string {
	var chunks []string
	for i := 0; i < len(payload); i += size {
		end := i + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[i:end])
	}
	return chunks
}

func TestRunStreamsResponseFieldAndCites(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	conv, err := f.conversations.Create(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.conversations.AppendTurn(ctx, &conversation.Turn{
		ConversationID: conv.ID, AuthorID: "u1",
		Role: conversation.RoleUser, Content: "What grade do I teach?",
	}); err != nil {
		t.Fatal(err)
	}
	mem, err := f.memories.Create(ctx, &memory.Memory{
		UserID: "u1", Content: "User teaches 7th grade math",
	})
	if err != nil {
		t.Fatal(err)
	}

	payload := fmt.Sprintf(`{"response":"You teach 7th grade math!","memoriesReferenced":[%q]}`, mem.ID)
	client := &scriptedClient{
		responses: []*llm.ChatResponse{{
			Message:      llm.Message{Role: "assistant", Content: payload},
			FinishReason: "stop",
		}},
		chunks: [][]string{chunked(payload, 3)},
	}

	pub := &fakePublisher{}
	res, err := f.loop(client, 0).Run(ctx, Request{
		ConversationID: conv.ID,
		CorrelationID:  "corr-1",
		UserID:         "u1",
	}, pub)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Text != "You teach 7th grade math!" {
		t.Errorf("text %q", res.Text)
	}
	if pub.streamed() != "You teach 7th grade math!" {
		t.Errorf("streamed %q", pub.streamed())
	}
	if !pub.complete || pub.text != res.Text {
		t.Errorf("complete event: %v %q", pub.complete, pub.text)
	}
	if len(pub.cited) != 1 || pub.cited[0].ID != mem.ID || pub.cited[0].Deleted {
		t.Errorf("cited = %+v", pub.cited)
	}

	// The system prompt carried the id-tagged memory listing.
	sys := client.requests[0].Messages[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, mem.ID) ||
		!strings.Contains(sys.Content, "User teaches 7th grade math") {
		t.Errorf("system prompt missing memory listing:\n%s", sys.Content)
	}
	if !strings.Contains(sys.Content, "Casey") {
		t.Error("system prompt missing identity facts")
	}

	// Citation bumped the access count from 0 to 1.
	got, err := f.memories.Get(ctx, mem.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}

	// The assistant turn persisted with correlation id and citations.
	turns, err := f.conversations.Turns(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := turns[len(turns)-1]
	if last.Role != conversation.RoleAssistant || last.CorrelationID != "corr-1" {
		t.Errorf("assistant turn = %+v", last)
	}
	if len(last.CitedMemoryIDs) != 1 || last.CitedMemoryIDs[0] != mem.ID {
		t.Errorf("cited ids = %v", last.CitedMemoryIDs)
	}
}

func TestRunConstrainsCitationEnum(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	conv, _ := f.conversations.Create(ctx, "u1")
	m1, _ := f.memories.Create(ctx, &memory.Memory{UserID: "u1", Content: "fact one"})
	m2, _ := f.memories.Create(ctx, &memory.Memory{UserID: "u1", Content: "fact two"})

	client := &scriptedClient{
		responses: []*llm.ChatResponse{{
			Message: llm.Message{Role: "assistant", Content: `{"response":"hi","memoriesReferenced":[]}`},
		}},
	}
	if _, err := f.loop(client, 0).Run(ctx, Request{
		ConversationID: conv.ID, CorrelationID: "corr-1", UserID: "u1",
	}, &fakePublisher{}); err != nil {
		t.Fatal(err)
	}

	final := client.requests[len(client.requests)-1]
	if final.ResponseFormat == nil || !final.ResponseFormat.JSONSchema.Strict {
		t.Fatal("final call did not use strict structured output")
	}
	schema := final.ResponseFormat.JSONSchema.Schema
	props := schema["properties"].(map[string]any)
	items := props["memoriesReferenced"].(map[string]any)["items"].(map[string]any)
	enum, ok := items["enum"].([]string)
	if !ok {
		t.Fatalf("items = %v, want enum", items)
	}
	if len(enum) != 2 {
		t.Fatalf("enum = %v", enum)
	}
	for _, id := range []string{m1.ID, m2.ID} {
		found := false
		for _, e := range enum {
			if e == id {
				found = true
			}
		}
		if !found {
			t.Errorf("enum missing active id %s", id)
		}
	}
}

func TestRunEnumFallbackWithoutMemories(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	conv, _ := f.conversations.Create(ctx, "u1")

	client := &scriptedClient{
		responses: []*llm.ChatResponse{{
			Message: llm.Message{Role: "assistant", Content: `{"response":"hi","memoriesReferenced":[]}`},
		}},
	}
	if _, err := f.loop(client, 0).Run(ctx, Request{
		ConversationID: conv.ID, CorrelationID: "corr-1", UserID: "u1",
	}, &fakePublisher{}); err != nil {
		t.Fatal(err)
	}

	schema := client.requests[0].ResponseFormat.JSONSchema.Schema
	props := schema["properties"].(map[string]any)
	items := props["memoriesReferenced"].(map[string]any)["items"].(map[string]any)
	if _, hasEnum := items["enum"]; hasEnum {
		t.Error("zero active memories must leave the array unconstrained")
	}
	required := schema["required"].([]string)
	foundRef := false
	for _, r := range required {
		if r == "memoriesReferenced" {
			foundRef = true
		}
	}
	if !foundRef {
		t.Error("memoriesReferenced no longer required")
	}
}

func TestRunToolLoopTerminatesAtPassBudget(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	conv, _ := f.conversations.Create(ctx, "u1")
	if _, err := f.conversations.AppendTurn(ctx, &conversation.Turn{
		ConversationID: conv.ID, AuthorID: "u1", Role: conversation.RoleUser, Content: "loop forever",
	}); err != nil {
		t.Fatal(err)
	}

	f.registry.Register(capability.Capability{
		Name: "noop",
		Execute: func(ctx context.Context, args map[string]any, cc capability.Context) (string, error) {
			return "ok", nil
		},
	})

	client := &alwaysToolClient{}
	const maxPasses = 3
	res, err := f.loop(client, maxPasses).Run(ctx, Request{
		ConversationID: conv.ID, CorrelationID: "corr-1", UserID: "u1",
	}, &fakePublisher{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.calls != maxPasses {
		t.Errorf("tool passes = %d, want exactly %d", client.calls, maxPasses)
	}
	if res.Text == "" {
		t.Error("no final text after budget exhaustion")
	}
}

func TestRunToolErrorsFeedBackToModel(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	conv, _ := f.conversations.Create(ctx, "u1")
	if _, err := f.conversations.AppendTurn(ctx, &conversation.Turn{
		ConversationID: conv.ID, AuthorID: "u1", Role: conversation.RoleUser, Content: "try the tool",
	}); err != nil {
		t.Fatal(err)
	}

	f.registry.Register(capability.Capability{
		Name: "flaky",
		Execute: func(ctx context.Context, args map[string]any, cc capability.Context) (string, error) {
			return "", fmt.Errorf("upstream exploded")
		},
	})

	toolCall := llm.ToolCall{ID: "call_1", Type: "function"}
	toolCall.Function.Name = "flaky"
	toolCall.Function.Arguments = "{}"

	client := &scriptedClient{
		responses: []*llm.ChatResponse{
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{toolCall}}, FinishReason: "tool_calls"},
			{Message: llm.Message{Role: "assistant"}, FinishReason: "stop"},
			{Message: llm.Message{Role: "assistant", Content: `{"response":"Sorry, that failed.","memoriesReferenced":[]}`}},
		},
	}

	pub := &fakePublisher{}
	if _, err := f.loop(client, 0).Run(ctx, Request{
		ConversationID: conv.ID, CorrelationID: "corr-1", UserID: "u1",
	}, pub); err != nil {
		t.Fatalf("tool failure escalated: %v", err)
	}

	// The second pass saw the error text in the tool result slot.
	second := client.requests[1]
	var toolMsg *llm.Message
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result message in second pass")
	}
	if !strings.Contains(toolMsg.Content, "upstream exploded") {
		t.Errorf("tool result %q does not carry the error", toolMsg.Content)
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool result not correlated: %q", toolMsg.ToolCallID)
	}
	if len(pub.started) != 1 || pub.started[0] != "flaky" {
		t.Errorf("tool started events = %v", pub.started)
	}
}

func TestRunMalformedFinalPayloadFallsBack(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	conv, _ := f.conversations.Create(ctx, "u1")

	client := &scriptedClient{
		responses: []*llm.ChatResponse{{
			Message: llm.Message{Role: "assistant", Content: "not json at all"},
		}},
	}
	pub := &fakePublisher{}
	res, err := f.loop(client, 0).Run(ctx, Request{
		ConversationID: conv.ID, CorrelationID: "corr-1", UserID: "u1",
	}, pub)
	if err != nil {
		t.Fatalf("parse failure must be non-fatal: %v", err)
	}
	if res.Text != "not json at all" {
		t.Errorf("fallback text %q", res.Text)
	}
	if len(res.CitedMemoryIDs) != 0 {
		t.Errorf("cited = %v", res.CitedMemoryIDs)
	}
}

func TestRunPublishesErrorOnFatalFailure(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	conv, _ := f.conversations.Create(ctx, "u1")

	client := &scriptedClient{} // zero scripted responses: model call fails
	pub := &fakePublisher{}
	_, err := f.loop(client, 0).Run(ctx, Request{
		ConversationID: conv.ID, CorrelationID: "corr-1", UserID: "u1",
	}, pub)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(pub.errs) != 1 {
		t.Errorf("error events = %v", pub.errs)
	}
}
