package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/plannerly/engram/internal/llm"
	"github.com/plannerly/engram/internal/memory"
)

const extractionPrompt = `You maintain the durable memory of a personal assistant for
educators. Given the conversation below and the user's current stored
memories, produce the COMPLETE replacement list of memories that should
exist afterward. This is a full rewrite, not a diff.

Rules:
- Each memory is one durable fact about the user, useful across future
  conversations. Ignore small talk and one-off requests.
- A memory that merely restates an existing one: return it with that
  memory's id as its single sourceId.
- Overlapping memories that should merge: return one memory listing
  every subsumed id in sourceIds.
- A genuinely new fact: return it with empty sourceIds.
- An existing memory you leave out is deleted. Only drop facts the
  conversation contradicts or makes obsolete.
- planId may reference one of the user's plan ids when the fact is
  about that plan; otherwise use an empty string.`

// extractedMemory is one item of the model's replacement list.
type extractedMemory struct {
	Content   string   `json:"content"`
	SourceIDs []string `json:"sourceIds"`
	PlanID    string   `json:"planId"`
}

type extractionPayload struct {
	Memories []extractedMemory `json:"memories"`
}

// extractionSchema is the strict output contract for the extraction
// call.
func extractionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"memories": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":   map[string]any{"type": "string"},
						"sourceIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"planId":    map[string]any{"type": "string"},
					},
					"required":             []string{"content", "sourceIds", "planId"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"memories"},
		"additionalProperties": false,
	}
}

// extract issues the one model call that rewrites the world.
func (w *Worker) extract(ctx context.Context, transcript string, actives []*memory.Memory, planIDs []string) ([]extractedMemory, error) {
	var b strings.Builder
	b.WriteString("## Current memories\n")
	if len(actives) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range actives {
		fmt.Fprintf(&b, "- [%s] %s\n", m.ID, m.Content)
	}
	if len(planIDs) > 0 {
		b.WriteString("\n## The user's plan ids\n")
		for _, id := range planIDs {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}
	b.WriteString("\n## Conversation\n")
	b.WriteString(transcript)

	resp, err := w.client.Chat(ctx, &llm.ChatRequest{
		Model: w.model,
		Messages: []llm.Message{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: b.String()},
		},
		ResponseFormat: llm.StructuredFormat("memory_rewrite", extractionSchema()),
	})
	if err != nil {
		return nil, err
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(resp.Message.Content), &payload); err != nil {
		return nil, fmt.Errorf("decode extraction payload: %w", err)
	}
	return payload.Memories, nil
}
