package agent

import (
	"fmt"
	"strings"

	"github.com/plannerly/engram/internal/identity"
	"github.com/plannerly/engram/internal/memory"
)

const basePrompt = `You are Engram, a personal assistant for educators. You help plan
lessons, organize materials, and keep track of what matters to the
person you work with. Be warm, direct, and concrete. Use the durable
facts listed below when they are relevant, and cite every one you rely
on by its id.`

const initiationPrompt = `This is a brand-new conversation with no prior messages. Open it:
greet the user personally and offer a useful starting point based on
what you know about them. Do not wait for them to speak first.`

// buildSystemPrompt assembles the system context: persona, identity
// facts, and the id-tagged active memory listing the model cites from.
func buildSystemPrompt(ident *identity.Identity, memories []*memory.Memory, initiation bool) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	b.WriteString("\n\n## About the user\n")
	fmt.Fprintf(&b, "Name: %s\n", ident.DisplayName)
	if ident.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", ident.Email)
	}

	if len(memories) > 0 {
		b.WriteString("\n## Durable facts about this user\n")
		b.WriteString("Cite the id of every fact you use in memoriesReferenced.\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.ID, m.Content)
		}
	} else {
		b.WriteString("\nNo durable facts are stored for this user yet.\n")
	}

	if initiation {
		b.WriteString("\n" + initiationPrompt)
	}
	return b.String()
}

// replySchema builds the strict output contract for the final call.
// The memoriesReferenced items are constrained to an enumeration of
// exactly the active memory ids visible in this call, so the model
// cannot cite an id that does not exist. With zero active memories the
// field stays a required, unconstrained string array.
func replySchema(activeIDs []string) map[string]any {
	items := map[string]any{"type": "string"}
	if len(activeIDs) > 0 {
		items["enum"] = activeIDs
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response": map[string]any{
				"type":        "string",
				"description": "The assistant's reply to the user.",
			},
			"memoriesReferenced": map[string]any{
				"type":        "array",
				"description": "Ids of the durable facts used to produce this reply.",
				"items":       items,
			},
		},
		"required":             []string{"response", "memoriesReferenced"},
		"additionalProperties": false,
	}
}
