package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/plannerly/engram/internal/conversation"
)

// handleConversationExport renders a conversation transcript as a
// standalone HTML document. Assistant replies are markdown; the rest
// of the transcript is wrapped around them.
func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	turns, err := s.conversations.Turns(r.Context(), conv.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	md := transcriptMarkdown(conv, turns)
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, md)
		return
	}

	html, err := transcriptHTML(conv.Title, md)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, html)
}

func transcriptMarkdown(conv *conversation.Conversation, turns []*conversation.Turn) string {
	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", conv.Title)
	fmt.Fprintf(&md, "_Exported %s_\n\n", conv.UpdatedAt.Format("2006-01-02 15:04 MST"))
	for _, t := range turns {
		label := "You"
		if t.Role == conversation.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&md, "**%s**\n\n%s\n\n", label, t.Content)
		if len(t.CitedMemoryIDs) > 0 {
			fmt.Fprintf(&md, "_Used %d stored fact(s)._\n\n", len(t.CitedMemoryIDs))
		}
		md.WriteString("---\n\n")
	}
	return md.String()
}

// transcriptHTML renders the markdown transcript as a standalone
// document with no external resources.
func transcriptHTML(title, md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 42em; margin: 2em auto;">
%s
</body></html>`, title, buf.String()), nil
}
