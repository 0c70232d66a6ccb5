package rag

import (
	"fmt"
	"strings"

	"github.com/kotae-ai/kotae/internal/models"
)

// noContextNotice is included in the prompt when retrieval finds nothing, so
// the model says so instead of fabricating an answer.
const noContextNotice = "No relevant context was found in the knowledge base for this question. " +
	"Say that you could not find relevant information rather than guessing."

// composePrompt builds the generation prompt from the instruction template,
// recent conversation history, the retrieved passages in descending-similarity
// order (each attributed as a numbered passage with its relevance score), and
// the raw query.
func composePrompt(history []models.ChatMessage, context models.RetrievedContext, query string) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant. Use the conversation so far and the ")
	b.WriteString("knowledge base context below to answer. Only rely on the numbered ")
	b.WriteString("passages for facts about the knowledge base.\n\n")

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
		b.WriteByte('\n')
	}

	b.WriteString("Knowledge base context:\n")
	if len(context) == 0 {
		b.WriteString(noContextNotice)
		b.WriteByte('\n')
	} else {
		for i, sc := range context {
			fmt.Fprintf(&b, "Passage %d (relevance %.2f):\n%s\n\n", i+1, sc.Score, sc.Segment.Content)
		}
	}

	fmt.Fprintf(&b, "\n%s: %s\n%s:", models.RoleUser, query, models.RoleAssistant)
	return b.String()
}
