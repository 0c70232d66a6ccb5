package rag

import (
	"strings"
	"testing"

	"github.com/kotae-ai/kotae/internal/models"
)

func TestComposePrompt_passagesInOrder(t *testing.T) {
	context := models.RetrievedContext{
		{Segment: models.Segment{Content: "first passage"}, Score: 0.91},
		{Segment: models.Segment{Content: "second passage"}, Score: 0.42},
	}
	prompt := composePrompt(nil, context, "what is this?")

	for _, want := range []string{"first passage", "second passage", "relevance 0.91", "relevance 0.42"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Index(prompt, "first passage") > strings.Index(prompt, "second passage") {
		t.Error("passages not in similarity order")
	}
	if !strings.Contains(prompt, "User: what is this?") {
		t.Error("prompt missing query line")
	}
	if !strings.HasSuffix(prompt, "Assistant:") {
		t.Errorf("prompt does not end with assistant cue: %q", prompt[len(prompt)-20:])
	}
}

func TestComposePrompt_emptyContext(t *testing.T) {
	prompt := composePrompt(nil, nil, "anything?")
	if !strings.Contains(prompt, noContextNotice) {
		t.Error("prompt missing no-context notice")
	}
}

func TestComposePrompt_history(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "earlier question"},
		{Role: models.RoleAssistant, Content: "earlier answer"},
	}
	prompt := composePrompt(history, nil, "follow-up")
	if !strings.Contains(prompt, "Conversation so far:") {
		t.Error("prompt missing history header")
	}
	if !strings.Contains(prompt, "User: earlier question") || !strings.Contains(prompt, "Assistant: earlier answer") {
		t.Error("prompt missing history lines")
	}

	noHistory := composePrompt(nil, nil, "follow-up")
	if strings.Contains(noHistory, "Conversation so far:") {
		t.Error("empty history should omit the header")
	}
}
