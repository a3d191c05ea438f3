package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/qcluster/internal/engine"
)

// HistoryLimit is how many prior messages the extractor sees.
const HistoryLimit = 5

const systemPromptTemplate = `You analyze chat messages sent by fans to a fitness creator. Split the message into the distinct questions it asks and the surrounding context.

Return ONLY a JSON object, with no markdown fences and no prose, with exactly these fields:
- "message": the original message, verbatim
- "questions": array of strings, each one self-contained question rewritten so it can be understood without the rest of the message; empty array when the message asks nothing
- "context": string with the non-question part of the message (background, feelings, situation); empty string when there is none
- "topic": one of "fitness", "nutrition", "training", "recovery", "lifestyle", "general"
- "tone": one of "neutral", "excited", "frustrated", "confused", "worried"
- "tags": array of short lowercase labels describing the message

Use the recent conversation only to resolve references such as "it" or "that one"; never extract questions from it.`

// BuildPrompt renders the extraction request. At most HistoryLimit of the
// most recent history entries are included, one "role: content" line each.
func BuildPrompt(message string, history []engine.Message) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)

	recent := history
	if len(recent) > HistoryLimit {
		recent = recent[len(recent)-HistoryLimit:]
	}
	if len(recent) > 0 {
		sb.WriteString("\n\n[Recent conversation]\n")
		for _, m := range recent {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
	}

	return []engine.Message{
		{Role: engine.RoleSystem, Content: strings.TrimRight(sb.String(), "\n")},
		{Role: engine.RoleUser, Content: message},
	}
}

// analysisSchema is the structured-output hint sent with every request.
func analysisSchema() *engine.Schema {
	str := &engine.SchemaProperty{Type: "string"}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"message":   {Type: "string", Description: "The original message"},
			"questions": {Type: "array", Items: str, Description: "Distinct self-contained questions"},
			"context":   {Type: "string", Description: "Non-question content"},
			"topic":     {Type: "string", Enum: topics},
			"tone":      {Type: "string", Enum: tones},
			"tags":      {Type: "array", Items: str},
		},
		Required: []string{"message", "questions", "context", "topic", "tone", "tags"},
	}
}
