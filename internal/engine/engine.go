// Package engine hides which model server answers chat and embedding
// requests. Ollama serves local models; any OpenAI-compatible API can
// stand in for it.
package engine

import (
	"context"
	"errors"
)

// ErrPullUnsupported is returned by backends that cannot download models.
var ErrPullUnsupported = errors.New("model pull not supported by this backend")

// Engine is what the intent extractor, the embedder and the startup check
// need from a model server.
type Engine interface {
	// Chat returns the assistant reply. A non-nil jsonSchema asks for a
	// reply that is a JSON document of that shape.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	// PullModel downloads name. onProgress may be nil.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat turn. Its layout matches ollama.Message so the two
// convert directly.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is a JSON-schema object in the subset both backends accept for
// structured output.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is one field of a Schema; Items describes array elements.
type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
