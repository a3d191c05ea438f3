package engine

import (
	"context"

	"github.com/kalambet/qcluster/internal/ollama"
)

var _ Engine = (*OllamaEngine)(nil)

// OllamaEngine serves chat and embeddings from a local Ollama server.
// Schema already carries Ollama's structured-output JSON shape, so it is
// passed through as the request format unchanged.
type OllamaEngine struct {
	*ollama.Client
}

func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{Client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := ollama.ChatRequest{Model: model, Messages: make([]ollama.Message, len(messages))}
	for i, m := range messages {
		req.Messages[i] = ollama.Message(m)
	}
	if jsonSchema != nil {
		req.Format = jsonSchema
	}
	return e.Client.Chat(ctx, req)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.Client.PullModel(ctx, name, nil)
	}
	return e.Client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress(p))
	})
}
