package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/qcluster/internal/engine"
)

// DefaultTimeout bounds one extraction call when none is configured.
const DefaultTimeout = 10 * time.Second

// Chatter is the completion call the extractor needs. engine.Engine
// satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Extractor turns a raw message into an Analysis using a chat model.
type Extractor struct {
	client  Chatter
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExtractor creates an Extractor. A non-positive timeout selects
// DefaultTimeout.
func NewExtractor(client Chatter, model string, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{client: client, model: model, timeout: timeout, logger: slog.Default()}
}

// Analyze makes one completion call and parses it. It never panics or
// returns a bare error: failures come back in Result.Err wrapping
// ErrExtraction, and the caller decides to use Fallback.
func (e *Extractor) Analyze(ctx context.Context, message string, history []engine.Message) Result {
	if strings.TrimSpace(message) == "" {
		return Result{Err: fmt.Errorf("%w: empty message", ErrExtraction)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(message, history), analysisSchema())
	if err != nil {
		e.logger.Warn("intent extraction chat failed", "error", err)
		return Result{Err: fmt.Errorf("%w: %w", ErrExtraction, err)}
	}

	a, err := Parse(message, raw)
	if err != nil {
		e.logger.Warn("intent extraction response rejected", "error", err, "response", raw)
		return Result{Err: err}
	}
	return Result{Analysis: a}
}
