package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kalambet/qcluster/internal/engine"
	"golang.org/x/sync/errgroup"
)

// ErrEmbedding wraps every failure to turn text into a vector, including
// timeouts and dimension mismatches.
var ErrEmbedding = errors.New("embedding error")

// DefaultTimeout bounds a single Embed call when none is configured.
const DefaultTimeout = 15 * time.Second

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine  engine.Engine
	model   string
	timeout time.Duration
	dim     atomic.Int64
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// A non-positive timeout selects DefaultTimeout.
func NewEmbedder(e engine.Engine, model string, timeout time.Duration) *Embedder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Embedder{engine: e, model: model, timeout: timeout}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Dimension returns the vector length seen on the first successful call, or
// 0 before any call succeeded.
func (e *Embedder) Dimension() int { return int(e.dim.Load()) }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbedding)
	}
	if err := e.checkDimension(len(vec)); err != nil {
		return nil, err
	}
	return vec, nil
}

// checkDimension pins the first observed dimension. Every stored vector must
// have the same length or similarity scores become meaningless.
func (e *Embedder) checkDimension(n int) error {
	if e.dim.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if want := e.dim.Load(); int64(n) != want {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbedding, n, want)
	}
	return nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
