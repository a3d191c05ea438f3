package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// ErrBackendDown is returned by EnsureReady when the backend does not answer.
var ErrBackendDown = errors.New("inference backend is not reachable")

const warmUpTimeout = 30 * time.Second

// EnsureReady makes sure the chat and embedding models can be used before the
// first message arrives. Missing models are pulled when the backend can pull,
// reporting progress to w, and the chat model then answers one throwaway
// prompt so it is loaded. A failed warm-up is reported but not returned.
func EnsureReady(ctx context.Context, e Engine, chatModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return ErrBackendDown
	}

	for _, model := range slices.Compact([]string{chatModel, embedModel}) {
		if model == "" {
			continue
		}
		if err := ensureModel(ctx, e, model, w); err != nil {
			return err
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if chatModel != "" {
		warm, cancel := context.WithTimeout(ctx, warmUpTimeout)
		defer cancel()
		if _, err := e.Chat(warm, chatModel, []Message{{Role: RoleUser, Content: "ping"}}, nil); err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", chatModel, err)
		}
	}
	return nil
}

func ensureModel(ctx context.Context, e Engine, model string, w io.Writer) error {
	if e.HasModel(ctx, model) {
		return nil
	}
	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := e.PullModel(ctx, model, func(p PullProgress) { fmt.Fprintln(w, " ", progressLine(p)) })
	switch {
	case errors.Is(err, ErrPullUnsupported):
		return fmt.Errorf("model %s is not available on this backend", model)
	case err != nil:
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	return nil
}

func progressLine(p PullProgress) string {
	if p.Total <= 0 {
		return p.Status
	}
	return fmt.Sprintf("%s %d%%", p.Status, p.Completed*100/p.Total)
}
