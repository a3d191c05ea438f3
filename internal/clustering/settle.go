package clustering

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/qcluster/internal/vectorstore"
)

// Settler waits for a freshly written id to become readable. It reports
// whether the id was seen; a false result is not an error.
type Settler interface {
	Settle(ctx context.Context, store vectorstore.Store, id string) bool
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollSettler fetches the id until it is visible, doubling the wait after
// each miss.
type PollSettler struct {
	Initial     time.Duration
	MaxAttempts int
	Sleep       SleepFunc
}

// NewPollSettler returns a PollSettler; zero values select 250ms and 5 attempts.
func NewPollSettler(initial time.Duration, maxAttempts int) *PollSettler {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PollSettler{Initial: initial, MaxAttempts: maxAttempts}
}

func (p *PollSettler) Settle(ctx context.Context, store vectorstore.Store, id string) bool {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := p.Initial
	for attempt := 1; ; attempt++ {
		recs, err := store.Fetch(ctx, []string{id})
		if err == nil && len(recs) == 1 && recs[0] != nil {
			return true
		}
		if err != nil {
			slog.Debug("settle fetch failed", "question_id", id, "attempt", attempt, "error", err)
		}
		if attempt >= p.MaxAttempts {
			slog.Warn("question not visible after settle attempts", "question_id", id, "attempts", attempt)
			return false
		}
		if err := sleep(ctx, delay); err != nil {
			return false
		}
		delay *= 2
	}
}

// FixedSettler sleeps once for Delay and reports success without checking.
type FixedSettler struct {
	Delay time.Duration
	Sleep SleepFunc
}

func (f FixedSettler) Settle(ctx context.Context, _ vectorstore.Store, _ string) bool {
	sleep := f.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return sleep(ctx, f.Delay) == nil
}
