package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/qcluster/internal/storage"
)

// JobTypeProcessMessage is the queue type of an asynchronous message.
const JobTypeProcessMessage = "process_message"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id, resultJSON string) error
	FailJob(id string, errMsg string) error
}

// Enqueue queues msg for the Worker and returns the job id. The job runs
// at most once: a replay would store the same questions again.
func Enqueue(jobs JobStore, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeProcessMessage,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := jobs.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing message: %w", err)
	}
	return job.ID, nil
}

// Worker processes queued messages from the SQLite job queue.
type Worker struct {
	jobs     JobStore
	orch     *Orchestrator
	sessions *SessionRegistry
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. Messages share history through sessions.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(jobs JobStore, orch *Orchestrator, sessions *SessionRegistry, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		jobs:     jobs,
		orch:     orch,
		sessions: sessions,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single message job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{JobTypeProcessMessage})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	result, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID, result); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var msg Message
	if err := json.Unmarshal([]byte(job.PayloadJSON), &msg); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}
	if msg.Text == "" {
		return "", fmt.Errorf("empty message")
	}

	res := w.orch.ProcessMessage(ctx, w.sessions.Get(msg.ChatID), msg)
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(b), nil
}
