package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// EventProcessor runs a document event. Implemented by Engine.
type EventProcessor interface {
	ProcessDocumentEvent(ctx context.Context, doctype, docname, event, user string) (EventResult, error)
}

// Worker processes document_event jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	processor EventProcessor
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, processor EventProcessor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		processor: processor,
		poll:      pollInterval,
		logger:    slog.Default(),
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

// RunOnce claims and processes a single document_event job.
// Returns true if a job was processed (regardless of success/failure).
// Failed jobs are retried by the queue with exponential backoff.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobDocumentEvent})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload eventPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Doctype == "" || payload.Docname == "" || payload.Event == "" {
		return fmt.Errorf("job %s: incomplete document event payload", job.ID)
	}

	ctx = audit.WithActor(ctx, payload.User, "")
	res, err := w.processor.ProcessDocumentEvent(ctx, payload.Doctype, payload.Docname, payload.Event, payload.User)
	if err != nil {
		return fmt.Errorf("processing %s %s %s: %w", payload.Doctype, payload.Docname, payload.Event, err)
	}
	w.logger.Debug("document event processed",
		"job_id", job.ID,
		"doctype", payload.Doctype,
		"docname", payload.Docname,
		"event", payload.Event,
		"workflows", res.WorkflowsExecuted,
		"rules", len(res.Rules))
	return nil
}
