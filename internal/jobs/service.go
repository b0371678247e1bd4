// Package jobs runs the durable FIFO of typed background jobs.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/store"
)

// DefaultPollInterval is how often an idle worker checks for pending
// jobs.
const DefaultPollInterval = time.Second

// Handler processes one claimed job. The returned error fails the
// job; there are no automatic retries, operators resubmit.
type Handler func(ctx context.Context, job *store.Job, progress func(pct int)) error

// Stats is the queue_stats view.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Service creates jobs and runs the worker poll loop. Handlers are
// registered at process startup, before Run.
type Service struct {
	store  *store.SQLiteStore
	logger *slog.Logger
	poll   time.Duration

	mu       sync.RWMutex
	handlers map[store.JobType]Handler
}

// NewService creates a job service.
func NewService(st *store.SQLiteStore, poll time.Duration, logger *slog.Logger) *Service {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		logger:   logger,
		poll:     poll,
		handlers: make(map[store.JobType]Handler),
	}
}

// Register binds a handler to a job type.
func (s *Service) Register(jobType store.JobType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

// Create enqueues a job and returns its id. The payload is stored as
// JSON.
func (s *Service) Create(ctx context.Context, jobType store.JobType, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", dferrors.ValidationError("job payload is not serializable", err)
	}

	job := &store.Job{
		JobID:   uuid.NewString(),
		Type:    jobType,
		Payload: string(body),
		Status:  store.JobStatusPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	s.logger.Info("job_created",
		slog.String("job_id", job.JobID),
		slog.String("type", string(jobType)))
	return job.JobID, nil
}

// Get returns a job view.
func (s *Service) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Stats returns per-status job counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for _, entry := range []struct {
		status store.JobStatus
		dst    *int64
	}{
		{store.JobStatusPending, &stats.Pending},
		{store.JobStatusRunning, &stats.Running},
		{store.JobStatusCompleted, &stats.Completed},
		{store.JobStatusFailed, &stats.Failed},
	} {
		n, err := s.store.CountJobs(ctx, entry.status)
		if err != nil {
			return nil, err
		}
		*entry.dst = n
	}
	return stats, nil
}

// Run polls for pending jobs until the context is cancelled. Multiple
// workers may share the database; the atomic claim prevents duplicate
// processing.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("worker_started", slog.Duration("poll_interval", s.poll))
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		// Drain the queue before going back to sleep.
		for {
			worked, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("job_claim_failed", slog.String("error", err.Error()))
				break
			}
			if !worked {
				break
			}
		}

		select {
		case <-ctx.Done():
			s.logger.Info("worker_stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one job. Returns whether a job
// was processed.
func (s *Service) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimNextJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	s.logger.Info("job_claimed",
		slog.String("job_id", job.JobID),
		slog.String("type", string(job.Type)))

	s.mu.RLock()
	handler, ok := s.handlers[job.Type]
	s.mu.RUnlock()
	if !ok {
		err := fmt.Sprintf("no handler registered for job type %q", job.Type)
		if failErr := s.store.FailJob(ctx, job.JobID, err); failErr != nil {
			s.logger.Error("job_fail_write_failed", slog.String("error", failErr.Error()))
		}
		s.logger.Error("job_unhandled",
			slog.String("job_id", job.JobID),
			slog.String("type", string(job.Type)))
		return true, nil
	}

	progress := func(p int) {
		if err := s.store.UpdateJobProgress(ctx, job.JobID, p); err != nil {
			s.logger.Warn("job_progress_write_failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	if err := s.runHandler(ctx, handler, job, progress); err != nil {
		if failErr := s.store.FailJob(ctx, job.JobID, err.Error()); failErr != nil {
			s.logger.Error("job_fail_write_failed", slog.String("error", failErr.Error()))
		}
		s.logger.Error("job_failed",
			slog.String("job_id", job.JobID),
			slog.String("type", string(job.Type)),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return true, nil
	}

	if err := s.store.CompleteJob(ctx, job.JobID); err != nil {
		s.logger.Error("job_complete_write_failed", slog.String("error", err.Error()))
		return true, nil
	}
	s.logger.Info("job_completed",
		slog.String("job_id", job.JobID),
		slog.String("type", string(job.Type)),
		slog.Duration("duration", time.Since(start)))
	return true, nil
}

// runHandler converts a handler panic into a job failure instead of
// taking down the worker.
func (s *Service) runHandler(ctx context.Context, h Handler, job *store.Job, progress func(int)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job, progress)
}
