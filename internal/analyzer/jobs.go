package analyzer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// Analysis jobs are ephemeral: they live in memory, not in the job
// store, and terminal records are garbage collected after a grace
// period. Restarting the process loses them, which callers handle by
// resubmitting.

const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"

	// DefaultJobMaxAge is how long terminal jobs stay queryable.
	DefaultJobMaxAge = time.Hour
)

// Job tracks one asynchronous analysis.
type Job struct {
	ID          string     `json:"job_id"`
	Status      string     `json:"status"`
	ProgressPct int        `json:"progress_pct"`
	Message     string     `json:"message,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      *Analysis  `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`

	cancel context.CancelFunc
}

func (j *Job) clone() *Job {
	out := *j
	out.cancel = nil
	return &out
}

// JobService runs analyses in the background and tracks them in
// memory.
type JobService struct {
	analyzer *Analyzer
	maxAge   time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewJobService wires the service. maxAge <= 0 selects the default.
func NewJobService(analyzer *Analyzer, maxAge time.Duration, logger *slog.Logger) *JobService {
	if maxAge <= 0 {
		maxAge = DefaultJobMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		analyzer: analyzer,
		maxAge:   maxAge,
		logger:   logger,
		jobs:     make(map[string]*Job),
	}
}

// Submit starts an analysis in the background and returns its job id.
func (s *JobService) Submit(ctx context.Context, req *Request) (string, error) {
	if req.Document == "" {
		return "", dferrors.ValidationError("document is required", nil)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobPending,
		Filename:  req.Filename,
		CreatedAt: time.Now().UTC(),
		cancel:    cancel,
	}

	s.mu.Lock()
	s.gcLocked()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(jobCtx, job.ID, req)

	s.logger.Info("analysis_job_submitted",
		slog.String("job_id", job.ID),
		slog.String("filename", req.Filename),
		slog.Int("size_bytes", len(req.Document)))
	return job.ID, nil
}

func (s *JobService) run(ctx context.Context, jobID string, req *Request) {
	defer s.wg.Done()

	now := time.Now().UTC()
	if !s.transition(jobID, func(j *Job) {
		j.Status = JobProcessing
		j.StartedAt = &now
		j.ProgressPct = 10
		j.Message = "analyzing"
	}) {
		// Cancelled before it started.
		return
	}

	result, err := s.analyzer.Analyze(ctx, req)

	finished := time.Now().UTC()
	s.transition(jobID, func(j *Job) {
		j.FinishedAt = &finished
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
			j.Message = "analysis failed"
			return
		}
		j.Status = JobCompleted
		j.ProgressPct = 100
		j.Message = "analysis complete"
		j.Result = result
	})

	if err != nil {
		s.logger.Warn("analysis_job_failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("analysis_job_done",
		slog.String("job_id", jobID),
		slog.Duration("duration", finished.Sub(now)))
}

// transition applies fn to the job under the lock. It reports false
// when the job no longer exists.
func (s *JobService) transition(jobID string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	fn(job)
	return true
}

// Get returns a snapshot of one job.
func (s *JobService) Get(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, dferrors.NotFoundError(dferrors.ErrCodeJobNotFound, "analysis job not found: "+jobID)
	}
	return job.clone(), nil
}

// List returns snapshots of all jobs, newest first.
func (s *JobService) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel removes the job record and signals its context. Work already
// running is not preempted beyond context cancellation.
func (s *JobService) Cancel(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return dferrors.NotFoundError(dferrors.ErrCodeJobNotFound, "analysis job not found: "+jobID)
	}
	if job.cancel != nil {
		job.cancel()
	}
	s.logger.Info("analysis_job_cancelled", slog.String("job_id", jobID))
	return nil
}

// Close waits for in-flight analyses to finish.
func (s *JobService) Close() {
	s.wg.Wait()
}

// gcLocked drops terminal jobs older than the max age. Caller holds
// the lock.
func (s *JobService) gcLocked() {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	for id, job := range s.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}
