// Package memory holds the in-process job store. Jobs live in memory only;
// durability across restarts is explicitly out of scope for job state.
package memory

import (
	"context"
	"sync"

	"github.com/docrag/intake/internal/intake"
)

// JobStore keeps active jobs in a map and terminal jobs in a bounded
// history ring. When the ring is full the oldest terminal job is evicted.
type JobStore struct {
	mu      sync.RWMutex
	active  map[string]*intake.Job
	history map[string]*intake.Job
	order   []string
	limit   int
	clock   intake.Clock
}

// NewJobStore builds a store retaining up to historyLimit terminal jobs.
// A non-positive limit falls back to 100.
func NewJobStore(historyLimit int, clock intake.Clock) *JobStore {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &JobStore{
		active:  make(map[string]*intake.Job),
		history: make(map[string]*intake.Job),
		limit:   historyLimit,
		clock:   clock,
	}
}

// CreateJob implements intake.JobStore.
func (s *JobStore) CreateJob(_ context.Context, job intake.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := job
	s.active[job.ID] = &stored
	return nil
}

// GetJob implements intake.JobStore. Terminal jobs remain visible until
// evicted from the history ring.
func (s *JobStore) GetJob(_ context.Context, id string) (intake.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job, ok := s.active[id]; ok {
		return *job, nil
	}
	if job, ok := s.history[id]; ok {
		return *job, nil
	}
	return intake.Job{}, intake.ErrJobNotFound
}

// ListActiveJobs implements intake.JobStore.
func (s *JobStore) ListActiveJobs(_ context.Context) ([]intake.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]intake.Job, 0, len(s.active))
	for _, job := range s.active {
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// MarkRunning implements intake.JobStore.
func (s *JobStore) MarkRunning(_ context.Context, id string) (intake.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.active[id]
	if !ok {
		return intake.Job{}, intake.ErrJobNotFound
	}
	now := s.clock.Now()
	job.Status = intake.JobStatusRunning
	job.StartedAt = &now
	return *job, nil
}

// CompleteJob implements intake.JobStore, moving the job into the history
// ring.
func (s *JobStore) CompleteJob(_ context.Context, id string, status intake.JobStatus, result *intake.Result, errText string) (intake.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.active[id]
	if !ok {
		return intake.Job{}, intake.ErrJobNotFound
	}
	now := s.clock.Now()
	job.Status = status
	job.Result = result
	job.ErrorText = errText
	job.CompletedAt = &now

	delete(s.active, id)
	s.remember(job)
	return *job, nil
}

// SetWebhookOutcome implements intake.JobStore. The job is usually terminal
// by the time the dispatcher reports, so the history ring is checked first.
func (s *JobStore) SetWebhookOutcome(_ context.Context, id string, delivered bool, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.history[id]
	if !ok {
		if job, ok = s.active[id]; !ok {
			return intake.ErrJobNotFound
		}
	}
	d := delivered
	job.WebhookDelivered = &d
	job.WebhookError = errText
	return nil
}

// ActiveCounts implements intake.JobStore.
func (s *JobStore) ActiveCounts(_ context.Context) (queued, running int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.active {
		switch job.Status {
		case intake.JobStatusQueued:
			queued++
		case intake.JobStatusRunning:
			running++
		}
	}
	return queued, running
}

// remember appends to the ring, evicting the oldest entry when full.
// Callers hold the write lock.
func (s *JobStore) remember(job *intake.Job) {
	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.history, oldest)
	}
	s.history[job.ID] = job
	s.order = append(s.order, job.ID)
}
