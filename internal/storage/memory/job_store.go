// Package memory keeps jobs and blobs in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/product-capture/internal/product"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]product.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]product.Job),
	}
}

// CreateJob stores a new job. IDs must be unique.
func (s *JobStore) CreateJob(_ context.Context, job product.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces the stored job with the same ID.
func (s *JobStore) UpdateJob(_ context.Context, job product.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("update %s: %w", job.ID, product.ErrJobNotFound)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (product.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return product.Job{}, fmt.Errorf("get %s: %w", jobID, product.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

// DeleteJob removes a job. Deleting an unknown job is an error.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("delete %s: %w", jobID, product.ErrJobNotFound)
	}
	delete(s.jobs, jobID)
	return nil
}

// ListJobs returns jobs ordered by creation time, optionally filtered by status.
func (s *JobStore) ListJobs(_ context.Context, statuses ...product.JobStatus) ([]product.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]product.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(statuses) > 0 && !slices.Contains(statuses, job.Status) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	slices.SortFunc(out, func(a, b product.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

// cloneJob copies the pointer fields so callers cannot mutate stored state.
func cloneJob(job product.Job) product.Job {
	if job.StartedAt != nil {
		started := *job.StartedAt
		job.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		job.FinishedAt = &finished
	}
	if job.Result != nil {
		result := *job.Result
		job.Result = &result
	}
	if job.LastError != nil {
		lastErr := *job.LastError
		job.LastError = &lastErr
	}
	return job
}
