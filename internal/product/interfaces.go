package product

import (
	"context"
	"time"
)

// JobStore persists jobs so they survive restarts and can be inspected after
// completion.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, statuses ...JobStatus) ([]Job, error)
}

// BlobStore writes binary artifacts (screenshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Cache maps a fingerprint to a previously merged record.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (MergedRecord, bool, error)
	Put(ctx context.Context, fingerprint string, record MergedRecord) error
}

// Hasher computes digests for fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
