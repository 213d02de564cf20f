package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-capture/internal/product"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := product.Job{ID: "job-1", URL: "https://shop.test/p/1", Status: product.JobStatusQueued, CreatedAt: created}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	job.Status = product.JobStatusCompleted
	job.Result = &product.MergedRecord{ProductName: "Widget"}
	job.LastError = &product.JobError{Code: product.FailureUnknown}
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, product.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "Widget", got.Result.ProductName)

	got.Result.ProductName = "changed"
	got.LastError.Code = product.FailureCancelled
	again, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Widget", again.Result.ProductName, "stored result must not alias caller copy")
	assert.Equal(t, product.FailureUnknown, again.LastError.Code)

	require.NoError(t, store.DeleteJob(ctx, job.ID))
	_, err = store.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, product.ErrJobNotFound)
	require.ErrorIs(t, store.DeleteJob(ctx, job.ID), product.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJob(ctx, job), product.ErrJobNotFound)
}

func TestJobStoreListJobs(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs := []product.Job{
		{ID: "c", Status: product.JobStatusQueued, CreatedAt: base.Add(2 * time.Second)},
		{ID: "a", Status: product.JobStatusProcessing, CreatedAt: base},
		{ID: "b", Status: product.JobStatusFailed, CreatedAt: base.Add(time.Second)},
	}
	for _, job := range jobs {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	all, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	active, err := store.ListJobs(ctx, product.JobStatusQueued, product.JobStatusProcessing)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
}

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	data := []byte("png-bytes")
	uri, err := store.PutObject(context.Background(), "screenshots/job-1/attempt-1.png", "image/png", data)
	require.NoError(t, err)
	assert.Equal(t, "memory://screenshots/job-1/attempt-1.png", uri)

	data[0] = 'X'
	got, contentType, ok := store.Object("screenshots/job-1/attempt-1.png")
	require.True(t, ok)
	assert.Equal(t, "png-bytes", string(got))
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, 1, store.Len())

	_, err = store.PutObject(context.Background(), " ", "image/png", data)
	require.Error(t, err)
}
