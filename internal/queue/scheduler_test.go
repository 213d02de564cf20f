package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/cache"
	cachememory "github.com/JakeFAU/product-capture/internal/cache/memory"
	"github.com/JakeFAU/product-capture/internal/hash/sha256"
	"github.com/JakeFAU/product-capture/internal/pipeline"
	"github.com/JakeFAU/product-capture/internal/pool"
	"github.com/JakeFAU/product-capture/internal/probe"
	"github.com/JakeFAU/product-capture/internal/product"
	readymemory "github.com/JakeFAU/product-capture/internal/queue/memory"
	"github.com/JakeFAU/product-capture/internal/ratelimit"
	"github.com/JakeFAU/product-capture/internal/storage/memory"
)

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", g.n.Add(1)), nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type event struct {
	kind     string
	id       string
	status   product.JobStatus
	progress int
	stage    product.Stage
	code     product.FailureCode
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) JobCreated(id, _ string, _ time.Time) {
	r.add(event{kind: "created", id: id})
}

func (r *recorder) JobUpdated(id string, status product.JobStatus, progress int, stage product.Stage, _ string) {
	r.add(event{kind: "updated", id: id, status: status, progress: progress, stage: stage})
}

func (r *recorder) JobCompleted(id string, _ product.MergedRecord, _ int64) {
	r.add(event{kind: "completed", id: id, status: product.JobStatusCompleted})
}

func (r *recorder) JobFailed(id string, jobErr product.JobError, stage product.Stage) {
	r.add(event{kind: "failed", id: id, status: product.JobStatusFailed, stage: stage, code: jobErr.Code})
}

func (r *recorder) Events(id string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.id == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type runnerFunc func(ctx context.Context, job product.Job, report pipeline.Reporter) (pipeline.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, job product.Job, report pipeline.Reporter) (pipeline.Outcome, error) {
	return f(ctx, job, report)
}

type probeFunc func(ctx context.Context, url string) (probe.Page, error)

func (f probeFunc) Fetch(ctx context.Context, url string) (probe.Page, error) {
	return f(ctx, url)
}

type harness struct {
	sched  *Scheduler
	store  *memory.JobStore
	ready  *readymemory.Queue
	events *recorder
	cache  *cachememory.Cache
	fps    *cache.Fingerprinter
}

func newHarness(t *testing.T, runner Runner, tweak func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewJobStore(),
		ready:  readymemory.NewQueue(),
		events: &recorder{},
		cache:  cachememory.New(cachememory.Config{TTL: time.Hour}, nil),
		fps:    cache.NewFingerprinter(sha256.New()),
	}
	t.Cleanup(func() { _ = h.cache.Close() })
	cfg := Config{
		Concurrency: 2,
		Retry:       product.NewRetryPolicy(3, 10*time.Millisecond, 2, product.BackoffLinear, 0),
	}
	deps := Deps{
		Store:        h.store,
		Ready:        h.ready,
		Runner:       runner,
		Notifier:     h.events,
		IDs:          &seqIDs{},
		Clock:        wallClock{},
		Cache:        h.cache,
		Fingerprints: h.fps,
		Delay:        func(context.Context, time.Duration) error { return nil },
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	sched, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	h.sched = sched
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitStatus(t *testing.T, id string, want product.JobStatus) product.Job {
	t.Helper()
	var job product.Job
	require.Eventually(t, func() bool {
		got, err := h.store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func usableRecord() product.MergedRecord {
	rec := product.MergedRecord{ProductName: "Widget", ArticleNumber: "AB-123", Currency: "EUR"}
	for _, f := range product.Fields {
		rec.Sources.Set(f, product.SourceNone)
	}
	rec.Sources.Set(product.FieldProductName, product.SourceMarkup)
	rec.Sources.Set(product.FieldArticleNumber, product.SourceMarkup)
	return rec
}

func succeed(_ context.Context, _ product.Job, report pipeline.Reporter) (pipeline.Outcome, error) {
	report(product.StageCapture, 1, "captured")
	report(product.StageMarkup, 1, "parsed")
	report(product.StageOCR, 1, "skipped")
	report(product.StageMerge, 1, "merged")
	return pipeline.Outcome{Record: usableRecord(), ScreenshotURI: "memory://shot.png"}, nil
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)

	_, err = New(Config{}, Deps{
		Store:  memory.NewJobStore(),
		Ready:  readymemory.NewQueue(),
		Runner: runnerFunc(succeed),
		IDs:    &seqIDs{},
		Clock:  wallClock{},
		Cache:  cachememory.New(cachememory.Config{}, nil),
	}, nil)
	require.Error(t, err, "cache without fingerprinter")
}

func TestEnqueueRunsToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(succeed), nil)
	h.start(t)

	id, err := h.sched.Enqueue(context.Background(), "HTTPS://Shop.Test:443/p/1#reviews")
	require.NoError(t, err)

	job := h.waitStatus(t, id, product.JobStatusCompleted)
	assert.Equal(t, "https://shop.test/p/1", job.URL)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, product.StageDone, job.Stage)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "memory://shot.png", job.ScreenshotURI)
	require.NotNil(t, job.Result)
	assert.Equal(t, "Widget", job.Result.ProductName)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	require.Eventually(t, func() bool {
		events := h.events.Events(id)
		return len(events) > 0 && events[len(events)-1].kind == "completed"
	}, time.Second, 5*time.Millisecond)
	events := h.events.Events(id)
	assert.Equal(t, "created", events[0].kind)
	last := -1
	for _, e := range events {
		if e.kind != "updated" {
			continue
		}
		assert.GreaterOrEqual(t, e.progress, last, "progress must not move backwards")
		last = e.progress
	}

	fp, err := h.fps.URL(job.URL)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := h.cache.Get(context.Background(), fp)
		return ok
	}, time.Second, 5*time.Millisecond, "completed record is written to the cache")
}

func TestEnqueueRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(succeed), nil)
	_, err := h.sched.Enqueue(context.Background(), "ftp://shop.test/file")
	require.ErrorIs(t, err, product.ErrInvalidURL)
	assert.Equal(t, 0, h.ready.Len())
}

func TestEnqueueServesCacheHit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, runnerFunc(func(ctx context.Context, job product.Job, r pipeline.Reporter) (pipeline.Outcome, error) {
		calls.Add(1)
		return succeed(ctx, job, r)
	}), nil)

	fp, err := h.fps.URL("https://shop.test/p/1")
	require.NoError(t, err)
	require.NoError(t, h.cache.Put(context.Background(), fp, usableRecord()))

	id, err := h.sched.Enqueue(context.Background(), "https://shop.test/p/1")
	require.NoError(t, err)

	job, err := h.sched.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, product.JobStatusCompleted, job.Status)
	assert.True(t, job.CacheHit)
	assert.Equal(t, 0, h.ready.Len())
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, []string{"created", "completed"}, kinds(h.events.Events(id)))
}

func TestNavigationTimeoutRetriesThenFails(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	h := newHarness(t, runnerFunc(func(context.Context, product.Job, pipeline.Reporter) (pipeline.Outcome, error) {
		return pipeline.Outcome{}, product.NewPipelineError(product.FailureNavigationTimeout, product.StageCapture, context.DeadlineExceeded)
	}), func(_ *Config, d *Deps) {
		d.Delay = func(_ context.Context, delay time.Duration) error {
			mu.Lock()
			delays = append(delays, delay)
			mu.Unlock()
			return nil
		}
	})
	h.start(t)

	id, err := h.sched.Enqueue(context.Background(), "https://shop.test/slow")
	require.NoError(t, err)

	job := h.waitStatus(t, id, product.JobStatusFailed)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, product.FailureNavigationTimeout, job.LastError.Code)
	assert.Equal(t, product.StageCapture, job.LastError.Stage)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 2)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
	require.Eventually(t, func() bool { return h.events.Count("failed") == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetryClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		code     product.FailureCode
		attempts int
	}{
		{name: "extraction error is final", code: product.FailureExtraction, attempts: 1},
		{name: "unknown retried once", code: product.FailureUnknown, attempts: 2},
		{name: "pool exhausted retried", code: product.FailurePoolExhausted, attempts: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, runnerFunc(func(context.Context, product.Job, pipeline.Reporter) (pipeline.Outcome, error) {
				return pipeline.Outcome{}, product.NewPipelineError(tt.code, product.StageMarkup, errors.New("boom"))
			}), nil)
			h.start(t)

			id, err := h.sched.Enqueue(context.Background(), "https://shop.test/p/2")
			require.NoError(t, err)
			job := h.waitStatus(t, id, product.JobStatusFailed)
			assert.Equal(t, tt.attempts, job.Attempts)
			assert.Equal(t, tt.code, job.LastError.Code)
		})
	}
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(succeed), nil)
	ctx := context.Background()

	id, err := h.sched.Enqueue(ctx, "https://shop.test/p/3")
	require.NoError(t, err)
	require.Equal(t, 1, h.ready.Len())

	require.NoError(t, h.sched.Cancel(ctx, id))
	assert.Equal(t, 0, h.ready.Len())
	_, err = h.sched.Status(ctx, id)
	require.ErrorIs(t, err, product.ErrJobNotFound)

	events := h.events.Events(id)
	require.Len(t, events, 2)
	assert.Equal(t, "failed", events[1].kind)
	assert.Equal(t, product.FailureCancelled, events[1].code)

	require.ErrorIs(t, h.sched.Cancel(ctx, id), product.ErrJobNotFound)
}

func TestCancelTerminalJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(succeed), nil)
	ctx := context.Background()
	require.NoError(t, h.store.CreateJob(ctx, product.Job{ID: "done", Status: product.JobStatusCompleted}))
	require.ErrorIs(t, h.sched.Cancel(ctx, "done"), product.ErrJobTerminal)
}

type fakeResource struct{}

func (fakeResource) Close() error  { return nil }
func (fakeResource) Healthy() bool { return true }

type captureFunc func(ctx context.Context, s *pool.Session, url string) (product.Capture, error)

func (f captureFunc) Capture(ctx context.Context, s *pool.Session, url string) (product.Capture, error) {
	return f(ctx, s, url)
}

func TestCancelProcessingJobReturnsSession(t *testing.T) {
	t.Parallel()

	sessions, err := pool.New(context.Background(), pool.Config{Min: 1, Max: 1, RecycleAfter: 10, AcquireTimeout: time.Second},
		pool.FactoryFunc(func(context.Context) (pool.Resource, error) { return fakeResource{}, nil }),
		zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	started := make(chan struct{})
	capturer := captureFunc(func(ctx context.Context, _ *pool.Session, _ string) (product.Capture, error) {
		close(started)
		<-ctx.Done()
		return product.Capture{}, ctx.Err()
	})
	runner := pipeline.New(pipeline.Config{}, pipeline.Deps{Pool: sessions, Capturer: capturer}, zap.NewNop())

	h := newHarness(t, runner, nil)
	h.start(t)

	id, err := h.sched.Enqueue(context.Background(), "https://shop.test/p/4")
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never started")
	}

	require.NoError(t, h.sched.Cancel(context.Background(), id))
	job := h.waitStatus(t, id, product.JobStatusFailed)
	require.NotNil(t, job.LastError)
	assert.Equal(t, product.FailureCancelled, job.LastError.Code)
	assert.Equal(t, 1, job.Attempts)

	stats := sessions.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Busy)
}

func TestCancelIsNotRetried(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	started := make(chan struct{}, 4)
	runner := runnerFunc(func(ctx context.Context, _ product.Job, _ pipeline.Reporter) (pipeline.Outcome, error) {
		runs.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		// the browser reports its own timeout instead of the cancel
		return pipeline.Outcome{}, product.NewPipelineError(product.FailureNavigationTimeout, product.StageCapture, errors.New("navigation deadline exceeded"))
	})
	h := newHarness(t, runner, nil)
	h.start(t)

	id, err := h.sched.Enqueue(context.Background(), "https://shop.test/p/9")
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	require.NoError(t, h.sched.Cancel(context.Background(), id))
	job := h.waitStatus(t, id, product.JobStatusFailed)
	require.NotNil(t, job.LastError)
	assert.Equal(t, product.FailureCancelled, job.LastError.Code)
	assert.Equal(t, 1, job.Attempts)

	require.Never(t, func() bool { return runs.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	events := h.events.Events(id)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "failed", last.kind)
	assert.Equal(t, product.FailureCancelled, last.code)
}

func TestContentProbeHitSkipsPipeline(t *testing.T) {
	t.Parallel()

	body := []byte("<html>same content</html>")
	var calls atomic.Int32
	h := newHarness(t, runnerFunc(func(ctx context.Context, job product.Job, r pipeline.Reporter) (pipeline.Outcome, error) {
		calls.Add(1)
		return succeed(ctx, job, r)
	}), func(_ *Config, d *Deps) {
		d.Probe = probeFunc(func(_ context.Context, url string) (probe.Page, error) {
			return probe.Page{URL: url, StatusCode: 200, Body: body}, nil
		})
	})

	fp, err := h.fps.Content("https://shop.test/p/5", body)
	require.NoError(t, err)
	require.NoError(t, h.cache.Put(context.Background(), fp, usableRecord()))
	h.start(t)

	id, err := h.sched.Enqueue(context.Background(), "https://shop.test/p/5")
	require.NoError(t, err)
	job := h.waitStatus(t, id, product.JobStatusCompleted)
	assert.True(t, job.CacheHit)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRecoverRequeuesUnfinishedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(succeed), nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, h.store.CreateJob(ctx, product.Job{ID: "a", Status: product.JobStatusQueued, CreatedAt: now}))
	require.NoError(t, h.store.CreateJob(ctx, product.Job{
		ID: "b", Status: product.JobStatusProcessing, Stage: product.StageOCR, Progress: 60, CreatedAt: now.Add(time.Second),
	}))
	require.NoError(t, h.store.CreateJob(ctx, product.Job{ID: "c", Status: product.JobStatusCompleted, CreatedAt: now}))

	n, err := h.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.ready.Len())

	b, err := h.store.GetJob(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, product.JobStatusQueued, b.Status)
	assert.Equal(t, 0, b.Progress)

	h.start(t)
	h.waitStatus(t, "a", product.JobStatusCompleted)
	h.waitStatus(t, "b", product.JobStatusCompleted)
}

func TestListFiltersByStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(succeed), nil)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, "https://shop.test/a")
	require.NoError(t, err)
	_, err = h.sched.Enqueue(ctx, "https://shop.test/b")
	require.NoError(t, err)

	queued, err := h.sched.List(ctx, product.JobStatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
	done, err := h.sched.List(ctx, product.JobStatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func kinds(events []event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.kind
	}
	return out
}

func TestLimiterSpacesJobStarts(t *testing.T) {
	t.Parallel()

	const window = 150 * time.Millisecond
	var (
		mu     sync.Mutex
		starts []time.Time
		held   atomic.Int32
	)
	runner := runnerFunc(func(ctx context.Context, job product.Job, report pipeline.Reporter) (pipeline.Outcome, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return succeed(ctx, job, report)
	})
	limiter := ratelimit.New(ratelimit.Config{Count: 1, Window: window}, func(time.Duration) { held.Add(1) })
	h := newHarness(t, runner, func(cfg *Config, deps *Deps) {
		cfg.Concurrency = 3
		deps.Limiter = limiter
	})

	var ids []string
	for i := range 3 {
		id, err := h.sched.Enqueue(context.Background(), fmt.Sprintf("https://shop.test/rl/%d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	h.start(t)
	for _, id := range ids {
		h.waitStatus(t, id, product.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	slack := 30 * time.Millisecond
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), window-slack, "start %d", i)
	}
	assert.Equal(t, int32(2), held.Load())
}
