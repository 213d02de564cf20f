// Package queue schedules capture jobs: it accepts URLs, runs them through the
// pipeline on a fixed number of workers, retries transient failures with
// backoff and honors cancellation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-capture/internal/cache"
	"github.com/JakeFAU/product-capture/internal/pipeline"
	"github.com/JakeFAU/product-capture/internal/probe"
	"github.com/JakeFAU/product-capture/internal/product"
	"github.com/JakeFAU/product-capture/internal/progress"
)

// ReadyQueue holds IDs of jobs waiting for a worker.
type ReadyQueue interface {
	Enqueue(ctx context.Context, id string) error
	Dequeue(ctx context.Context) (string, error)
	Remove(id string) bool
}

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job product.Job, report pipeline.Reporter) (pipeline.Outcome, error)
}

// Limiter paces job starts.
type Limiter interface {
	Wait(ctx context.Context) error
}

// ContentProbe fetches a raw page body for content fingerprinting.
type ContentProbe interface {
	Fetch(ctx context.Context, url string) (probe.Page, error)
}

// CacheObserver records cache lookups. kind is "url" or "content".
type CacheObserver interface {
	ObserveCacheLookup(kind string, hit bool)
}

// DelayFunc waits d or until ctx ends.
type DelayFunc func(ctx context.Context, d time.Duration) error

// Config tunes the scheduler.
type Config struct {
	Concurrency       int
	Retry             product.RetryPolicy
	CacheWriteTimeout time.Duration
}

// Deps are the scheduler's collaborators. Cache, Probe, Limiter, Observer
// and Delay are optional.
type Deps struct {
	Store        product.JobStore
	Ready        ReadyQueue
	Runner       Runner
	Notifier     progress.Notifier
	IDs          product.IDGenerator
	Clock        product.Clock
	Cache        product.Cache
	Fingerprints *cache.Fingerprinter
	Probe        ContentProbe
	Limiter      Limiter
	Observer     CacheObserver
	Delay        DelayFunc
}

// Scheduler owns every job state transition.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// mu serializes the queued→processing transition against Cancel.
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc

	background sync.WaitGroup
}

// New validates deps and builds a Scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("job store is required")
	case deps.Ready == nil:
		return nil, errors.New("ready queue is required")
	case deps.Runner == nil:
		return nil, errors.New("runner is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.Cache != nil && deps.Fingerprints == nil:
		return nil, errors.New("fingerprinter is required when the cache is enabled")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = product.NewRetryPolicy(0, 0, 0, "", 0)
	}
	if cfg.CacheWriteTimeout <= 0 {
		cfg.CacheWriteTimeout = 5 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = progress.NopNotifier{}
	}
	if deps.Delay == nil {
		deps.Delay = sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		running: make(map[string]context.CancelCauseFunc),
	}, nil
}

// Enqueue registers a job for url and returns its ID without waiting for it
// to run. A cached result completes the job immediately.
func (s *Scheduler) Enqueue(ctx context.Context, rawURL string) (string, error) {
	normalized, err := product.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.deps.Clock.Now()
	job := product.Job{
		ID:        id,
		URL:       normalized,
		Status:    product.JobStatusQueued,
		Stage:     product.StageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if rec, ok := s.lookup(ctx, "url", func() (string, error) { return s.deps.Fingerprints.URL(normalized) }); ok {
		job.Status = product.JobStatusCompleted
		job.Stage = product.StageDone
		job.Progress = 100
		job.Result = &rec
		job.CacheHit = true
		job.FinishedAt = &now
		if err := s.deps.Store.CreateJob(ctx, job); err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
		s.deps.Notifier.JobCreated(id, normalized, now)
		s.deps.Notifier.JobCompleted(id, rec, 0)
		s.logger.Info("job served from cache", zap.String("job_id", id), zap.String("url", normalized))
		return id, nil
	}

	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	// announce before a worker can pick the job up
	s.deps.Notifier.JobCreated(id, normalized, now)
	if err := s.deps.Ready.Enqueue(ctx, id); err != nil {
		if delErr := s.deps.Store.DeleteJob(context.WithoutCancel(ctx), id); delErr != nil {
			s.logger.Warn("rollback of unqueued job failed", zap.String("job_id", id), zap.Error(delErr))
		}
		s.deps.Notifier.JobFailed(id, product.JobError{
			Code:    product.FailureUnknown,
			Message: err.Error(),
			Stage:   product.StageQueued,
		}, product.StageQueued)
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Debug("job queued", zap.String("job_id", id), zap.String("url", normalized))
	return id, nil
}

// Run starts the workers and blocks until ctx ends and in-flight work has
// settled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.cfg.Concurrency {
		logger := s.logger.With(zap.Int("worker", i))
		g.Go(func() error {
			s.work(gctx, logger)
			return nil
		})
	}
	err := g.Wait()
	s.background.Wait()
	if err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	return nil
}

// Cancel stops a job. Queued jobs are removed outright; processing jobs abort
// at the next stage boundary.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	switch {
	case job.Status.Terminal():
		return fmt.Errorf("cancel %s: %w", id, product.ErrJobTerminal)
	case job.Status == product.JobStatusProcessing:
		if cancel, ok := s.running[id]; ok {
			cancel(product.ErrCancelled)
			s.logger.Info("cancellation requested", zap.String("job_id", id))
			return nil
		}
		// left over from a previous run and not picked up yet
		fallthrough
	default:
		s.deps.Ready.Remove(id)
		if err := s.deps.Store.DeleteJob(ctx, id); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
		s.deps.Notifier.JobFailed(id, product.JobError{
			Code:    product.FailureCancelled,
			Message: product.ErrCancelled.Error(),
			Stage:   job.Stage,
		}, job.Stage)
		s.logger.Info("queued job cancelled", zap.String("job_id", id))
		return nil
	}
}

// Status returns the current state of a job.
func (s *Scheduler) Status(ctx context.Context, id string) (product.Job, error) {
	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		return product.Job{}, fmt.Errorf("status: %w", err)
	}
	return job, nil
}

// List returns jobs, optionally filtered by status.
func (s *Scheduler) List(ctx context.Context, statuses ...product.JobStatus) ([]product.Job, error) {
	jobs, err := s.deps.Store.ListJobs(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return jobs, nil
}

// Recover re-queues jobs a previous process left unfinished and returns how
// many were picked up.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.deps.Store.ListJobs(ctx, product.JobStatusQueued, product.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	for _, job := range jobs {
		if job.Status == product.JobStatusProcessing {
			job.Status = product.JobStatusQueued
			job.Stage = product.StageQueued
			job.Progress = 0
			job.UpdatedAt = s.deps.Clock.Now()
			if err := s.deps.Store.UpdateJob(ctx, job); err != nil {
				return 0, fmt.Errorf("recover %s: %w", job.ID, err)
			}
		}
		if err := s.deps.Ready.Enqueue(ctx, job.ID); err != nil {
			return 0, fmt.Errorf("recover %s: %w", job.ID, err)
		}
	}
	if len(jobs) > 0 {
		s.logger.Info("recovered unfinished jobs", zap.Int("count", len(jobs)))
	}
	return len(jobs), nil
}

func (s *Scheduler) work(ctx context.Context, logger *zap.Logger) {
	for {
		id, err := s.deps.Ready.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Info("ready queue closed", zap.Error(err))
			}
			return
		}
		if s.deps.Limiter != nil {
			if err := s.deps.Limiter.Wait(ctx); err != nil {
				return
			}
		}
		s.process(ctx, id, logger.With(zap.String("job_id", id)))
	}
}

func (s *Scheduler) process(ctx context.Context, id string, logger *zap.Logger) {
	job, jobCtx, ok := s.begin(ctx, id, logger)
	if !ok {
		return
	}
	defer s.forget(id)

	contentFP := ""
	if s.deps.Probe != nil && s.deps.Cache != nil {
		var (
			rec product.MergedRecord
			hit bool
		)
		rec, contentFP, hit = s.probeContent(jobCtx, job, logger)
		if hit {
			job.CacheHit = true
			s.complete(ctx, job, pipeline.Outcome{Record: rec}, "", logger)
			return
		}
	}

	report := s.reporter(ctx, &job, logger)
	out, err := s.deps.Runner.Run(jobCtx, job, report)
	// an acknowledged cancel wins over whatever the attempt returned
	if errors.Is(context.Cause(jobCtx), product.ErrCancelled) {
		if err != nil {
			logger.Debug("attempt ended after cancel", zap.Error(err))
		}
		s.fail(ctx, job, product.NewPipelineError(product.FailureCancelled, job.Stage, product.ErrCancelled), logger)
		return
	}
	if err == nil {
		s.complete(ctx, job, out, contentFP, logger)
		return
	}
	if ctx.Err() != nil {
		logger.Info("worker stopping, job left for recovery", zap.Error(err))
		return
	}
	s.fail(ctx, job, err, logger)
}

// begin moves a queued job to processing. It reports false when the job was
// cancelled or already picked up.
func (s *Scheduler) begin(ctx context.Context, id string, logger *zap.Logger) (product.Job, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		if !errors.Is(err, product.ErrJobNotFound) {
			logger.Error("load job failed", zap.Error(err))
		}
		return product.Job{}, nil, false
	}
	if job.Status != product.JobStatusQueued {
		logger.Debug("skipping job", zap.String("status", string(job.Status)))
		return product.Job{}, nil, false
	}

	now := s.deps.Clock.Now()
	job.Status = product.JobStatusProcessing
	job.Stage = product.StageCapture
	job.Progress = 0
	job.Attempts++
	job.Message = ""
	job.UpdatedAt = now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := s.deps.Store.UpdateJob(ctx, job); err != nil {
		logger.Error("mark job processing failed", zap.Error(err))
		return product.Job{}, nil, false
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	s.running[id] = cancel
	msg := fmt.Sprintf("attempt %d", job.Attempts)
	s.deps.Notifier.JobUpdated(id, job.Status, 0, job.Stage, msg)
	logger.Info("job started", zap.Int("attempt", job.Attempts))
	return job, jobCtx, true
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[id]; ok {
		cancel(nil)
		delete(s.running, id)
	}
}

// reporter forwards pipeline progress. Progress never moves backwards within
// an attempt.
func (s *Scheduler) reporter(ctx context.Context, job *product.Job, logger *zap.Logger) pipeline.Reporter {
	return func(stage product.Stage, fraction float64, message string) {
		pct := product.StageProgress(stage, fraction)
		if pct < job.Progress {
			pct = job.Progress
		}
		job.Stage = stage
		job.Progress = pct
		job.Message = message
		job.UpdatedAt = s.deps.Clock.Now()
		if err := s.deps.Store.UpdateJob(ctx, *job); err != nil {
			logger.Debug("progress update not persisted", zap.Error(err))
		}
		s.deps.Notifier.JobUpdated(job.ID, job.Status, pct, stage, message)
	}
}

// probeContent fetches the raw page and looks up its content fingerprint.
// Probe failures only disable the shortcut.
func (s *Scheduler) probeContent(ctx context.Context, job product.Job, logger *zap.Logger) (product.MergedRecord, string, bool) {
	page, err := s.deps.Probe.Fetch(ctx, job.URL)
	if err != nil {
		logger.Debug("content probe failed", zap.Error(err))
		return product.MergedRecord{}, "", false
	}
	fp := ""
	rec, ok := s.lookup(ctx, "content", func() (string, error) {
		var ferr error
		fp, ferr = s.deps.Fingerprints.Content(job.URL, page.Body)
		return fp, ferr
	})
	return rec, fp, ok
}

// lookup consults the cache under the key produced by key. Cache errors are
// treated as misses.
func (s *Scheduler) lookup(ctx context.Context, kind string, key func() (string, error)) (product.MergedRecord, bool) {
	if s.deps.Cache == nil {
		return product.MergedRecord{}, false
	}
	fp, err := key()
	if err != nil {
		s.logger.Warn("fingerprint failed", zap.String("kind", kind), zap.Error(err))
		return product.MergedRecord{}, false
	}
	rec, ok, err := s.deps.Cache.Get(ctx, fp)
	if err != nil {
		s.logger.Warn("cache lookup failed", zap.String("kind", kind), zap.Error(err))
		ok = false
	}
	if s.deps.Observer != nil {
		s.deps.Observer.ObserveCacheLookup(kind, ok)
	}
	return rec, ok
}

func (s *Scheduler) complete(ctx context.Context, job product.Job, out pipeline.Outcome, contentFP string, logger *zap.Logger) {
	// the result is final even when the worker is shutting down
	ctx = context.WithoutCancel(ctx)
	now := s.deps.Clock.Now()
	rec := out.Record
	job.Status = product.JobStatusCompleted
	job.Stage = product.StageDone
	job.Progress = 100
	job.Message = ""
	job.Result = &rec
	job.LastError = nil
	job.ScreenshotURI = out.ScreenshotURI
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err := s.deps.Store.UpdateJob(ctx, job); err != nil {
		logger.Error("persist completed job failed", zap.Error(err))
	}
	var duration time.Duration
	if job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt)
	}
	s.deps.Notifier.JobCompleted(job.ID, rec, duration.Milliseconds())
	logger.Info("job completed",
		zap.Bool("usable", rec.Usable()),
		zap.Bool("cache_hit", job.CacheHit),
		zap.Duration("duration", duration),
	)

	if job.CacheHit || s.deps.Cache == nil || !rec.Usable() {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.storeInCache(ctx, job.URL, contentFP, rec, logger)
	}()
}

func (s *Scheduler) storeInCache(ctx context.Context, url, contentFP string, rec product.MergedRecord, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CacheWriteTimeout)
	defer cancel()
	fp, err := s.deps.Fingerprints.URL(url)
	if err != nil {
		logger.Warn("cache write skipped", zap.Error(err))
		return
	}
	keys := []string{fp}
	if contentFP != "" {
		keys = append(keys, contentFP)
	}
	for _, key := range keys {
		if err := s.deps.Cache.Put(ctx, key, rec); err != nil {
			logger.Warn("cache write failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) fail(ctx context.Context, job product.Job, runErr error, logger *zap.Logger) {
	code, _ := product.Classify(runErr)
	jobErr := product.ToJobError(runErr, job.Stage)
	now := s.deps.Clock.Now()
	job.LastError = jobErr
	job.UpdatedAt = now

	if s.cfg.Retry.ShouldRetry(code, job.Attempts) {
		delay := s.cfg.Retry.Backoff(job.Attempts)
		job.Status = product.JobStatusQueued
		job.Stage = product.StageQueued
		job.Progress = 0
		job.Message = fmt.Sprintf("retrying in %s after %s", delay, code)
		if err := s.deps.Store.UpdateJob(ctx, job); err != nil {
			logger.Error("persist retry failed", zap.Error(err))
			return
		}
		s.deps.Notifier.JobUpdated(job.ID, job.Status, 0, job.Stage, job.Message)
		logger.Warn("attempt failed, retrying",
			zap.String("code", string(code)),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(runErr),
		)
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if err := s.deps.Delay(ctx, delay); err != nil {
				return
			}
			if err := s.deps.Ready.Enqueue(ctx, job.ID); err != nil && ctx.Err() == nil {
				logger.Error("requeue failed", zap.Error(err))
			}
		}()
		return
	}

	job.Status = product.JobStatusFailed
	job.Message = jobErr.Message
	job.FinishedAt = &now
	if err := s.deps.Store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		logger.Error("persist failed job failed", zap.Error(err))
	}
	s.deps.Notifier.JobFailed(job.ID, *jobErr, jobErr.Stage)
	logger.Warn("job failed",
		zap.String("code", string(jobErr.Code)),
		zap.String("stage", string(jobErr.Stage)),
		zap.Int("attempts", job.Attempts),
		zap.Error(runErr),
	)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
