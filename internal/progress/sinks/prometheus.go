package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-capture/internal/product"
	"github.com/JakeFAU/product-capture/internal/progress"
)

// PrometheusSink derives job lifecycle metrics from progress events.
type PrometheusSink struct {
	jobsCreated   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRetries    prometheus.Counter
	jobRuntime    *prometheus.HistogramVec
	fieldSources  *prometheus.CounterVec
	usableRecords *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "productcapture_jobs_created_total",
			Help: "Jobs accepted by the scheduler.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "productcapture_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by result and failure code.",
		}, []string{"result", "code"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "productcapture_jobs_running",
			Help: "Jobs currently in processing.",
		}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "productcapture_job_retries_total",
			Help: "Attempts re-queued after a retryable failure.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "productcapture_job_runtime_seconds",
			Help:    "Wall time from first start to completion.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"result"}),
		fieldSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "productcapture_field_source_total",
			Help: "Merged fields by winning source.",
		}, []string{"field", "source"}),
		usableRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "productcapture_records_total",
			Help: "Completed records split by whether all required fields are present.",
		}, []string{"usable"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsCreated,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRetries,
		s.jobRuntime,
		s.fieldSources,
		s.usableRecords,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindJobCreated:
		s.jobsCreated.Inc()
	case progress.KindJobUpdated:
		switch evt.Status {
		case product.JobStatusProcessing:
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case product.JobStatusQueued:
			// back in the queue after running means a retry
			if s.tracker.stop(evt.JobID) {
				s.jobsRunning.Dec()
				s.jobRetries.Inc()
			}
		}
	case progress.KindJobCompleted:
		s.finish(evt, "completed", "")
		s.observeRuntime(evt, "completed")
		s.observeRecord(evt.Result)
	case progress.KindJobFailed:
		s.finish(evt, "failed", string(evt.Error.Code))
		s.observeRuntime(evt, "failed")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result, code string) {
	s.jobsFinished.WithLabelValues(result, code).Inc()
	if s.tracker.stop(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, result string) {
	if evt.DurationMs > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(float64(evt.DurationMs) / 1000)
	}
}

func (s *PrometheusSink) observeRecord(rec *product.MergedRecord) {
	if rec == nil {
		return
	}
	for _, f := range product.Fields {
		src := rec.Sources.Get(f)
		if src == "" {
			src = product.SourceNone
		}
		s.fieldSources.WithLabelValues(string(f), string(src)).Inc()
	}
	s.usableRecords.WithLabelValues(fmt.Sprint(rec.Usable())).Inc()
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) stop(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
