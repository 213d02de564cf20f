package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/product-capture/internal/product"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 100).
//   - MaxBatchWait: flush interval for partial batches (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - BaseContext: parent context passed to sink calls.
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub implements Notifier. Events are queued without blocking, batched on a
// background goroutine and handed to every sink in emission order.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool
	names   sync.Map

	closeOnce sync.Once
	closeCtx  context.Context
}

var _ Notifier = (*Hub)(nil)

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// JobCreated records the job's name and announces it.
func (h *Hub) JobCreated(id, name string, ts time.Time) {
	if h == nil {
		return
	}
	h.names.Store(id, name)
	h.Emit(Event{Kind: KindJobCreated, JobID: id, TS: ts.UTC(), Name: name, Status: product.JobStatusQueued, Stage: product.StageQueued})
}

// JobUpdated announces a status or progress change.
func (h *Hub) JobUpdated(id string, status product.JobStatus, progress int, stage product.Stage, message string) {
	if h == nil {
		return
	}
	h.Emit(Event{
		Kind:     KindJobUpdated,
		JobID:    id,
		TS:       time.Now().UTC(),
		Name:     h.name(id, false),
		Status:   status,
		Progress: progress,
		Stage:    stage,
		Message:  message,
	})
}

// JobCompleted announces a finished job with its record.
func (h *Hub) JobCompleted(id string, result product.MergedRecord, durationMs int64) {
	if h == nil {
		return
	}
	h.Emit(Event{
		Kind:       KindJobCompleted,
		JobID:      id,
		TS:         time.Now().UTC(),
		Name:       h.name(id, true),
		Status:     product.JobStatusCompleted,
		Progress:   100,
		Stage:      product.StageDone,
		Result:     &result,
		DurationMs: max(durationMs, 0),
	})
}

// JobFailed announces a terminal failure.
func (h *Hub) JobFailed(id string, jobErr product.JobError, stage product.Stage) {
	if h == nil {
		return
	}
	h.Emit(Event{
		Kind:    KindJobFailed,
		JobID:   id,
		TS:      time.Now().UTC(),
		Name:    h.name(id, true),
		Status:  product.JobStatusFailed,
		Stage:   stage,
		Message: jobErr.Message,
		Error:   &jobErr,
	})
}

// Emit enqueues an Event. It never blocks; when the buffer is full the event
// is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Close drains queued events, flushes and closes the sinks, and waits for
// the background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) name(id string, forget bool) string {
	var v any
	var ok bool
	if forget {
		v, ok = h.names.LoadAndDelete(id)
	} else {
		v, ok = h.names.Load(id)
	}
	if !ok {
		return ""
	}
	name, _ := v.(string)
	return name
}

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stop:
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
