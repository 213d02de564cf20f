package progress

import (
	"context"
	"time"

	"github.com/JakeFAU/product-capture/internal/product"
)

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and be safe for repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Notifier receives job lifecycle calls from the scheduler. Calls are fire and
// forget: implementations swallow their own failures and never block.
type Notifier interface {
	JobCreated(id, name string, ts time.Time)
	JobUpdated(id string, status product.JobStatus, progress int, stage product.Stage, message string)
	JobCompleted(id string, result product.MergedRecord, durationMs int64)
	JobFailed(id string, jobErr product.JobError, stage product.Stage)
}

// NopNotifier discards every call.
type NopNotifier struct{}

// JobCreated implements Notifier.
func (NopNotifier) JobCreated(string, string, time.Time) {}

// JobUpdated implements Notifier.
func (NopNotifier) JobUpdated(string, product.JobStatus, int, product.Stage, string) {}

// JobCompleted implements Notifier.
func (NopNotifier) JobCompleted(string, product.MergedRecord, int64) {}

// JobFailed implements Notifier.
func (NopNotifier) JobFailed(string, product.JobError, product.Stage) {}
