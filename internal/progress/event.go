package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/product-capture/internal/product"
)

// Kind names the lifecycle notification an Event carries.
type Kind string

// Supported event kinds.
const (
	KindJobCreated   Kind = "jobCreated"
	KindJobUpdated   Kind = "jobUpdated"
	KindJobCompleted Kind = "jobCompleted"
	KindJobFailed    Kind = "jobFailed"
)

// Event is one job notification.
type Event struct {
	Kind  Kind      `json:"kind"`
	JobID string    `json:"job_id"`
	TS    time.Time `json:"ts"`
	// Name is the job's display name, its URL.
	Name     string            `json:"name,omitempty"`
	Status   product.JobStatus `json:"status,omitempty"`
	Progress int               `json:"progress"`
	Stage    product.Stage     `json:"stage,omitempty"`
	Message  string            `json:"message,omitempty"`

	Result     *product.MergedRecord `json:"result,omitempty"`
	DurationMs int64                 `json:"duration_ms,omitempty"`
	Error      *product.JobError     `json:"error,omitempty"`
}

// Terminal reports whether the event closes a job's stream.
func (e Event) Terminal() bool {
	return e.Kind == KindJobCompleted || e.Kind == KindJobFailed
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range", e.Progress)
	}
	switch e.Kind {
	case KindJobCreated, KindJobUpdated:
	case KindJobCompleted:
		if e.Result == nil {
			return errors.New("completed event requires result")
		}
	case KindJobFailed:
		if e.Error == nil {
			return errors.New("failed event requires error")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.DurationMs < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
