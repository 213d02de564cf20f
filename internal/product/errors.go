package product

import (
	"context"
	"errors"
	"fmt"
)

// FailureCode classifies why a job attempt failed.
type FailureCode string

// Failure taxonomy.
const (
	FailureNavigationTimeout FailureCode = "navigation-timeout"
	FailureExtraction        FailureCode = "extraction-error"
	FailurePoolExhausted     FailureCode = "pool-exhausted"
	FailureCancelled         FailureCode = "cancelled"
	FailureUnknown           FailureCode = "unknown"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to a store.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when cancelling a finished job.
	ErrJobTerminal = errors.New("job already finished")
	// ErrCancelled is the cancellation cause attached to a job context.
	ErrCancelled = errors.New("job cancelled")
	// ErrInvalidURL is returned for URLs that cannot be captured.
	ErrInvalidURL = errors.New("invalid url")
)

// PipelineError attaches a failure code and stage to an underlying error.
type PipelineError struct {
	Code  FailureCode
	Stage Stage
	Err   error
}

// NewPipelineError wraps err with a code and stage.
func NewPipelineError(code FailureCode, stage Stage, err error) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Code, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Code, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Classify maps any pipeline error to a failure code and the stage it came
// from, when known.
func Classify(err error) (FailureCode, Stage) {
	if err == nil {
		return "", ""
	}
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Code, perr.Stage
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return FailureCancelled, ""
	case errors.Is(err, context.DeadlineExceeded):
		return FailureNavigationTimeout, ""
	}
	return FailureUnknown, ""
}

// ToJobError converts err into the form stored on a job.
func ToJobError(err error, fallbackStage Stage) *JobError {
	if err == nil {
		return nil
	}
	code, stage := Classify(err)
	if stage == "" {
		stage = fallbackStage
	}
	return &JobError{Code: code, Message: err.Error(), Stage: stage}
}
