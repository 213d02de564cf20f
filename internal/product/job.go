package product

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Stage names a pipeline step. Each of the four pipeline stages owns one
// quarter of the 0-100 progress scale.
type Stage string

// Pipeline stages in execution order.
const (
	StageQueued  Stage = "queued"
	StageCapture Stage = "capture"
	StageMarkup  Stage = "markup"
	StageOCR     Stage = "ocr"
	StageMerge   Stage = "merge"
	StageDone    Stage = "done"
)

var stageIndex = map[Stage]int{
	StageCapture: 0,
	StageMarkup:  1,
	StageOCR:     2,
	StageMerge:   3,
}

// StageProgress maps sub-progress within a stage (clamped to [0,1]) onto the
// overall 0-100 scale.
func StageProgress(stage Stage, fraction float64) int {
	switch stage {
	case StageQueued:
		return 0
	case StageDone:
		return 100
	}
	idx, ok := stageIndex[stage]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return idx*25 + int(fraction*25)
}

// JobError is the last failure recorded against a job.
type JobError struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
	Stage   Stage       `json:"stage,omitempty"`
}

// Job is one URL moving through the pipeline.
type Job struct {
	ID            string        `json:"id"`
	URL           string        `json:"url"`
	Status        JobStatus     `json:"status"`
	Stage         Stage         `json:"stage"`
	Progress      int           `json:"progress"`
	Message       string        `json:"message,omitempty"`
	Attempts      int           `json:"attempts"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	Result        *MergedRecord `json:"result,omitempty"`
	LastError     *JobError     `json:"last_error,omitempty"`
	CacheHit      bool          `json:"cache_hit"`
	ScreenshotURI string        `json:"screenshot_uri,omitempty"`
}
