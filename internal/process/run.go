// internal/process/run.go
package process

import (
	"time"

	"github.com/tendant/sad-worker/pkg/schema"
)

// RunStatus represents the lifecycle state of one message being processed.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run captures what happened to a single inbound message.
type Run struct {
	ID        string
	MessageID string
	Requested []string
	Status    RunStatus
	Jobs      []schema.JobSummary
	Unknown   []string
	Error     string
	Kind      Kind
	Started   time.Time
	Finished  time.Time
}

func NewRun(id, messageID string) *Run {
	return &Run{
		ID:        id,
		MessageID: messageID,
		Status:    RunStatusPending,
	}
}

func MarkRunning(r *Run) {
	r.Status = RunStatusRunning
	r.Started = time.Now()
}

func MarkSucceeded(r *Run) {
	r.Status = RunStatusSucceeded
	r.Finished = time.Now()
}

func MarkFailed(r *Run, err error) {
	r.Status = RunStatusFailed
	r.Finished = time.Now()
	if err != nil {
		r.Error = err.Error()
		r.Kind = KindOf(err)
	}
}

// Duration returns how long the run took, or zero if it never started.
func (r *Run) Duration() time.Duration {
	if r.Started.IsZero() {
		return 0
	}
	end := r.Finished
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.Started)
}

// Event converts the run into its published form.
func (r *Run) Event() schema.RunCompleted {
	evt := schema.RunCompleted{
		RunID:        r.ID,
		MessageID:    r.MessageID,
		Requested:    r.Requested,
		Jobs:         r.Jobs,
		UnknownJobs:  r.Unknown,
		ProcessingMs: r.Duration().Milliseconds(),
		Error:        r.Error,
		FailureType:  FailureType(r.Kind),
		HappenedAt:   time.Now().Unix(),
	}
	if r.Status == RunStatusSucceeded {
		evt.Status = schema.RunStatusSucceeded
	} else {
		evt.Status = schema.RunStatusFailed
	}
	return evt
}
