// pkg/schema/events.go
package schema

// MediaType identifies the kind of catalog entity a job scans.
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeShow  MediaType = "show"
)

// JobKeyEntry records a job that has produced output at least once.
type JobKeyEntry struct {
	Type MediaType `json:"type"`
	Key  string    `json:"key"`
}

// ResultRecord is a free-form payload produced by a job handler. The dispatcher
// never inspects its fields.
type ResultRecord map[string]any

type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

type FailureType string

const (
	FailureTypeRetryable FailureType = "retryable"
	FailureTypePermanent FailureType = "permanent"
)

// JobSummary is the per-job part of a RunCompleted event.
type JobSummary struct {
	Job        string `json:"job"`
	Matched    int    `json:"matched"`
	Stored     int    `json:"stored"`
	Missed     int    `json:"missed"`
	TotalBytes int64  `json:"total_bytes"`
	Error      string `json:"error,omitempty"`
}

// RunCompleted is published after a message has been acknowledged or rejected.
type RunCompleted struct {
	RunID        string       `json:"run_id"`
	MessageID    string       `json:"message_id"`
	Requested    []string     `json:"requested"`
	Status       RunStatus    `json:"status"`
	Jobs         []JobSummary `json:"jobs,omitempty"`
	UnknownJobs  []string     `json:"unknown_jobs,omitempty"`
	ProcessingMs int64        `json:"processing_time_ms"`
	Error        string       `json:"error,omitempty"`
	FailureType  FailureType  `json:"failure_type,omitempty"`
	HappenedAt   int64        `json:"happened_at"`
}
