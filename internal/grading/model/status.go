package model

import "time"

// GradingState is the coarse progress reported through the status cache.
type GradingState string

const (
	StateQueued   GradingState = "queued"
	StateRunning  GradingState = "running"
	StateRetrying GradingState = "retrying"
	StateGraded   GradingState = "graded"
)

// GradingStatus is the cached, user-facing progress of one submission.
type GradingStatus struct {
	SubmissionID int64        `json:"submission_id"`
	State        GradingState `json:"state"`
	TotalTests   int          `json:"total_tests"`
	DoneTests    int          `json:"done_tests"`
	Verdict      *Verdict     `json:"verdict,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// SubmissionGradedEvent is published after a verdict has been persisted.
type SubmissionGradedEvent struct {
	SubmissionID int64       `json:"submission_id"`
	TaskID       int64       `json:"task_id"`
	UserID       int64       `json:"user_id"`
	Kind         VerdictKind `json:"kind"`
	GradedAt     time.Time   `json:"graded_at"`
}

// Report is the archived record of every test case run for a submission.
type Report struct {
	SubmissionID int64             `json:"submission_id"`
	TaskID       int64             `json:"task_id"`
	Verdict      Verdict           `json:"verdict"`
	Results      []ExecutionResult `json:"results"`
	CreatedAt    time.Time         `json:"created_at"`
}
