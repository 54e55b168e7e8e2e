package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionStatus is the lifecycle state of a contest submission.
type SubmissionStatus string

const (
	StatusDraft        SubmissionStatus = "DRAFT"
	StatusSubmitted    SubmissionStatus = "SUBMITTED"
	StatusGraded       SubmissionStatus = "GRADED"
	StatusDisqualified SubmissionStatus = "DISQUALIFIED"
)

// IsTerminal reports whether the grading worker must leave the submission alone.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusGraded || s == StatusDisqualified
}

// Submission mirrors one contest_submissions row.
type Submission struct {
	ID          int64
	TaskID      int64
	UserID      int64
	Code        string
	Status      SubmissionStatus
	SubmittedAt time.Time
	GradedAt    *time.Time
	Detail      string
}

// TestCase is read-only to the engine.
type TestCase struct {
	ID             int64
	Input          string
	ExpectedOutput string
	IsPublic       bool
}

// Task carries the limits and the ordered test cases of a contest task.
type Task struct {
	ID            int64
	TimeLimitMs   int
	MemoryLimitMB int
	TestCases     []TestCase
}

// TimeLimit returns the per-test CPU budget as a duration.
func (t Task) TimeLimit() time.Duration {
	return time.Duration(t.TimeLimitMs) * time.Millisecond
}

// EvaluationJob is the queue payload asking for one submission to be graded.
type EvaluationJob struct {
	SubmissionID int64 `json:"submission_id"`
}

// Encode marshals the job for publishing.
func (j EvaluationJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeEvaluationJob parses and validates a job payload.
func DecodeEvaluationJob(body []byte) (EvaluationJob, error) {
	var job EvaluationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return EvaluationJob{}, err
	}
	if job.SubmissionID <= 0 {
		return EvaluationJob{}, fmt.Errorf("invalid submission id %d", job.SubmissionID)
	}
	return job, nil
}
