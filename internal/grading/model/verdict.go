package model

import "encoding/json"

// VerdictKind classifies the outcome of evaluating a submission.
type VerdictKind string

const (
	VerdictSuccess             VerdictKind = "success"
	VerdictWrongAnswer         VerdictKind = "wrong_answer"
	VerdictTimeLimitExceeded   VerdictKind = "time_limit_exceeded"
	VerdictRuntimeError        VerdictKind = "runtime_error"
	VerdictInfrastructureError VerdictKind = "infrastructure_error"
)

// Retryable reports whether the verdict describes the platform rather than the code.
func (k VerdictKind) Retryable() bool {
	return k == VerdictInfrastructureError
}

// ExecutionResult is the outcome of one test case run.
type ExecutionResult struct {
	TestCaseID int64       `json:"test_case_id"`
	Index      int         `json:"index"`
	Public     bool        `json:"public"`
	Success    bool        `json:"success"`
	Kind       VerdictKind `json:"kind,omitempty"`
	Output     string      `json:"output"`
	ExitCode   int         `json:"exit_code"`
	Stderr     string      `json:"stderr,omitempty"`
	ElapsedMs  int64       `json:"elapsed_ms"`
}

// Verdict is the single classified result of a submission.
type Verdict struct {
	Kind        VerdictKind `json:"kind"`
	TestsTotal  int         `json:"tests_total"`
	TestsPassed int         `json:"tests_passed"`
	Failed      *FailedTest `json:"failed_test,omitempty"`
	Error       string      `json:"error,omitempty"`

	// Results holds every executed test case, in order. It feeds the report archive
	// and is never written to the submission row.
	Results []ExecutionResult `json:"-"`
}

// FailedTest identifies the test case that ended the evaluation.
// Observed and expected output are only exposed for public test cases.
type FailedTest struct {
	Index      int    `json:"index"`
	TestCaseID int64  `json:"test_case_id"`
	Public     bool   `json:"public"`
	Observed   string `json:"observed_output,omitempty"`
	Expected   string `json:"expected_output,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// Detail renders the text stored in the submission's detail column.
func (v Verdict) Detail() (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
