package model

import (
	"strings"
	"testing"
)

func TestSubmissionStatusIsTerminal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status SubmissionStatus
		want   bool
	}{
		{StatusDraft, false},
		{StatusSubmitted, false},
		{StatusGraded, true},
		{StatusDisqualified, true},
	}
	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.status, tc.want, got)
		}
	}
}

func TestDecodeEvaluationJob(t *testing.T) {
	t.Parallel()

	job, err := DecodeEvaluationJob([]byte(`{"submission_id":42}`))
	if err != nil || job.SubmissionID != 42 {
		t.Fatalf("expected id 42, got %d (%v)", job.SubmissionID, err)
	}
	if _, err := DecodeEvaluationJob([]byte(`{"submission_id":0}`)); err == nil {
		t.Fatalf("expected error for zero id")
	}
	if _, err := DecodeEvaluationJob([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}

func TestVerdictDetailOmitsResults(t *testing.T) {
	t.Parallel()

	v := Verdict{
		Kind:       VerdictWrongAnswer,
		TestsTotal: 3,
		Failed:     &FailedTest{Index: 1, TestCaseID: 9},
		Results:    []ExecutionResult{{Output: "secret"}},
	}
	detail, err := v.Detail()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(detail, "secret") {
		t.Fatalf("expected per-test results to stay out of detail, got %s", detail)
	}
	if !strings.Contains(detail, `"kind":"wrong_answer"`) {
		t.Fatalf("expected kind in detail, got %s", detail)
	}
}
