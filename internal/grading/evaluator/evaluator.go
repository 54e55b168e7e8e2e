package evaluator

import (
	"context"

	"riddleflow/internal/grading/model"
	"riddleflow/internal/grading/sandbox"
)

// ProgressFunc is called after each passing test case.
type ProgressFunc func(done, total int)

// Evaluator runs a task's test cases through a sandbox runner, in order,
// and stops at the first failure.
type Evaluator struct {
	runner sandbox.Runner
}

func New(runner sandbox.Runner) *Evaluator {
	return &Evaluator{runner: runner}
}

// Evaluate grades code against every test case of task.
func (e *Evaluator) Evaluate(ctx context.Context, task model.Task, code string) model.Verdict {
	return e.EvaluateWithProgress(ctx, task, code, nil)
}

// EvaluateWithProgress is Evaluate with a per-test progress callback.
// A task without test cases is graded success.
func (e *Evaluator) EvaluateWithProgress(ctx context.Context, task model.Task, code string, progress ProgressFunc) model.Verdict {
	total := len(task.TestCases)
	verdict := model.Verdict{
		Kind:       model.VerdictSuccess,
		TestsTotal: total,
		Results:    make([]model.ExecutionResult, 0, total),
	}

	for i, tc := range task.TestCases {
		if err := ctx.Err(); err != nil {
			verdict.Kind = model.VerdictInfrastructureError
			verdict.Error = err.Error()
			return verdict
		}

		res, err := e.runner.Run(ctx, sandbox.Request{
			Code:          code,
			Stdin:         tc.Input,
			TimeLimit:     task.TimeLimit(),
			MemoryLimitMB: task.MemoryLimitMB,
		})
		exec := model.ExecutionResult{
			TestCaseID: tc.ID,
			Index:      i,
			Public:     tc.IsPublic,
			Output:     res.Output,
			ExitCode:   res.ExitCode,
			Stderr:     res.Stderr,
			ElapsedMs:  res.Elapsed.Milliseconds(),
		}
		exec.Kind = classify(res, err, tc.ExpectedOutput)
		exec.Success = exec.Kind == model.VerdictSuccess
		verdict.Results = append(verdict.Results, exec)

		if !exec.Success {
			verdict.Kind = exec.Kind
			verdict.Failed = failedTest(tc, exec)
			if err != nil {
				verdict.Error = err.Error()
			}
			return verdict
		}
		verdict.TestsPassed++
		if progress != nil {
			progress(verdict.TestsPassed, total)
		}
	}
	return verdict
}

func classify(res sandbox.Result, err error, expected string) model.VerdictKind {
	switch {
	case err != nil:
		return model.VerdictInfrastructureError
	case res.TimedOut:
		return model.VerdictTimeLimitExceeded
	case res.Crashed:
		return model.VerdictRuntimeError
	case res.Output != expected:
		return model.VerdictWrongAnswer
	default:
		return model.VerdictSuccess
	}
}

func failedTest(tc model.TestCase, exec model.ExecutionResult) *model.FailedTest {
	failed := &model.FailedTest{
		Index:      exec.Index,
		TestCaseID: tc.ID,
		Public:     tc.IsPublic,
		ExitCode:   exec.ExitCode,
		ElapsedMs:  exec.ElapsedMs,
	}
	if tc.IsPublic {
		failed.Observed = exec.Output
		failed.Expected = tc.ExpectedOutput
	}
	return failed
}
