package repository

import (
	"context"
	"database/sql"
	"time"

	"riddleflow/internal/common/db"
	"riddleflow/internal/grading/model"
	appErr "riddleflow/pkg/errors"
)

const (
	selectSubmissionSQL = `SELECT id, task_id, user_id, code, status::text, submitted_at, graded_at, COALESCE(detail, '')
FROM contest_submissions WHERE id = $1`
	selectTaskSQL      = `SELECT id, time_limit, memory_limit FROM contest_tasks WHERE id = $1`
	selectTestCasesSQL = `SELECT id, input, expected_output, is_public FROM test_cases WHERE task_id = $1 ORDER BY id`
	markGradedSQL      = `UPDATE contest_submissions SET status = 'GRADED', graded_at = $2, detail = $3
WHERE id = $1 AND status = 'SUBMITTED'`
	selectStuckSQL = `SELECT id FROM contest_submissions
WHERE status = 'SUBMITTED' AND submitted_at < $1 ORDER BY submitted_at LIMIT $2`
)

// SubmissionRepository reads submissions and tasks and records verdicts in PostgreSQL.
// Timestamps are written in UTC; naive columns are read back as UTC.
type SubmissionRepository struct {
	db db.Database
}

func NewSubmissionRepository(database db.Database) *SubmissionRepository {
	return &SubmissionRepository{db: database}
}

// Get loads one submission.
func (r *SubmissionRepository) Get(ctx context.Context, id int64) (model.Submission, error) {
	var (
		sub         model.Submission
		status      string
		submittedAt sql.NullTime
		gradedAt    sql.NullTime
	)
	err := r.db.QueryRow(ctx, selectSubmissionSQL, id).Scan(
		&sub.ID, &sub.TaskID, &sub.UserID, &sub.Code, &status, &submittedAt, &gradedAt, &sub.Detail,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return model.Submission{}, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", id)
		}
		return model.Submission{}, appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}
	sub.Status = model.SubmissionStatus(status)
	if submittedAt.Valid {
		sub.SubmittedAt = submittedAt.Time.UTC()
	}
	if gradedAt.Valid {
		t := gradedAt.Time.UTC()
		sub.GradedAt = &t
	}
	return sub, nil
}

// GetTask loads a task with its test cases in insertion order.
func (r *SubmissionRepository) GetTask(ctx context.Context, taskID int64) (model.Task, error) {
	var task model.Task
	err := r.db.QueryRow(ctx, selectTaskSQL, taskID).Scan(&task.ID, &task.TimeLimitMs, &task.MemoryLimitMB)
	if err != nil {
		if db.IsNoRows(err) {
			return model.Task{}, appErr.New(appErr.TaskNotFound).WithDetail("task_id", taskID)
		}
		return model.Task{}, appErr.Wrapf(err, appErr.DatabaseError, "load task failed")
	}

	rows, err := r.db.Query(ctx, selectTestCasesSQL, taskID)
	if err != nil {
		return model.Task{}, appErr.Wrapf(err, appErr.DatabaseError, "load test cases failed")
	}
	defer rows.Close()
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.Input, &tc.ExpectedOutput, &tc.IsPublic); err != nil {
			return model.Task{}, appErr.Wrapf(err, appErr.DatabaseError, "scan test case failed")
		}
		task.TestCases = append(task.TestCases, tc)
	}
	if err := rows.Err(); err != nil {
		return model.Task{}, appErr.Wrapf(err, appErr.DatabaseError, "iterate test cases failed")
	}
	return task, nil
}

// MarkGraded moves a SUBMITTED submission to GRADED. It reports false when the
// row was no longer SUBMITTED, so a racing duplicate never overwrites a verdict.
func (r *SubmissionRepository) MarkGraded(ctx context.Context, id int64, gradedAt time.Time, detail string) (bool, error) {
	res, err := r.db.Exec(ctx, markGradedSQL, id, gradedAt.UTC(), detail)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "mark submission graded failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "read affected rows failed")
	}
	return n == 1, nil
}

// ListStuck returns ids of submissions that stayed SUBMITTED since before cutoff.
func (r *SubmissionRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, selectStuckSQL, cutoff.UTC(), limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list stuck submissions failed")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan submission id failed")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate submissions failed")
	}
	return ids, nil
}
