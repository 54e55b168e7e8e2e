package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riddleflow/internal/common/metrics"
	"riddleflow/internal/common/mq"
	"riddleflow/internal/grading/evaluator"
	"riddleflow/internal/grading/model"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/contextkey"
	"riddleflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// SubmissionStore is the relational side of grading.
type SubmissionStore interface {
	Get(ctx context.Context, id int64) (model.Submission, error)
	GetTask(ctx context.Context, taskID int64) (model.Task, error)
	MarkGraded(ctx context.Context, id int64, gradedAt time.Time, detail string) (bool, error)
}

// Evaluator grades code against a task.
type Evaluator interface {
	EvaluateWithProgress(ctx context.Context, task model.Task, code string, progress evaluator.ProgressFunc) model.Verdict
}

// StatusStore mirrors progress for readers. Failures are logged, never fatal.
type StatusStore interface {
	Save(ctx context.Context, status model.GradingStatus) error
}

// GradedPublisher announces persisted verdicts.
type GradedPublisher interface {
	PublishGraded(ctx context.Context, event model.SubmissionGradedEvent) error
}

// ReportArchive stores the full per-test report.
type ReportArchive interface {
	Save(ctx context.Context, report model.Report) error
}

// Config holds service dependencies and settings.
type Config struct {
	Submissions SubmissionStore
	Evaluator   Evaluator
	Queue       mq.Producer
	Retry       RetryPolicy

	// Optional collaborators.
	Status  StatusStore
	Events  GradedPublisher
	Reports ReportArchive
	Metrics *metrics.GradingMetrics

	WorkerPoolSize int

	// SlotWait bounds how long a job waits for a free worker slot before it is
	// requeued through the retry topic. Zero waits until the context ends.
	SlotWait      time.Duration
	StatusTimeout time.Duration
	Now           func() time.Time
}

// Service consumes evaluation jobs and applies verdicts to submissions.
type Service struct {
	submissions SubmissionStore
	evaluator   Evaluator
	queue       mq.Producer
	retry       RetryPolicy

	status  StatusStore
	events  GradedPublisher
	reports ReportArchive
	metrics *metrics.GradingMetrics

	sem           chan struct{}
	slotWait      time.Duration
	statusTimeout time.Duration
	now           func() time.Time
}

// outcome tells HandleMessage what to do once the worker slot is released.
type outcome struct {
	requeue bool
	reason  string
	err     error
}

// NewService creates a new grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Retry.Topic == "" {
		return nil, fmt.Errorf("retry topic is required")
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		submissions:   cfg.Submissions,
		evaluator:     cfg.Evaluator,
		queue:         cfg.Queue,
		retry:         cfg.Retry,
		status:        cfg.Status,
		events:        cfg.Events,
		reports:       cfg.Reports,
		metrics:       cfg.Metrics,
		sem:           make(chan struct{}, poolSize),
		slotWait:      cfg.SlotWait,
		statusTimeout: cfg.StatusTimeout,
		now:           now,
	}, nil
}

// HandleMessage processes one evaluation job. It returns nil when the job is
// finished (graded, discarded or republished) and an error when the message
// must stay unacknowledged.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	ctx = context.WithValue(ctx, contextkey.MessageID, msg.ID)

	job, err := model.DecodeEvaluationJob(msg.Body)
	if err != nil {
		logger.Warn(ctx, "discarding malformed evaluation job", zap.Error(err))
		s.metrics.ObserveDiscard("malformed")
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, job.SubmissionID)

	if !s.acquireSlot(ctx) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.requeue(ctx, msg, "worker pool is full")
	}
	out := s.grade(ctx, job)
	s.releaseSlot()

	if out.requeue {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.requeue(ctx, msg, out.reason)
	}
	return out.err
}

func (s *Service) grade(ctx context.Context, job model.EvaluationJob) outcome {
	sub, err := s.submissions.Get(ctx, job.SubmissionID)
	if err != nil {
		return s.failure(ctx, err, "load submission")
	}
	if sub.Status != model.StatusSubmitted {
		logger.Info(ctx, "submission not awaiting grading, discarding job", zap.String("status", string(sub.Status)))
		s.metrics.ObserveDiscard("not_submitted")
		return outcome{}
	}

	task, err := s.submissions.GetTask(ctx, sub.TaskID)
	if err != nil {
		return s.failure(ctx, err, "load task")
	}

	total := len(task.TestCases)
	s.saveStatus(ctx, model.GradingStatus{SubmissionID: sub.ID, State: model.StateRunning, TotalTests: total})
	verdict := s.evaluator.EvaluateWithProgress(ctx, task, sub.Code, func(done, total int) {
		s.saveStatus(ctx, model.GradingStatus{SubmissionID: sub.ID, State: model.StateRunning, TotalTests: total, DoneTests: done})
	})
	s.metrics.ObserveVerdict(string(verdict.Kind))

	if verdict.Kind.Retryable() {
		if ctx.Err() != nil {
			logger.Warn(ctx, "grading interrupted, leaving job for redelivery", zap.Error(ctx.Err()))
			return outcome{err: ctx.Err()}
		}
		logger.Warn(ctx, "infrastructure failure while grading", zap.String("error", verdict.Error))
		s.saveStatus(ctx, model.GradingStatus{SubmissionID: sub.ID, State: model.StateRetrying, TotalTests: total, DoneTests: verdict.TestsPassed})
		return outcome{requeue: true, reason: verdict.Error}
	}

	detail, err := verdict.Detail()
	if err != nil {
		return outcome{err: appErr.Wrapf(err, appErr.InternalServerError, "encode verdict failed")}
	}
	gradedAt := s.now().UTC()
	updated, err := s.submissions.MarkGraded(ctx, sub.ID, gradedAt, detail)
	if err != nil {
		return s.failure(ctx, err, "store verdict")
	}
	if !updated {
		logger.Info(ctx, "submission left SUBMITTED before the verdict was stored, keeping existing result")
		s.metrics.ObserveDiscard("lost_race")
		return outcome{}
	}
	logger.Info(ctx, "submission graded",
		zap.String("verdict", string(verdict.Kind)),
		zap.Int("tests_passed", verdict.TestsPassed),
		zap.Int("tests_total", verdict.TestsTotal))

	s.afterGraded(ctx, sub, verdict, gradedAt)
	return outcome{}
}

// afterGraded runs the side effects of a stored verdict; none of them can undo it.
func (s *Service) afterGraded(ctx context.Context, sub model.Submission, verdict model.Verdict, gradedAt time.Time) {
	s.saveStatus(ctx, model.GradingStatus{
		SubmissionID: sub.ID,
		State:        model.StateGraded,
		TotalTests:   verdict.TestsTotal,
		DoneTests:    verdict.TestsPassed,
		Verdict:      &verdict,
	})
	if s.reports != nil {
		report := model.Report{
			SubmissionID: sub.ID,
			TaskID:       sub.TaskID,
			Verdict:      verdict,
			Results:      verdict.Results,
			CreatedAt:    gradedAt,
		}
		if err := s.reports.Save(ctx, report); err != nil {
			logger.Warn(ctx, "archive grading report failed", zap.Error(err))
		}
	}
	if s.events != nil {
		event := model.SubmissionGradedEvent{
			SubmissionID: sub.ID,
			TaskID:       sub.TaskID,
			UserID:       sub.UserID,
			Kind:         verdict.Kind,
			GradedAt:     gradedAt,
		}
		if err := s.events.PublishGraded(ctx, event); err != nil {
			logger.Warn(ctx, "publish graded event failed", zap.Error(err))
		}
	}
}

func (s *Service) failure(ctx context.Context, err error, op string) outcome {
	if !IsRetryable(err) {
		logger.Warn(ctx, "discarding evaluation job", zap.String("op", op), zap.Error(err))
		s.metrics.ObserveDiscard("not_found")
		return outcome{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return outcome{err: err}
	}
	logger.Error(ctx, "grading step failed", zap.String("op", op), zap.Error(err))
	return outcome{requeue: true, reason: op + ": " + err.Error()}
}

func (s *Service) requeue(ctx context.Context, msg *mq.Message, reason string) error {
	dead, err := Requeue(ctx, s.queue, s.retry, msg, reason)
	if err != nil {
		return err
	}
	if dead {
		s.metrics.ObserveRequeue("dead_letter")
	} else {
		s.metrics.ObserveRequeue("retry")
	}
	return nil
}

func (s *Service) acquireSlot(ctx context.Context) bool {
	if s.slotWait <= 0 {
		select {
		case s.sem <- struct{}{}:
			return true
		case <-ctx.Done():
			return false
		}
	}
	timer := time.NewTimer(s.slotWait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

func (s *Service) saveStatus(ctx context.Context, status model.GradingStatus) {
	if s.status == nil {
		return
	}
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	status.UpdatedAt = s.now().UTC()
	if err := s.status.Save(ctxStatus, status); err != nil {
		logger.Warn(ctx, "update grading status failed", zap.Error(err))
	}
}
