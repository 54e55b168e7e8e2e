package service

import (
	"context"
	"strconv"
	"time"

	"riddleflow/internal/common/mq"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	retryHeader       = "x-grading-retry"
	retryReasonHeader = "x-grading-retry-reason"
)

// RetryPolicy bounds how evaluation jobs are republished after infrastructure failures.
type RetryPolicy struct {
	Topic      string
	DeadLetter string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ParseRetryCount reads the republish counter from message headers.
func ParseRetryCount(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[retryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies msg with a fresh delivery state and the given counter.
func CloneMessageForRetry(msg *mq.Message, retryCount int, reason string) *mq.Message {
	if msg == nil {
		return mq.NewMessage(nil)
	}
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+2),
		Timestamp:  time.Now().UTC(),
		MaxRetries: msg.MaxRetries,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[retryHeader] = strconv.Itoa(retryCount)
	if reason != "" {
		out.Headers[retryReasonHeader] = reason
	}
	return out
}

// ComputeBackoff doubles base per retry, capped at max.
func ComputeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Requeue republishes msg on the retry topic after a backoff, or on the dead
// letter topic once the retry budget is spent. It reports whether the message
// went to the dead letter.
func Requeue(ctx context.Context, queue mq.Producer, policy RetryPolicy, msg *mq.Message, reason string) (bool, error) {
	if queue == nil || policy.Topic == "" {
		return false, appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return false, appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParseRetryCount(msg.Headers)
	if policy.MaxRetries > 0 && retryCount >= policy.MaxRetries {
		if policy.DeadLetter == "" {
			logger.Warn(ctx, "grading retry exhausted without dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID))
			return false, appErr.New(appErr.RetryExhausted)
		}
		logger.Warn(ctx, "grading retry exhausted, sending to dead letter",
			zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.String("topic", policy.DeadLetter))
		if err := queue.Publish(ctx, policy.DeadLetter, CloneMessageForRetry(msg, retryCount, reason)); err != nil {
			return true, appErr.Wrapf(err, appErr.RequeueFailed, "publish to dead letter failed")
		}
		return true, nil
	}

	delay := ComputeBackoff(retryCount, policy.BaseDelay, policy.MaxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "grading retry canceled during backoff", zap.Int("retry_count", retryCount), zap.Duration("delay", delay))
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "grading job requeued",
		zap.Int("retry_count", retryCount+1), zap.Duration("delay", delay), zap.String("topic", policy.Topic), zap.String("reason", reason))
	if err := queue.Publish(ctx, policy.Topic, CloneMessageForRetry(msg, retryCount+1, reason)); err != nil {
		return false, appErr.Wrapf(err, appErr.RequeueFailed, "publish retry failed")
	}
	return false, nil
}

// IsRetryable reports whether an error describes a transient platform failure.
// Missing or malformed data is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch appErr.GetCode(err) {
	case appErr.SubmissionNotFound, appErr.TaskNotFound, appErr.InvalidParams,
		appErr.ValidationFailed, appErr.InvalidValue, appErr.NotFound:
		return false
	}
	return true
}
