package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"riddleflow/internal/common/mq"
	"riddleflow/internal/grading/model"
	appErr "riddleflow/pkg/errors"
)

// MQGradedEventPublisher announces persisted verdicts on a topic.
type MQGradedEventPublisher struct {
	queue mq.Producer
	topic string
}

func NewMQGradedEventPublisher(queue mq.Producer, topic string) *MQGradedEventPublisher {
	return &MQGradedEventPublisher{queue: queue, topic: topic}
}

// PublishGraded publishes one SubmissionGraded event keyed by submission id.
func (p *MQGradedEventPublisher) PublishGraded(ctx context.Context, event model.SubmissionGradedEvent) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("graded event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("graded event topic is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal graded event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.SetHeader("event", "SubmissionGraded")
	message.ID = "graded-" + strconv.FormatInt(event.SubmissionID, 10)
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish graded event failed")
	}
	return nil
}

// MQJobPublisher enqueues evaluation jobs.
type MQJobPublisher struct {
	queue mq.Producer
	topic string
}

func NewMQJobPublisher(queue mq.Producer, topic string) *MQJobPublisher {
	return &MQJobPublisher{queue: queue, topic: topic}
}

// Enqueue publishes EvaluationJob{submissionID}.
func (p *MQJobPublisher) Enqueue(ctx context.Context, submissionID int64) error {
	if submissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("job topic is required")
	}
	body, err := model.EvaluationJob{SubmissionID: submissionID}.Encode()
	if err != nil {
		return fmt.Errorf("marshal evaluation job failed: %w", err)
	}
	if err := p.queue.Publish(ctx, p.topic, mq.NewMessage(body)); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish evaluation job failed")
	}
	return nil
}

// EnqueueBatch publishes one job per submission id in a single batch.
func (p *MQJobPublisher) EnqueueBatch(ctx context.Context, submissionIDs []int64) error {
	if len(submissionIDs) == 0 {
		return nil
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("job topic is required")
	}
	messages := make([]*mq.Message, 0, len(submissionIDs))
	for _, id := range submissionIDs {
		if id <= 0 {
			return appErr.ValidationError("submission_id", "must be positive")
		}
		body, err := model.EvaluationJob{SubmissionID: id}.Encode()
		if err != nil {
			return fmt.Errorf("marshal evaluation job failed: %w", err)
		}
		messages = append(messages, mq.NewMessage(body))
	}
	if err := p.queue.PublishBatch(ctx, p.topic, messages); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish evaluation jobs failed")
	}
	return nil
}
