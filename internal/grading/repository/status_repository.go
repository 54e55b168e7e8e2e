package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/grading/model"
	appErr "riddleflow/pkg/errors"
)

const statusKeyPrefix = "grading:status:"

// StatusRepository keeps the user-facing grading progress in Redis.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

func statusKey(submissionID int64) string {
	return statusKeyPrefix + strconv.FormatInt(submissionID, 10)
}

// Get returns status by submission id.
func (r *StatusRepository) Get(ctx context.Context, submissionID int64) (model.GradingStatus, error) {
	if submissionID <= 0 {
		return model.GradingStatus{}, appErr.ValidationError("submission_id", "must be positive")
	}
	if r.cache == nil {
		return model.GradingStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKey(submissionID))
	if err != nil {
		return model.GradingStatus{}, appErr.Wrapf(err, appErr.CacheError, "read status failed")
	}
	if val == "" {
		return model.GradingStatus{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission status not found")
	}
	var status model.GradingStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return model.GradingStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return status, nil
}

// Save persists status.
func (r *StatusRepository) Save(ctx context.Context, status model.GradingStatus) error {
	if status.SubmissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKey(status.SubmissionID), string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}
