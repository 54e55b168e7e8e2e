package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"riddleflow/internal/common/storage"
	"riddleflow/internal/grading/model"
	appErr "riddleflow/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const reportContentType = "application/zstd"

// ReportStore archives full grading reports as zstd-compressed JSON objects.
type ReportStore struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string
}

func NewReportStore(objStorage storage.ObjectStorage, bucket, prefix string) *ReportStore {
	if prefix == "" {
		prefix = "reports/"
	}
	return &ReportStore{storage: objStorage, bucket: bucket, prefix: prefix}
}

// ObjectKey returns the object key of a submission's report.
func (s *ReportStore) ObjectKey(submissionID int64) string {
	return s.prefix + strconv.FormatInt(submissionID, 10) + ".json.zst"
}

// Save writes the report, replacing any earlier one for the same submission.
func (s *ReportStore) Save(ctx context.Context, report model.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create zstd writer failed")
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return appErr.Wrapf(err, appErr.StorageError, "compress report failed")
	}
	if err := enc.Close(); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "compress report failed")
	}
	key := s.ObjectKey(report.SubmissionID)
	if err := s.storage.PutObject(ctx, s.bucket, key, &buf, int64(buf.Len()), reportContentType); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "upload report failed")
	}
	return nil
}

// Load reads back a stored report.
func (s *ReportStore) Load(ctx context.Context, submissionID int64) (model.Report, error) {
	reader, err := s.storage.GetObject(ctx, s.bucket, s.ObjectKey(submissionID))
	if err != nil {
		return model.Report{}, appErr.Wrapf(err, appErr.StorageError, "download report failed")
	}
	defer reader.Close()

	dec, err := zstd.NewReader(reader)
	if err != nil {
		return model.Report{}, appErr.Wrapf(err, appErr.StorageError, "open zstd reader failed")
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return model.Report{}, appErr.Wrapf(err, appErr.StorageError, "decompress report failed")
	}
	var report model.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return model.Report{}, appErr.Wrapf(err, appErr.StorageError, "decode report failed")
	}
	return report, nil
}
