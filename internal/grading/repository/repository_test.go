package repository

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/db"
	"riddleflow/internal/common/mq"
	"riddleflow/internal/common/storage"
	"riddleflow/internal/grading/model"
	appErr "riddleflow/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type execCall struct {
	query string
	args  []interface{}
}

// fakeDB answers QueryRow with a scripted scanner and Exec with a fixed row count.
type fakeDB struct {
	db.Database
	execs    []execCall
	affected int64
	rowErr   error
}

type fakeRow struct {
	err error
}

func (r fakeRow) Scan(...interface{}) error { return r.err }

type fakeResult int64

func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

func (f *fakeDB) QueryRow(_ context.Context, _ string, _ ...interface{}) db.Row {
	return fakeRow{err: f.rowErr}
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...interface{}) (db.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	return fakeResult(f.affected), nil
}

func TestMarkGradedIsConditional(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "submitted row updated", affected: 1, want: true},
		{name: "already graded", affected: 0, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeDB{affected: tt.affected}
			repo := NewSubmissionRepository(fake)
			local := time.Date(2025, 5, 1, 15, 0, 0, 0, time.FixedZone("MSK", 3*3600))
			got, err := repo.MarkGraded(context.Background(), 7, local, `{"kind":"success"}`)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			call := fake.execs[0]
			if !strings.Contains(call.query, "status = 'SUBMITTED'") {
				t.Fatalf("expected conditional update, got %s", call.query)
			}
			gradedAt := call.args[1].(time.Time)
			if gradedAt.Location() != time.UTC || gradedAt.Hour() != 12 {
				t.Fatalf("expected UTC graded_at, got %v", gradedAt)
			}
		})
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	t.Parallel()

	repo := NewSubmissionRepository(&fakeDB{rowErr: sql.ErrNoRows})
	_, err := repo.Get(context.Background(), 1)
	if appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("expected submission not found, got %v", err)
	}

	repo = NewSubmissionRepository(&fakeDB{rowErr: errors.New("conn reset")})
	_, err = repo.GetTask(context.Background(), 1)
	if appErr.GetCode(err) != appErr.DatabaseError {
		t.Fatalf("expected database error, got %v", err)
	}
}

func newStatusRepo(t *testing.T) (*StatusRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCache(client)
	if err != nil {
		t.Fatalf("create cache failed: %v", err)
	}
	return NewStatusRepository(c, time.Minute), mr
}

func TestStatusRepositoryRoundTrip(t *testing.T) {
	t.Parallel()

	repo, mr := newStatusRepo(t)
	ctx := context.Background()
	if _, err := repo.Get(ctx, 5); appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("expected not found before save, got %v", err)
	}
	status := model.GradingStatus{SubmissionID: 5, State: model.StateRunning, TotalTests: 3, DoneTests: 1}
	if err := repo.Save(ctx, status); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := repo.Get(ctx, 5)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != model.StateRunning || got.DoneTests != 1 || got.UpdatedAt.IsZero() {
		t.Fatalf("unexpected status %+v", got)
	}
	if ttl := mr.TTL("grading:status:5"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := repo.Get(ctx, 5); appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("expected status to expire, got %v", err)
	}
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	m.types[bucket+"/"+key] = contentType
	return nil
}

func (m *memStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.ObjectStat{SizeBytes: int64(len(m.objects[bucket+"/"+key]))}, nil
}

func (m *memStorage) EnsureBucket(context.Context, string) error { return nil }

func TestReportStoreRoundTrip(t *testing.T) {
	t.Parallel()

	objects := newMemStorage()
	store := NewReportStore(objects, "grading", "")
	report := model.Report{
		SubmissionID: 11,
		TaskID:       3,
		Verdict:      model.Verdict{Kind: model.VerdictWrongAnswer, TestsTotal: 2, TestsPassed: 1},
		Results: []model.ExecutionResult{
			{Index: 0, Success: true, Output: "7"},
			{Index: 1, Kind: model.VerdictWrongAnswer, Output: strings.Repeat("8", 4096)},
		},
		CreatedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Save(context.Background(), report); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	key := "grading/reports/11.json.zst"
	if raw := objects.objects[key]; len(raw) == 0 || len(raw) > 4096 {
		t.Fatalf("expected compressed object, got %d bytes", len(raw))
	}
	if objects.types[key] != "application/zstd" {
		t.Fatalf("unexpected content type %q", objects.types[key])
	}
	got, err := store.Load(context.Background(), 11)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Verdict.Kind != model.VerdictWrongAnswer || len(got.Results) != 2 || got.Results[1].Output != report.Results[1].Output {
		t.Fatalf("unexpected report %+v", got.Verdict)
	}
}

type recordingProducer struct {
	topics   []string
	messages []*mq.Message
	err      error
}

func (p *recordingProducer) Publish(_ context.Context, topic string, m *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, m)
	return nil
}

func (p *recordingProducer) PublishBatch(ctx context.Context, topic string, ms []*mq.Message) error {
	for _, m := range ms {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func TestJobPublisherEnqueue(t *testing.T) {
	t.Parallel()

	producer := &recordingProducer{}
	pub := NewMQJobPublisher(producer, "grading.jobs")
	if err := pub.Enqueue(context.Background(), 42); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	job, err := model.DecodeEvaluationJob(producer.messages[0].Body)
	if err != nil || job.SubmissionID != 42 || producer.topics[0] != "grading.jobs" {
		t.Fatalf("unexpected job %+v on %v (%v)", job, producer.topics, err)
	}
	if err := pub.Enqueue(context.Background(), 0); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestGradedEventPublisher(t *testing.T) {
	t.Parallel()

	producer := &recordingProducer{}
	pub := NewMQGradedEventPublisher(producer, "grading.graded")
	event := model.SubmissionGradedEvent{SubmissionID: 9, Kind: model.VerdictSuccess}
	if err := pub.PublishGraded(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if producer.messages[0].ID != "graded-9" {
		t.Fatalf("expected keyed message, got %q", producer.messages[0].ID)
	}

	failing := NewMQGradedEventPublisher(&recordingProducer{err: errors.New("broker down")}, "grading.graded")
	if err := failing.PublishGraded(context.Background(), event); appErr.GetCode(err) != appErr.QueueError {
		t.Fatalf("expected queue error, got %v", err)
	}
}

func TestJobPublisherEnqueueBatch(t *testing.T) {
	t.Parallel()

	producer := &recordingProducer{}
	pub := NewMQJobPublisher(producer, "grading.jobs")
	if err := pub.EnqueueBatch(context.Background(), []int64{3, 5}); err != nil {
		t.Fatalf("enqueue batch failed: %v", err)
	}
	if len(producer.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(producer.messages))
	}
	job, err := model.DecodeEvaluationJob(producer.messages[1].Body)
	if err != nil || job.SubmissionID != 5 {
		t.Fatalf("expected submission 5, got %+v err=%v", job, err)
	}
	if err := pub.EnqueueBatch(context.Background(), []int64{1, -1}); err == nil {
		t.Fatalf("expected validation error")
	}
}
