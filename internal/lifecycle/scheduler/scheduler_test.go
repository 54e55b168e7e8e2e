package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/metrics"
	"riddleflow/internal/lifecycle/model"
	appErr "riddleflow/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// memStore applies transitions only to rows still in the observed status.
type memStore struct {
	mu      sync.Mutex
	events  map[model.EntityKind]map[int64]model.Event
	lists   int
	applies int
	block   chan struct{}
	entered chan struct{}

	// beforeApply simulates a concurrent writer between load and apply.
	beforeApply func(events map[model.EntityKind]map[int64]model.Event)
}

func newMemStore(events ...model.Event) *memStore {
	s := &memStore{events: map[model.EntityKind]map[int64]model.Event{}}
	for _, e := range events {
		if s.events[e.Kind] == nil {
			s.events[e.Kind] = map[int64]model.Event{}
		}
		s.events[e.Kind][e.ID] = e
	}
	return s
}

func (s *memStore) ListNonTerminal(ctx context.Context) ([]model.Event, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	var out []model.Event
	for _, kind := range []model.EntityKind{model.KindHackathon, model.KindContest} {
		for _, e := range s.events[kind] {
			if !e.Status.IsTerminal() {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *memStore) ApplyTransitions(_ context.Context, transitions []model.Transition) ([]model.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	if s.beforeApply != nil {
		s.beforeApply(s.events)
	}
	var applied []model.Transition
	for _, tr := range transitions {
		e := s.events[tr.Kind][tr.ID]
		if e.Status != tr.From {
			continue
		}
		e.Status = tr.To
		s.events[tr.Kind][tr.ID] = e
		applied = append(applied, tr)
	}
	return applied, nil
}

func (s *memStore) status(kind model.EntityKind, id int64) model.EventStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[kind][id].Status
}

func ptr(t time.Time) *time.Time { return &t }

var tickNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return tickNow }
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new scheduler failed: %v", err)
	}
	return s
}

func TestTickActivatesPlannedHackathon(t *testing.T) {
	t.Parallel()

	store := newMemStore(model.Event{
		ID: 1, Kind: model.KindHackathon, Status: model.StatusPlanned,
		StartTime: ptr(tickNow.Add(-time.Minute)), EndTime: ptr(tickNow.Add(time.Hour)),
	})
	s := newScheduler(t, Config{Store: store})
	result, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got := store.status(model.KindHackathon, 1); got != model.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}
	if result.Applied != 1 || result.TickID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	result, err = s.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if result.Planned != 0 || store.applies != 1 {
		t.Fatalf("expected second tick to be a no-op, got %+v", result)
	}
}

func TestTickMixedEvents(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		model.Event{ID: 1, Kind: model.KindHackathon, Status: model.StatusActive,
			StartTime: ptr(tickNow.Add(-2 * time.Hour)), EndTime: ptr(tickNow.Add(-time.Minute))},
		model.Event{ID: 2, Kind: model.KindHackathon, Status: model.StatusPlanned},
		model.Event{ID: 3, Kind: model.KindContest, Status: model.StatusPlanned,
			StartTime: ptr(tickNow.Add(-time.Minute)), EndTime: ptr(tickNow.Add(time.Hour))},
		model.Event{ID: 4, Kind: model.KindContest, Status: model.StatusCanceled,
			StartTime: ptr(tickNow.Add(-time.Minute)), EndTime: ptr(tickNow.Add(time.Hour))},
		model.Event{ID: 5, Kind: model.KindContest, Status: model.StatusPlanned,
			StartTime: ptr(tickNow.Add(time.Hour)), EndTime: ptr(tickNow.Add(-time.Hour))},
	)
	s := newScheduler(t, Config{Store: store})
	result, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	tests := []struct {
		kind model.EntityKind
		id   int64
		want model.EventStatus
	}{
		{kind: model.KindHackathon, id: 1, want: model.StatusCompleted},
		{kind: model.KindHackathon, id: 2, want: model.StatusPlanned},
		{kind: model.KindContest, id: 3, want: model.StatusActive},
		{kind: model.KindContest, id: 4, want: model.StatusCanceled},
		{kind: model.KindContest, id: 5, want: model.StatusPlanned},
	}
	for _, tt := range tests {
		if got := store.status(tt.kind, tt.id); got != tt.want {
			t.Fatalf("%s %d: expected %s, got %s", tt.kind, tt.id, tt.want, got)
		}
	}
	if result.BadRows != 2 || result.Applied != 2 || result.Examined != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTickSkipsOverlap(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.block = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	s := newScheduler(t, Config{Store: store})

	done := make(chan error, 1)
	go func() {
		_, err := s.Tick(context.Background())
		done <- err
	}()
	<-store.entered

	if _, err := s.Tick(context.Background()); !appErr.Is(err, appErr.TickInProgress) {
		t.Fatalf("expected tick in progress, got %v", err)
	}
	close(store.block)
	if err := <-done; err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	if store.lists != 1 {
		t.Fatalf("expected one listing, got %d", store.lists)
	}
}

func TestTickLeaderLock(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lock, err := cache.NewRedisCache(client)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}

	event := model.Event{
		ID: 1, Kind: model.KindContest, Status: model.StatusPlanned,
		StartTime: ptr(tickNow.Add(-time.Minute)), EndTime: ptr(tickNow.Add(time.Hour)),
	}
	storeA := newMemStore(event)
	storeB := newMemStore(event)
	a := newScheduler(t, Config{Store: storeA, Lock: lock, LockKey: "test:leader", Interval: time.Minute})
	b := newScheduler(t, Config{Store: storeB, Lock: lock, LockKey: "test:leader", Interval: time.Minute})

	if res, err := a.Tick(context.Background()); err != nil || res.NotLeader {
		t.Fatalf("expected a to lead, got %+v err=%v", res, err)
	}
	if res, err := b.Tick(context.Background()); err != nil || !res.NotLeader {
		t.Fatalf("expected b to be follower, got %+v err=%v", res, err)
	}
	if storeB.lists != 0 {
		t.Fatalf("expected follower not to read events")
	}
	if res, err := a.Tick(context.Background()); err != nil || res.NotLeader {
		t.Fatalf("expected a to keep leading, got %+v err=%v", res, err)
	}
	if ttl := mr.TTL("test:leader"); ttl != 2*time.Minute {
		t.Fatalf("expected lease of 2m, got %s", ttl)
	}

	a.releaseLeadership()
	if res, err := b.RunOnce(context.Background()); err != nil || res.NotLeader {
		t.Fatalf("expected b to take over, got %+v err=%v", res, err)
	}
	if mr.Exists("test:leader") {
		t.Fatalf("expected RunOnce to release the lock")
	}
}

func TestRunTicksUntilCanceled(t *testing.T) {
	t.Parallel()

	store := newMemStore(model.Event{
		ID: 9, Kind: model.KindHackathon, Status: model.StatusPlanned,
		StartTime: ptr(tickNow.Add(-time.Minute)), EndTime: ptr(tickNow.Add(time.Hour)),
	})
	s := newScheduler(t, Config{Store: store, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := store.status(model.KindHackathon, 9); got != model.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func transitionsCounted(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != "riddleflow_scheduler_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestTickCountsOnlyAppliedTransitions(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		model.Event{ID: 1, Kind: model.KindHackathon, Status: model.StatusPlanned,
			StartTime: ptr(tickNow.Add(-time.Minute)), EndTime: ptr(tickNow.Add(time.Hour))},
		model.Event{ID: 2, Kind: model.KindContest, Status: model.StatusPlanned,
			StartTime: ptr(tickNow.Add(-time.Minute)), EndTime: ptr(tickNow.Add(time.Hour))},
	)
	// An organizer cancels contest 2 after the tick loaded it.
	store.beforeApply = func(events map[model.EntityKind]map[int64]model.Event) {
		e := events[model.KindContest][2]
		e.Status = model.StatusCanceled
		events[model.KindContest][2] = e
	}
	reg := prometheus.NewRegistry()
	s := newScheduler(t, Config{Store: store, Metrics: metrics.NewSchedulerMetrics(reg)})

	result, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if result.Planned != 2 || result.Applied != 1 {
		t.Fatalf("expected 2 planned and 1 applied, got %+v", result)
	}
	if got := transitionsCounted(t, reg); got != 1 {
		t.Fatalf("expected 1 transition counted, got %v", got)
	}
	if got := store.status(model.KindContest, 2); got != model.StatusCanceled {
		t.Fatalf("expected concurrent cancel to survive, got %s", got)
	}
}
