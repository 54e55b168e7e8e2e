package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/metrics"
	"riddleflow/internal/lifecycle/model"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/contextkey"
	"riddleflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultInterval = time.Minute
	defaultLockKey  = "lifecycle:scheduler:leader"
)

// EventStore loads time-windowed events and persists their transitions.
type EventStore interface {
	ListNonTerminal(ctx context.Context) ([]model.Event, error)
	ApplyTransitions(ctx context.Context, transitions []model.Transition) ([]model.Transition, error)
}

// Config holds scheduler dependencies and settings.
type Config struct {
	Store    EventStore
	Interval time.Duration
	// TickTimeout bounds one tick. Defaults to Interval.
	TickTimeout time.Duration

	// Lock, when set, elects one leader among scheduler replicas.
	Lock    cache.LockOps
	LockKey string
	LockTTL time.Duration

	Metrics *metrics.SchedulerMetrics
	Now     func() time.Time
}

// TickResult summarizes one tick.
type TickResult struct {
	TickID    string
	NotLeader bool
	Examined  int
	BadRows   int
	Planned   int
	Applied   int
}

// Scheduler advances hackathon and contest statuses on a fixed cadence.
type Scheduler struct {
	store       EventStore
	interval    time.Duration
	tickTimeout time.Duration
	lock        cache.LockOps
	lockKey     string
	lockTTL     time.Duration
	token       string
	metrics     *metrics.SchedulerMetrics
	now         func() time.Time

	running atomic.Bool
	// leader is only touched by the tick holding running.
	leader bool
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	tickTimeout := cfg.TickTimeout
	if tickTimeout <= 0 {
		tickTimeout = interval
	}
	lockKey := cfg.LockKey
	if lockKey == "" {
		lockKey = defaultLockKey
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * interval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:       cfg.Store,
		interval:    interval,
		tickTimeout: tickTimeout,
		lock:        cfg.Lock,
		lockKey:     lockKey,
		lockTTL:     lockTTL,
		token:       uuid.NewString(),
		metrics:     cfg.Metrics,
		now:         now,
	}, nil
}

// Run ticks immediately and then every interval until ctx is done.
// Ticks run in the background so a slow one shows up as skipped ticks
// instead of a drifting cadence.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info(ctx, "lifecycle scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.releaseLeadership()
			logger.Info(context.Background(), "lifecycle scheduler stopped")
			return nil
		case <-ticker.C:
			s.spawnTick(ctx)
		}
	}
}

func (s *Scheduler) spawnTick(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Tick(ctx); err != nil && !appErr.Is(err, appErr.TickInProgress) && ctx.Err() == nil {
			logger.Error(ctx, "lifecycle tick failed", zap.Error(err))
		}
	}()
}

// Tick runs one pass over all non-terminal events. It returns a TickInProgress
// error without doing anything when another tick has not finished yet.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ObserveSkip("overlap")
		logger.Warn(ctx, "previous lifecycle tick still running, skipping")
		return TickResult{}, appErr.New(appErr.TickInProgress)
	}
	defer s.running.Store(false)

	result := TickResult{TickID: uuid.NewString()}
	ctx = context.WithValue(ctx, contextkey.TickID, result.TickID)
	ctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	started := time.Now()
	leader, err := s.acquireLeadership(ctx)
	if err != nil {
		s.metrics.ObserveSkip("lock_error")
		return result, appErr.Wrapf(err, appErr.LockFailed, "acquire scheduler lock failed")
	}
	if !leader {
		s.metrics.ObserveSkip("not_leader")
		logger.Debug(ctx, "another scheduler holds the lock, skipping tick")
		result.NotLeader = true
		return result, nil
	}

	err = s.tick(ctx, &result)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveTick(outcome, time.Since(started))
	return result, err
}

func (s *Scheduler) tick(ctx context.Context, result *TickResult) error {
	events, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	result.Examined = len(events)

	now := s.now().UTC()
	var transitions []model.Transition
	for _, e := range events {
		tr, ok, err := model.Decide(e, now)
		if err != nil {
			result.BadRows++
			s.metrics.ObserveBadRow(string(e.Kind))
			logger.Warn(ctx, "skipping event with invalid window",
				zap.String("kind", string(e.Kind)), zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if ok {
			transitions = append(transitions, tr)
		}
	}
	result.Planned = len(transitions)
	if len(transitions) == 0 {
		logger.Debug(ctx, "lifecycle tick finished, nothing to change", zap.Int("examined", result.Examined))
		return nil
	}

	applied, err := s.store.ApplyTransitions(ctx, transitions)
	if err != nil {
		return err
	}
	result.Applied = len(applied)
	if skipped := len(transitions) - len(applied); skipped > 0 {
		logger.Info(ctx, "some events changed status concurrently, left as found", zap.Int("skipped", skipped))
	}
	for _, tr := range applied {
		s.metrics.ObserveTransition(string(tr.Kind), string(tr.To))
		logger.Info(ctx, "event status changed",
			zap.String("kind", string(tr.Kind)), zap.Int64("id", tr.ID),
			zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
	}
	logger.Info(ctx, "lifecycle tick finished",
		zap.Int("examined", result.Examined), zap.Int("planned", result.Planned),
		zap.Int("applied", result.Applied), zap.Int("bad_rows", result.BadRows))
	return nil
}

func (s *Scheduler) acquireLeadership(ctx context.Context) (bool, error) {
	if s.lock == nil {
		return true, nil
	}
	if s.leader {
		ok, err := s.lock.ExtendLock(ctx, s.lockKey, s.token, s.lockTTL)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		logger.Warn(ctx, "scheduler lock lost")
		s.leader = false
	}
	ok, err := s.lock.TryLock(ctx, s.lockKey, s.token, s.lockTTL)
	if err != nil {
		return false, err
	}
	if ok {
		logger.Info(ctx, "scheduler lock acquired", zap.String("key", s.lockKey))
	}
	s.leader = ok
	return ok, nil
}

// releaseLeadership hands the lock over so another replica can lead without
// waiting for the TTL.
func (s *Scheduler) releaseLeadership() {
	if s.lock == nil || !s.leader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lock.Unlock(ctx, s.lockKey, s.token); err != nil {
		logger.Warn(ctx, "release scheduler lock failed", zap.Error(err))
	}
	s.leader = false
}

// RunOnce runs a single tick and gives up the lock afterwards.
func (s *Scheduler) RunOnce(ctx context.Context) (TickResult, error) {
	result, err := s.Tick(ctx)
	s.releaseLeadership()
	return result, err
}
