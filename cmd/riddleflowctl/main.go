// Command riddleflowctl is the operator tool for grading and lifecycle maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"riddleflow/internal/common/cache"
	"riddleflow/internal/common/config"
	"riddleflow/internal/common/db"
	"riddleflow/internal/common/mq"
	gradingmodel "riddleflow/internal/grading/model"
	gradingrepo "riddleflow/internal/grading/repository"
	lifecyclerepo "riddleflow/internal/lifecycle/repository"
	"riddleflow/internal/lifecycle/scheduler"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/logger"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/riddleflowctl.yaml"

// env is what one command invocation works against.
type env struct {
	submissions stuckLister
	jobs        jobQueue
	status      statusStore
	events      scheduler.EventStore
	lock        cache.LockOps
	lockKey     string
	lockTTL     time.Duration
	close       func()
}

type stuckLister interface {
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
}

type jobQueue interface {
	Enqueue(ctx context.Context, submissionID int64) error
	EnqueueBatch(ctx context.Context, submissionIDs []int64) error
}

type statusStore interface {
	Get(ctx context.Context, submissionID int64) (gradingmodel.GradingStatus, error)
	Save(ctx context.Context, status gradingmodel.GradingStatus) error
}

// opener builds the env for a command; withQueue is false when nothing is published.
type opener func(cmd *cli.Command, withQueue bool) (*env, error)

func main() {
	if err := newRootCommand(openEnv, time.Now).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "riddleflowctl: %v\n", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func newRootCommand(open opener, now func() time.Time) *cli.Command {
	return &cli.Command{
		Name:  "riddleflowctl",
		Usage: "operate the grading pipeline and the lifecycle scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "path to config file",
				Sources: cli.EnvVars("RIDDLEFLOW_CTL_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			enqueueCommand(open),
			requeueStuckCommand(open, now),
			statusCommand(open),
			tickCommand(open),
		},
	}
}

func enqueueCommand(open opener) *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "enqueue evaluation jobs for submissions",
		ArgsUsage: "<submission-id> [submission-id...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return fmt.Errorf("at least one submission id is required")
			}
			ids := make([]int64, 0, cmd.NArg())
			for _, raw := range cmd.Args().Slice() {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid submission id %q", raw)
				}
				ids = append(ids, id)
			}
			d, err := open(cmd, true)
			if err != nil {
				return err
			}
			defer d.close()

			for _, id := range ids {
				if err := d.jobs.Enqueue(ctx, id); err != nil {
					return err
				}
				if err := d.status.Save(ctx, gradingmodel.GradingStatus{SubmissionID: id, State: gradingmodel.StateQueued}); err != nil {
					logger.Warn(ctx, "update grading status failed", zap.Int64("submission_id", id), zap.Error(err))
				}
				fmt.Fprintf(cmd.Root().Writer, "enqueued %d\n", id)
			}
			return nil
		},
	}
}

func requeueStuckCommand(open opener, now func() time.Time) *cli.Command {
	return &cli.Command{
		Name:  "requeue-stuck",
		Usage: "republish jobs for submissions left in SUBMITTED",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "older-than", Value: 15 * time.Minute, Usage: "minimum time spent in SUBMITTED"},
			&cli.Int64Flag{Name: "limit", Value: 100, Usage: "maximum submissions to requeue"},
			&cli.BoolFlag{Name: "dry-run", Usage: "list the submissions without publishing"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			olderThan := cmd.Duration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			d, err := open(cmd, !cmd.Bool("dry-run"))
			if err != nil {
				return err
			}
			defer d.close()

			cutoff := now().UTC().Add(-olderThan)
			ids, err := d.submissions.ListStuck(ctx, cutoff, int(cmd.Int64("limit")))
			if err != nil {
				return err
			}
			out := cmd.Root().Writer
			if len(ids) == 0 {
				fmt.Fprintln(out, "no stuck submissions")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintf(out, "%d\n", id)
			}
			if cmd.Bool("dry-run") {
				fmt.Fprintf(out, "%d submissions would be requeued\n", len(ids))
				return nil
			}
			if err := d.jobs.EnqueueBatch(ctx, ids); err != nil {
				return err
			}
			logger.Info(ctx, "stuck submissions requeued", zap.Int("count", len(ids)), zap.Time("cutoff", cutoff))
			fmt.Fprintf(out, "requeued %d submissions\n", len(ids))
			return nil
		},
	}
}

func statusCommand(open opener) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show cached grading progress of a submission",
		ArgsUsage: "<submission-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := strconv.ParseInt(cmd.Args().First(), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid submission id %q", cmd.Args().First())
			}
			d, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer d.close()

			status, err := d.status.Get(ctx, id)
			if appErr.Is(err, appErr.SubmissionNotFound) {
				fmt.Fprintf(cmd.Root().Writer, "no cached status for %d\n", id)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "submission %d: %s (%d/%d tests)", id, status.State, status.DoneTests, status.TotalTests)
			if status.Verdict != nil {
				fmt.Fprintf(cmd.Root().Writer, " verdict=%s", status.Verdict.Kind)
			}
			fmt.Fprintf(cmd.Root().Writer, " updated %s\n", status.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func tickCommand(open opener) *cli.Command {
	return &cli.Command{
		Name:  "tick",
		Usage: "run one lifecycle tick now",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			d, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer d.close()

			sched, err := scheduler.New(scheduler.Config{
				Store:   d.events,
				Lock:    d.lock,
				LockKey: d.lockKey,
				LockTTL: d.lockTTL,
			})
			if err != nil {
				return err
			}
			result, err := sched.RunOnce(ctx)
			if err != nil {
				return err
			}
			if result.NotLeader {
				fmt.Fprintln(cmd.Root().Writer, "another scheduler holds the lock, nothing done")
				return nil
			}
			fmt.Fprintf(cmd.Root().Writer, "tick %s: examined=%d changed=%d bad_rows=%d\n",
				result.TickID, result.Examined, result.Applied, result.BadRows)
			return nil
		},
	}
}

// openEnv connects to PostgreSQL, Redis and, when asked, the queue.
func openEnv(cmd *cli.Command, withQueue bool) (*env, error) {
	cfg, err := loadAppConfig(cmd.Root().String("config"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return nil, fmt.Errorf("init logger failed: %w", err)
	}

	var (
		pg          *db.PostgreSQL
		redisClient *redis.Client
		queue       mq.MessageQueue
	)
	closeAll := func() {
		if queue != nil {
			_ = queue.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if pg != nil {
			_ = pg.Close()
		}
	}
	if pg, err = db.NewPostgreSQL(cfg.Database); err != nil {
		return nil, fmt.Errorf("init database failed: %w", err)
	}
	if redisClient, err = cache.NewRedisClient(cfg.Redis); err != nil {
		closeAll()
		return nil, fmt.Errorf("init redis failed: %w", err)
	}
	redisCache, err := cache.NewRedisCache(redisClient)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init redis cache failed: %w", err)
	}
	if withQueue {
		if queue, err = config.NewQueue(cfg.Queue, redisClient); err != nil {
			closeAll()
			return nil, fmt.Errorf("init queue failed: %w", err)
		}
	}

	e := &env{
		submissions: gradingrepo.NewSubmissionRepository(pg),
		status:      gradingrepo.NewStatusRepository(redisCache, cfg.Status.TTL),
		events:      lifecyclerepo.NewEventRepository(pg),
		lockKey:     cfg.SchedulerLock.Key,
		lockTTL:     cfg.SchedulerLock.TTL,
		close:       closeAll,
	}
	if queue != nil {
		e.jobs = gradingrepo.NewMQJobPublisher(queue, cfg.Queue.JobsTopic)
	}
	if cfg.SchedulerLock.Enabled {
		e.lock = redisCache
	}
	return e, nil
}
