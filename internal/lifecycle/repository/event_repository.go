package repository

import (
	"context"
	"database/sql"
	"fmt"

	"riddleflow/internal/common/db"
	"riddleflow/internal/lifecycle/model"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// maxTxAttempts bounds reruns of a transition batch after serialization failures or deadlocks.
const maxTxAttempts = 3

type entityTable struct {
	kind         model.EntityKind
	table        string
	statusColumn string
	// touchUpdatedAt is set for tables that carry an updated_at column.
	touchUpdatedAt bool
}

var tables = []entityTable{
	{kind: model.KindHackathon, table: "hackathons", statusColumn: "status"},
	{kind: model.KindContest, table: "contests", statusColumn: "contest_status", touchUpdatedAt: true},
}

func tableFor(kind model.EntityKind) (entityTable, bool) {
	for _, t := range tables {
		if t.kind == kind {
			return t, true
		}
	}
	return entityTable{}, false
}

// EventRepository reads and advances hackathon and contest statuses.
type EventRepository struct {
	db db.Database
}

func NewEventRepository(database db.Database) *EventRepository {
	return &EventRepository{db: database}
}

// ListNonTerminal returns every PLANNED or ACTIVE hackathon and contest.
func (r *EventRepository) ListNonTerminal(ctx context.Context) ([]model.Event, error) {
	var events []model.Event
	for _, t := range tables {
		batch, err := r.listTable(ctx, t)
		if err != nil {
			return nil, err
		}
		events = append(events, batch...)
	}
	return events, nil
}

func (r *EventRepository) listTable(ctx context.Context, t entityTable) ([]model.Event, error) {
	query := fmt.Sprintf(`SELECT id, %[1]s::text, start_time, end_time FROM %[2]s
		WHERE %[1]s IN ('PLANNED', 'ACTIVE') ORDER BY id`, t.statusColumn, t.table)
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list %s failed", t.table)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			e          model.Event
			status     string
			start, end sql.NullTime
		)
		if err := rows.Scan(&e.ID, &status, &start, &end); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan %s failed", t.table)
		}
		e.Kind = t.kind
		e.Status = model.EventStatus(status)
		if start.Valid {
			v := start.Time.UTC()
			e.StartTime = &v
		}
		if end.Valid {
			v := end.Time.UTC()
			e.EndTime = &v
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate %s failed", t.table)
	}
	return out, nil
}

// ApplyTransitions writes all transitions in one transaction. Each update only
// matches a row still in its observed status; the transitions that changed a
// row are returned.
func (r *EventRepository) ApplyTransitions(ctx context.Context, transitions []model.Transition) ([]model.Transition, error) {
	if len(transitions) == 0 {
		return nil, nil
	}
	var (
		applied []model.Transition
		err     error
	)
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		applied, err = r.applyAll(ctx, transitions)
		if err == nil || !db.IsTransient(err) || ctx.Err() != nil {
			break
		}
		logger.Warn(ctx, "lifecycle transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if err != nil {
		if appErr.GetCode(err) == appErr.DatabaseError {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.TransactionFailed, "apply lifecycle transitions failed")
	}
	return applied, nil
}

func (r *EventRepository) applyAll(ctx context.Context, transitions []model.Transition) ([]model.Transition, error) {
	var applied []model.Transition
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		for _, tr := range transitions {
			n, err := r.apply(ctx, tx, tr)
			if err != nil {
				return err
			}
			if n > 0 {
				applied = append(applied, tr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (r *EventRepository) apply(ctx context.Context, tx db.Transaction, tr model.Transition) (int, error) {
	t, ok := tableFor(tr.Kind)
	if !ok {
		return 0, appErr.Newf(appErr.InvalidParams, "unknown entity kind %q", tr.Kind)
	}
	set := fmt.Sprintf("%s = $1", t.statusColumn)
	if t.touchUpdatedAt {
		set += ", updated_at = now()"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $2 AND %s = $3", t.table, set, t.statusColumn)
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query, string(tr.To), tr.ID, string(tr.From))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "update %s %d failed", t.table, tr.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "read affected rows failed")
	}
	return int(n), nil
}
