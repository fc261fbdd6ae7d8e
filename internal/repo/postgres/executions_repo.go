package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/observability"
)

type ExecutionsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewExecutionsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ExecutionsRepo {
	return &ExecutionsRepo{pool: pool, prom: prom}
}

func (r *ExecutionsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const executionColumns = `id, task_id, status, started_at, completed_at,
		       result, error_message, notification, change_summary,
		       grounding_sources, retry_count`

func scanExecution(row pgx.Row) (execution.Execution, error) {
	var e execution.Execution
	var status string
	var sources []byte

	err := row.Scan(
		&e.ID, &e.TaskID, &status, &e.StartedAt, &e.CompletedAt,
		&e.Result, &e.ErrorMessage, &e.Notification, &e.ChangeSummary,
		&sources, &e.RetryCount,
	)
	if err != nil {
		return execution.Execution{}, err
	}

	e.Status = execution.Status(status)
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &e.GroundingSources); err != nil {
			return execution.Execution{}, err
		}
	}
	return e, nil
}

// CreatePending inserts a new pending execution for the task, atomically
// with the "no pending/running execution exists" check. The whole thing
// runs in one transaction under a per-task advisory lock so concurrent
// force-runs cannot double-insert.
//
// Returns the new row plus whether it is the task's first execution ever
// (decided here, at creation time, not at send time).
func (r *ExecutionsRepo) CreatePending(ctx context.Context, taskID string, retryCount int) (execution.Execution, bool, error) {
	e := execution.New(taskID, retryCount)

	var isFirst bool

	op := "executions.create_pending"

	err := r.observe(op, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, taskID); err != nil {
				return err
			}

			var inflight int
			err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM task_executions
			WHERE task_id = $1 AND status IN ('pending','running')
		`, taskID).Scan(&inflight)
			if err != nil {
				return err
			}
			if inflight > 0 {
				return execution.ErrAlreadyRunning
			}

			var prior int
			err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM task_executions WHERE task_id = $1
		`, taskID).Scan(&prior)
			if err != nil {
				return err
			}
			isFirst = prior == 0

			_, err = tx.Exec(ctx, `INSERT INTO task_executions(
			 id, task_id, status, started_at, retry_count
			 ) VALUES ($1,$2,$3,$4,$5)
			 `, e.ID, e.TaskID, string(e.Status), e.StartedAt, e.RetryCount)
			return err
		})
	})

	if err != nil {
		return execution.Execution{}, false, err
	}

	return e, isFirst, nil
}

// MarkRunning flips pending -> running. Zero rows means the row was
// overridden (force-run) or reaped in the meantime.
func (r *ExecutionsRepo) MarkRunning(ctx context.Context, id string) error {
	var tag pgconn.CommandTag
	var err error
	op := "executions.mark_running"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = 'running',
		    started_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return execution.ErrAlreadyFinalized
	}
	return nil
}

// FinalizeSuccess writes the agent result and patches the owning task's
// last_execution_id / last_known_state / next_run in a single transaction.
// A terminal row is left untouched (idempotent finalize).
func (r *ExecutionsRepo) FinalizeSuccess(ctx context.Context, up execution.SuccessUpdate) error {
	sources, err := json.Marshal(up.GroundingSources)
	if err != nil {
		return err
	}

	lastKnown, err := json.Marshal(map[string]string{"evidence": up.Evidence})
	if err != nil {
		return err
	}

	op := "executions.finalize_success"

	return r.observe(op, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
			UPDATE task_executions
			SET status = 'success',
			    completed_at = NOW(),
			    result = $2,
			    notification = $3,
			    change_summary = $4,
			    grounding_sources = $5,
			    error_message = NULL
			WHERE id = $1 AND status IN ('pending','running')
		`, up.ExecutionID, up.Result, up.Notification, up.ChangeSummary, sources)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return execution.ErrAlreadyFinalized
			}

			_, err = tx.Exec(ctx, `
			UPDATE tasks
			SET last_execution_id = $2,
			    last_known_state = $3,
			    next_run = $4,
			    updated_at = NOW()
			WHERE id = $1
		`, up.TaskID, up.ExecutionID, lastKnown, up.NextRun)
			return err
		})
	})
}

// MarkFailed finalizes an execution as failed. Terminal rows are left
// alone so a late orchestrator cannot clobber a force-run override.
func (r *ExecutionsRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	var tag pgconn.CommandTag
	var err error
	op := "executions.mark_failed"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = 'failed',
		    completed_at = NOW(),
		    error_message = $2
		WHERE id = $1 AND status IN ('pending','running')
	`, id, errMsg)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return execution.ErrAlreadyFinalized
	}
	return nil
}

func (r *ExecutionsRepo) GetByID(ctx context.Context, id string) (execution.Execution, error) {
	var e execution.Execution
	var err error
	op := "executions.get_by_id"

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = $1`, id)
		e, err = scanExecution(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.Execution{}, execution.ErrExecutionNotFound
		}
		return execution.Execution{}, err
	}

	return e, nil
}

// FindInFlight returns the pending or running execution for a task, if any.
func (r *ExecutionsRepo) FindInFlight(ctx context.Context, taskID string) (*execution.Execution, error) {
	var e execution.Execution
	var err error
	op := "executions.find_in_flight"

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		WHERE task_id = $1 AND status IN ('pending','running')
		ORDER BY started_at DESC
		LIMIT 1
	`, taskID)
		e, err = scanExecution(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &e, nil
}

// ListRecentCompleted returns up to limit terminal executions, newest
// first. Feeds the prompt history block.
func (r *ExecutionsRepo) ListRecentCompleted(ctx context.Context, taskID string, limit int) ([]execution.Execution, error) {
	var out []execution.Execution

	op := "executions.list_recent_completed"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		WHERE task_id = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT $2
	`, taskID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			e, scanErr := scanExecution(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, e)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastRetryCount returns the retry_count of the task's most recent
// execution, or 0 if it has none. New manual runs inherit it.
func (r *ExecutionsRepo) LastRetryCount(ctx context.Context, taskID string) (int, error) {
	var n int
	var err error
	op := "executions.last_retry_count"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT retry_count
		FROM task_executions
		WHERE task_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, taskID).Scan(&n)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// ReapStale fails executions stuck in running beyond the grace period.
// This is the recovery path for orchestrator crashes.
func (r *ExecutionsRepo) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	secs := int64(olderThan.Seconds())
	if secs <= 0 {
		secs = 1800
	}

	var rows int64

	op := "executions.reap_stale"

	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = 'failed',
		    completed_at = NOW(),
		    error_message = 'execution exceeded maximum runtime'
		WHERE status = 'running'
		  AND started_at < NOW() - ($1 * INTERVAL '1 second')
	`, secs)
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})

	return rows, err
}

// MergeResultFlag sets a boolean flag inside the execution's result JSONB
// (notification_failed, reschedule_failed) without rewriting the payload.
func (r *ExecutionsRepo) MergeResultFlag(ctx context.Context, id string, flag string) error {
	var err error
	op := "executions.merge_result_flag"

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `
		UPDATE task_executions
		SET result = COALESCE(result, '{}'::jsonb) || jsonb_build_object($2::text, true)
		WHERE id = $1
	`, id, flag)
		return err
	})

	return err
}

// CountTotals powers /stats.
func (r *ExecutionsRepo) CountTotals(ctx context.Context) (total int, running int, err error) {
	op := "executions.count_totals"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'running')
		FROM task_executions
	`).Scan(&total, &running)
	})

	return total, running, err
}
