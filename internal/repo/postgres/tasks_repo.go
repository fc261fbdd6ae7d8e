package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/observability"
)

type TasksRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewTasksRepo(pool *pgxpool.Pool, prom *observability.Prom) *TasksRepo {
	return &TasksRepo{pool: pool, prom: prom}
}

func (r *TasksRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

const taskColumns = `id, user_id, name, search_query, condition_description,
		       schedule, state, state_changed_at, notify_behavior,
		       notification_channels, notification_email,
		       webhook_url, webhook_secret,
		       last_execution_id, last_known_state, next_run,
		       created_at, updated_at`

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	var state string
	var behavior string
	var channels []string

	err := row.Scan(
		&t.ID, &t.UserID, &t.Name, &t.SearchQuery, &t.ConditionDescription,
		&t.Schedule, &state, &t.StateChangedAt, &behavior,
		&channels, &t.NotificationEmail,
		&t.WebhookURL, &t.WebhookSecret,
		&t.LastExecutionID, &t.LastKnownState, &t.NextRun,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return task.Task{}, err
	}

	t.State = task.State(state)
	t.NotifyBehavior = task.NotifyBehavior(behavior)
	for _, ch := range channels {
		t.NotificationChannels = append(t.NotificationChannels, task.Channel(ch))
	}
	return t, nil
}

func (r *TasksRepo) Create(ctx context.Context, req task.CreateRequest) (task.Task, error) {
	t := task.New(req)

	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}

	channels := make([]string, 0, len(t.NotificationChannels))
	for _, ch := range t.NotificationChannels {
		channels = append(channels, string(ch))
	}

	op := "tasks.create"
	var err error

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `INSERT INTO tasks(
	 id, user_id, name, search_query, condition_description,
	 schedule, state, state_changed_at, notify_behavior,
	 notification_channels, notification_email, webhook_url, webhook_secret,
	 created_at, updated_at
	 ) VALUES (
		$1,$2,$3,$4,$5,
		$6,$7,$8,$9,
		$10,$11,$12,$13,
		$14,$15
	 )
	 `, t.ID, t.UserID, t.Name, t.SearchQuery, t.ConditionDescription,
			t.Schedule, string(t.State), t.StateChangedAt, string(t.NotifyBehavior),
			channels, t.NotificationEmail, t.WebhookURL, t.WebhookSecret,
			t.CreatedAt, t.UpdatedAt)

		return err
	})

	if err != nil {
		return task.Task{}, err
	}

	return t, nil
}

func (r *TasksRepo) GetByID(ctx context.Context, id string) (task.Task, error) {
	var t task.Task
	var err error
	op := "tasks.get_by_id"

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
		t, err = scanTask(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}

	return t, nil
}

// ListAll returns every task; the startup reconciliation pass walks the
// whole table.
func (r *TasksRepo) ListAll(ctx context.Context) ([]task.Task, error) {
	var out []task.Task

	op := "tasks.list_all"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, scanErr := scanTask(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, t)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStateCAS performs the compare-and-swap transition update.
// Zero rows updated means the caller's observed state is stale (or the
// task is gone); the state machine tells the two apart with GetByID.
func (r *TasksRepo) UpdateStateCAS(ctx context.Context, id string, from, to task.State) error {
	var tag pgconn.CommandTag
	var err error
	op := "tasks.update_state_cas"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $3,
		    state_changed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, id, string(from), string(to))
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrConcurrentTransition
	}
	return nil
}

func (r *TasksRepo) SetNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	var tag pgconn.CommandTag
	var err error
	op := "tasks.set_next_run"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE tasks
		SET next_run = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, id, nextRun)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// SetWebhookSecret rotates the signing secret. Only tasks with the webhook
// channel enabled carry one, hence the URL guard.
func (r *TasksRepo) SetWebhookSecret(ctx context.Context, id, secret string) error {
	var tag pgconn.CommandTag
	var err error
	op := "tasks.set_webhook_secret"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE tasks
		SET webhook_secret = $2,
		    updated_at = NOW()
		WHERE id = $1 AND webhook_url IS NOT NULL
	`, id, secret)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// Rename is used by the orchestrator to auto-name tasks from the agent's
// topic. The WHERE clause keeps it from clobbering a user-chosen name.
func (r *TasksRepo) Rename(ctx context.Context, id, placeholder, name string) error {
	var err error
	op := "tasks.rename"

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `
		UPDATE tasks
		SET name = $3,
		    updated_at = NOW()
		WHERE id = $1 AND name = $2
	`, id, placeholder, name)
		return err
	})

	return err
}

// CountByState powers the /stats endpoint.
func (r *TasksRepo) CountByState(ctx context.Context) (map[task.State]int, error) {
	out := make(map[task.State]int)

	op := "tasks.count_by_state"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var state string
			var n int
			if scanErr := rows.Scan(&state, &n); scanErr != nil {
				return scanErr
			}
			out[task.State(state)] = n
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}
