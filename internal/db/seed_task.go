package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/torale/torale/internal/config"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/repo/postgres"
)

type taskCreator interface {
	Create(ctx context.Context, req task.CreateRequest) (task.Task, error)
}

// EnsureSeedTask creates a dev monitoring task for the configured user when
// SEED_USER_ID and SEED_TASK_QUERY are both set. Idempotent: a task with the
// same query for that user is left alone.
func EnsureSeedTask(ctx context.Context, pool *pgxpool.Pool, tasks taskCreator, cfg config.Config) error {
	if cfg.SeedUserID == "" || cfg.SeedTaskQuery == "" {
		return nil
	}

	// check if the task exists

	var dummy string

	err := pool.QueryRow(ctx,
		`SELECT id FROM tasks WHERE user_id = $1 AND search_query = $2`,
		cfg.SeedUserID, cfg.SeedTaskQuery).Scan(&dummy)

	if err == nil {
		return nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	_, err = tasks.Create(ctx, task.CreateRequest{
		UserID:               cfg.SeedUserID,
		SearchQuery:          cfg.SeedTaskQuery,
		ConditionDescription: cfg.SeedTaskQuery,
		NotificationChannels: []task.Channel{task.ChannelEmail},
	})

	if postgres.IsUniqueViolation(err) {
		// another instance seeded first
		return nil
	}

	return err
}
