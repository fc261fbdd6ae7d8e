package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/torale/torale/internal/domain/user"
	"github.com/torale/torale/internal/observability"
)

type UsersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewUsersRepo(pool *pgxpool.Pool, prom *observability.Prom) *UsersRepo {
	return &UsersRepo{pool: pool, prom: prom}
}

func (r *UsersRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *UsersRepo) GetByID(ctx context.Context, id string) (user.User, error) {
	var u user.User
	var err error
	op := "users.get_by_id"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT id, email, verified_notification_emails,
		       webhook_url, webhook_secret, webhook_enabled
		FROM users
		WHERE id = $1
	`, id).Scan(
			&u.ID, &u.Email, &u.VerifiedNotificationEmails,
			&u.WebhookURL, &u.WebhookSecret, &u.WebhookEnabled,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return user.User{}, user.ErrUserNotFound
		}
		return user.User{}, err
	}

	return u, nil
}

// AddVerifiedEmail appends to the verified set (idempotent).
func (r *UsersRepo) AddVerifiedEmail(ctx context.Context, userID, email string) error {
	var err error
	op := "users.add_verified_email"

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `
		UPDATE users
		SET verified_notification_emails = (
			SELECT ARRAY(
				SELECT DISTINCT e
				FROM unnest(verified_notification_emails || $2::text) AS e
			)
		),
		    updated_at = NOW()
		WHERE id = $1
	`, userID, email)
		return err
	})

	return err
}

// CountUsers powers /stats (capacity reporting only).
func (r *UsersRepo) CountUsers(ctx context.Context) (int, error) {
	var n int
	var err error
	op := "users.count"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	})

	return n, err
}
