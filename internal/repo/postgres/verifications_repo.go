package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/torale/torale/internal/observability"
	"github.com/torale/torale/internal/verification"
)

type VerificationsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewVerificationsRepo(pool *pgxpool.Pool, prom *observability.Prom) *VerificationsRepo {
	return &VerificationsRepo{pool: pool, prom: prom}
}

func (r *VerificationsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *VerificationsRepo) Insert(ctx context.Context, v verification.Verification) (verification.Verification, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	op := "email_verifications.insert"
	var err error

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `INSERT INTO email_verifications(
	 id, user_id, email, code_hash, expires_at, attempts_left, verified, created_at
	 ) VALUES ($1,$2,$3,$4,$5,$6,false,$7)
	 `, v.ID, v.UserID, v.Email, v.CodeHash, v.ExpiresAt, v.AttemptsLeft, v.CreatedAt)
		return err
	})

	if err != nil {
		return verification.Verification{}, err
	}
	return v, nil
}

func (r *VerificationsRepo) GetActive(ctx context.Context, userID, email string) (verification.Verification, error) {
	var v verification.Verification
	var err error
	op := "email_verifications.get_active"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT id, user_id, email, code_hash, expires_at,
		       attempts_left, verified, verified_at, created_at
		FROM email_verifications
		WHERE user_id = $1 AND email = $2
		  AND verified = false
		  AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, email).Scan(
			&v.ID, &v.UserID, &v.Email, &v.CodeHash, &v.ExpiresAt,
			&v.AttemptsLeft, &v.Verified, &v.VerifiedAt, &v.CreatedAt,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return verification.Verification{}, verification.ErrCodeNotFound
		}
		return verification.Verification{}, err
	}

	return v, nil
}

func (r *VerificationsRepo) DecrementAttempts(ctx context.Context, id string) (int, error) {
	var left int
	var err error
	op := "email_verifications.decrement_attempts"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		UPDATE email_verifications
		SET attempts_left = GREATEST(attempts_left - 1, 0)
		WHERE id = $1
		RETURNING attempts_left
	`, id).Scan(&left)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, verification.ErrCodeNotFound
		}
		return 0, err
	}

	return left, nil
}

func (r *VerificationsRepo) MarkVerified(ctx context.Context, id string) error {
	var err error
	op := "email_verifications.mark_verified"

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `
		UPDATE email_verifications
		SET verified = true,
		    verified_at = NOW()
		WHERE id = $1
	`, id)
		return err
	})

	return err
}
