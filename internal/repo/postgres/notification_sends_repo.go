package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/torale/torale/internal/domain/notification"
	"github.com/torale/torale/internal/observability"
)

type NotificationSendsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewNotificationSendsRepo(pool *pgxpool.Pool, prom *observability.Prom) *NotificationSendsRepo {
	return &NotificationSendsRepo{pool: pool, prom: prom}
}

func (r *NotificationSendsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Insert appends one audit row per email attempt. Rows are never updated.
func (r *NotificationSendsRepo) Insert(ctx context.Context, s notification.Send) (notification.Send, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	op := "notification_sends.insert"
	var err error

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `INSERT INTO notification_sends(
	 id, user_id, task_id, execution_id, recipient_email,
	 notification_type, status, error_message, created_at
	 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	 `, s.ID, s.UserID, s.TaskID, s.ExecutionID, s.RecipientEmail,
			s.NotificationType, string(s.Status), s.ErrorMessage, s.CreatedAt)
		return err
	})

	if err != nil {
		return notification.Send{}, err
	}
	return s, nil
}

// CountSuccessSince counts successful sends to a recipient after the cutoff.
// Spam caps only count status = success.
func (r *NotificationSendsRepo) CountSuccessSince(ctx context.Context, recipient string, since time.Time) (int, error) {
	var n int
	var err error
	op := "notification_sends.count_success_since"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM notification_sends
		WHERE recipient_email = $1
		  AND status = 'success'
		  AND created_at >= $2
	`, recipient, since).Scan(&n)
	})

	return n, err
}
