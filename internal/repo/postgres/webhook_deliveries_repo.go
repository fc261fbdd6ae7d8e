package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/torale/torale/internal/domain/notification"
	"github.com/torale/torale/internal/observability"
)

type WebhookDeliveriesRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewWebhookDeliveriesRepo(pool *pgxpool.Pool, prom *observability.Prom) *WebhookDeliveriesRepo {
	return &WebhookDeliveriesRepo{pool: pool, prom: prom}
}

func (r *WebhookDeliveriesRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Insert records one attempt with its terminal fields already decided:
// delivered, exhausted, or scheduled for retry. Rows are never mutated.
func (r *WebhookDeliveriesRepo) Insert(ctx context.Context, d notification.Delivery) (notification.Delivery, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	op := "webhook_deliveries.insert"
	var err error

	err = r.observe(op, func() error {
		_, err = r.pool.Exec(ctx, `INSERT INTO webhook_deliveries(
	 id, task_id, execution_id, webhook_url, payload, signature,
	 http_status, error_message, attempt_number,
	 delivered_at, failed_at, next_retry_at, created_at
	 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	 `, d.ID, d.TaskID, d.ExecutionID, d.WebhookURL, d.Payload, d.Signature,
			d.HTTPStatus, d.ErrorMessage, d.AttemptNumber,
			d.DeliveredAt, d.FailedAt, d.NextRetryAt, d.CreatedAt)
		return err
	})

	if err != nil {
		return notification.Delivery{}, err
	}
	return d, nil
}

// DueRetries returns deliveries whose retry is due and which have not been
// superseded by a later attempt for the same execution. Matches the partial
// index on (next_retry_at) WHERE delivered_at IS NULL AND failed_at IS NULL.
func (r *WebhookDeliveriesRepo) DueRetries(ctx context.Context, now time.Time, limit int) ([]notification.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	var out []notification.Delivery

	op := "webhook_deliveries.due_retries"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, execution_id, webhook_url, payload, signature,
		       http_status, error_message, attempt_number,
		       delivered_at, failed_at, next_retry_at, created_at
		FROM webhook_deliveries d
		WHERE delivered_at IS NULL
		  AND failed_at IS NULL
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_deliveries later
			WHERE later.execution_id = d.execution_id
			  AND later.attempt_number > d.attempt_number
		  )
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			d, scanErr := scanDelivery(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, d)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestForExecution returns the newest attempt row, mostly for tests and
// the ops surface.
func (r *WebhookDeliveriesRepo) LatestForExecution(ctx context.Context, executionID string) (notification.Delivery, error) {
	var d notification.Delivery
	var err error
	op := "webhook_deliveries.latest_for_execution"

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
		SELECT id, task_id, execution_id, webhook_url, payload, signature,
		       http_status, error_message, attempt_number,
		       delivered_at, failed_at, next_retry_at, created_at
		FROM webhook_deliveries
		WHERE execution_id = $1
		ORDER BY attempt_number DESC
		LIMIT 1
	`, executionID)
		d, err = scanDelivery(row)
		return err
	})

	if err != nil {
		if err == pgx.ErrNoRows {
			return notification.Delivery{}, notification.ErrDeliveryNotFound
		}
		return notification.Delivery{}, err
	}
	return d, nil
}

func scanDelivery(row pgx.Row) (notification.Delivery, error) {
	var d notification.Delivery

	err := row.Scan(
		&d.ID, &d.TaskID, &d.ExecutionID, &d.WebhookURL, &d.Payload, &d.Signature,
		&d.HTTPStatus, &d.ErrorMessage, &d.AttemptNumber,
		&d.DeliveredAt, &d.FailedAt, &d.NextRetryAt, &d.CreatedAt,
	)
	if err != nil {
		return notification.Delivery{}, err
	}
	return d, nil
}
