package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"novaagent/internal/domain"
	"novaagent/internal/store"
)

// Registering a target twice resets it to pending but keeps its position.
const upsertTargetSQL = `
INSERT INTO job_deliveries (job_id, connector, address, token, status, last_error, position)
SELECT ?, ?, ?, ?, 'pending', '',
  COALESCE((SELECT MAX(position) FROM job_deliveries WHERE job_id = ?), 0) + 1
WHERE EXISTS (SELECT 1 FROM jobs WHERE job_id = ?)
ON CONFLICT (job_id, connector, address) DO UPDATE SET token = excluded.token, status = 'pending', last_error = ''`

const targetColumns = `job_id, connector, address, token, status, last_error, last_attempt_at`

type targetRow struct {
	JobID         string        `db:"job_id"`
	Connector     string        `db:"connector"`
	Address       string        `db:"address"`
	Token         string        `db:"token"`
	Status        string        `db:"status"`
	LastError     string        `db:"last_error"`
	LastAttemptAt sql.NullInt64 `db:"last_attempt_at"`
}

func (r targetRow) target() domain.ReplyTarget {
	t := domain.ReplyTarget{
		JobID:     r.JobID,
		Connector: r.Connector,
		Address:   r.Address,
		Token:     r.Token,
		Status:    domain.DeliveryStatus(r.Status),
		LastError: r.LastError,
	}
	if r.LastAttemptAt.Valid {
		at := store.FromNanos(r.LastAttemptAt.Int64)
		t.LastAttemptAt = &at
	}
	return t
}

// AddReplyTarget registers a delivery destination for a job.
func (q *Queue) AddReplyTarget(ctx context.Context, jobID, connector, address, token string) error {
	if connector == "" || address == "" {
		return errors.New("reply target requires connector and address")
	}
	var n int64
	err := q.db.Retry(ctx, "add_reply_target", func() error {
		r, err := q.db.ExecContext(ctx, q.db.Rebind(upsertTargetSQL), jobID, connector, address, token, jobID, jobID)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("add reply target for %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplyTargets lists every target of a job in registration order.
func (q *Queue) ReplyTargets(ctx context.Context, jobID string) ([]domain.ReplyTarget, error) {
	return q.selectTargets(ctx, `SELECT `+targetColumns+` FROM job_deliveries WHERE job_id = ? ORDER BY position`, jobID)
}

// PendingReplyTargets lists targets still owed a delivery (pending or
// previously failed), in registration order.
func (q *Queue) PendingReplyTargets(ctx context.Context, jobID string) ([]domain.ReplyTarget, error) {
	return q.selectTargets(ctx, `SELECT `+targetColumns+` FROM job_deliveries
WHERE job_id = ? AND status IN ('pending', 'failed') ORDER BY position`, jobID)
}

func (q *Queue) selectTargets(ctx context.Context, query, jobID string) ([]domain.ReplyTarget, error) {
	var rows []targetRow
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(query), jobID); err != nil {
		return nil, fmt.Errorf("list reply targets for %s: %w", jobID, err)
	}
	targets := make([]domain.ReplyTarget, 0, len(rows))
	for _, r := range rows {
		targets = append(targets, r.target())
	}
	return targets, nil
}

// MarkDelivery records the outcome of one delivery attempt.
func (q *Queue) MarkDelivery(ctx context.Context, jobID, connector, address string, status domain.DeliveryStatus, errText string) error {
	var n int64
	err := q.db.Retry(ctx, "mark_delivery", func() error {
		r, err := q.db.ExecContext(ctx, q.db.Rebind(`
UPDATE job_deliveries SET status = ?, last_error = ?, last_attempt_at = ?
WHERE job_id = ? AND connector = ? AND address = ?`),
			string(status), errText, store.Nanos(q.now()), jobID, connector, address)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark delivery for %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
