// Package queue is the durable, claim-based job queue shared by gateway
// daemons. Claims are a single conditional UPDATE so that two workers can
// never both move the same job to running.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"novaagent/internal/domain"
	"novaagent/internal/store"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrInvalidPayload = errors.New("payload must be a JSON object with a non-empty objective")
	// ErrNotRunning is returned when a job is marked done or failed while it
	// is not in the running state.
	ErrNotRunning = errors.New("job is not running")
)

const jobColumns = `job_id, payload, workspace_id, profile_name, status, attempts, next_eligible_at, last_error, result, created_at, updated_at`

type jobRow struct {
	ID             string         `db:"job_id"`
	Payload        string         `db:"payload"`
	WorkspaceID    string         `db:"workspace_id"`
	ProfileName    string         `db:"profile_name"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextEligibleAt int64          `db:"next_eligible_at"`
	LastError      string         `db:"last_error"`
	Result         sql.NullString `db:"result"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

func (r jobRow) job() *domain.Job {
	j := &domain.Job{
		ID:             r.ID,
		Payload:        json.RawMessage(r.Payload),
		WorkspaceID:    r.WorkspaceID,
		ProfileName:    r.ProfileName,
		Status:         domain.JobStatus(r.Status),
		Attempts:       r.Attempts,
		NextEligibleAt: store.FromNanos(r.NextEligibleAt),
		LastError:      r.LastError,
		CreatedAt:      store.FromNanos(r.CreatedAt),
		UpdatedAt:      store.FromNanos(r.UpdatedAt),
	}
	if r.Result.Valid {
		j.Result = json.RawMessage(r.Result.String)
	}
	return j
}

type Option func(*Queue)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(q *Queue) { q.log = l } }

type Queue struct {
	db  *store.DB
	now func() time.Time
	log zerolog.Logger

	mu          sync.Mutex
	lastCreated int64
}

func New(db *store.DB, opts ...Option) *Queue {
	q := &Queue{db: db, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(q)
	}
	return q
}

type EnqueueOptions struct {
	WorkspaceID string
	ProfileName string
	// ReplyTo, when it names a connector and an address, becomes the job's
	// first reply target.
	ReplyTo *domain.ReplyTo
}

// Enqueue stores a new job in the queued state, eligible immediately.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	if err := validatePayload(payload); err != nil {
		return "", err
	}
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = domain.DefaultWorkspaceID
	}
	if opts.ProfileName == "" {
		opts.ProfileName = domain.DefaultProfileName
	}

	id := "job_" + uuid.NewString()
	created := q.createdAt()
	eligible := store.Nanos(q.now())
	err := q.db.Retry(ctx, "enqueue", func() error {
		tx, err := q.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, q.db.Rebind(`
INSERT INTO jobs (job_id, payload, workspace_id, profile_name, status, attempts, next_eligible_at, last_error, result, created_at, updated_at)
VALUES (?, ?, ?, ?, 'queued', 0, ?, '', NULL, ?, ?)`),
			id, string(payload), opts.WorkspaceID, opts.ProfileName, eligible, created, created)
		if err != nil {
			return err
		}
		if r := opts.ReplyTo; r != nil && r.Connector != "" && r.To != "" {
			if _, err := tx.ExecContext(ctx, q.db.Rebind(upsertTargetSQL),
				id, r.Connector, r.To, r.Token, id, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	q.log.Debug().Str("job_id", id).Str("workspace_id", opts.WorkspaceID).Msg("job enqueued")
	return id, nil
}

// createdAt returns a strictly increasing timestamp so FIFO order holds even
// when the clock does not advance between enqueues. It orders jobs only and
// never feeds next_eligible_at.
func (q *Queue) createdAt() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := store.Nanos(q.now())
	if n <= q.lastCreated {
		n = q.lastCreated + 1
	}
	q.lastCreated = n
	return n
}

func validatePayload(payload json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return ErrInvalidPayload
	}
	objective, ok := obj["objective"].(string)
	if !ok || strings.TrimSpace(objective) == "" {
		return ErrInvalidPayload
	}
	return nil
}

// ClaimNext atomically moves the oldest eligible job to running and returns
// it. It returns nil, nil when no job is claimable.
func (q *Queue) ClaimNext(ctx context.Context) (*domain.Job, error) {
	now := store.Nanos(q.now())
	query := q.db.Rebind(`
UPDATE jobs SET status = 'running', updated_at = ?
WHERE job_id = (
  SELECT job_id FROM jobs
  WHERE status IN ('queued', 'retry_wait') AND next_eligible_at <= ?
  ORDER BY created_at, job_id
  LIMIT 1` + q.db.SkipLocked() + `
) AND status IN ('queued', 'retry_wait')
RETURNING ` + jobColumns)

	var row jobRow
	err := q.db.Retry(ctx, "claim", func() error {
		return q.db.GetContext(ctx, &row, query, now, now)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return row.job(), nil
}

// MarkFailed records a failed attempt. The job moves to retry_wait, eligible
// again after retryDelay, while attempts remain below maxAttempts, and to
// failed otherwise. The resulting status is returned. Only running jobs can
// be marked; anything else yields ErrNotRunning.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, retryDelay time.Duration, maxAttempts int, errText string) (domain.JobStatus, error) {
	if retryDelay < time.Second {
		retryDelay = time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := q.now()

	var status string
	err := q.db.Retry(ctx, "mark_failed", func() error {
		return q.db.GetContext(ctx, &status, q.db.Rebind(`
UPDATE jobs SET
  attempts = attempts + 1,
  status = CASE WHEN attempts + 1 < ? THEN 'retry_wait' ELSE 'failed' END,
  next_eligible_at = ?,
  last_error = ?,
  updated_at = ?
WHERE job_id = ? AND status = 'running'
RETURNING status`),
			maxAttempts, store.Nanos(now.Add(retryDelay)), errText, store.Nanos(now), jobID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", q.notRunning(ctx, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("mark job %s failed: %w", jobID, err)
	}
	return domain.JobStatus(status), nil
}

// MarkDone records the job's result and moves a running job to done.
func (q *Queue) MarkDone(ctx context.Context, jobID string, result json.RawMessage) error {
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	var n int64
	err := q.db.Retry(ctx, "mark_done", func() error {
		r, err := q.db.ExecContext(ctx, q.db.Rebind(`
UPDATE jobs SET status = 'done', result = ?, last_error = '', updated_at = ?
WHERE job_id = ? AND status = 'running'`),
			res, store.Nanos(q.now()), jobID)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark job %s done: %w", jobID, err)
	}
	if n == 0 {
		return q.notRunning(ctx, jobID)
	}
	return nil
}

// notRunning explains why a running-only update matched no row.
func (q *Queue) notRunning(ctx context.Context, jobID string) error {
	var status string
	err := q.db.GetContext(ctx, &status, q.db.Rebind(`SELECT status FROM jobs WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, status, ErrNotRunning)
}

// GetJob returns the job with its reply targets.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := q.db.GetContext(ctx, &row, q.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job := row.job()
	if job.ReplyTargets, err = q.ReplyTargets(ctx, jobID); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) ListRecent(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.job())
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status. Statuses with no
// jobs are present with a zero count.
func (q *Queue) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := q.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	counts := map[domain.JobStatus]int{
		domain.StatusQueued: 0, domain.StatusRunning: 0, domain.StatusDone: 0,
		domain.StatusRetryWait: 0, domain.StatusFailed: 0,
	}
	for _, r := range rows {
		counts[domain.JobStatus(r.Status)] = r.N
	}
	return counts, nil
}

// RecoverStale requeues jobs that have been running for longer than
// olderThan, typically left behind by a daemon that exited mid-job.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now()
	var n int64
	err := q.db.Retry(ctx, "recover_stale", func() error {
		r, err := q.db.ExecContext(ctx, q.db.Rebind(`
UPDATE jobs SET status = 'queued', next_eligible_at = ?, updated_at = ?
WHERE status = 'running' AND updated_at <= ?`),
			store.Nanos(now), store.Nanos(now), store.Nanos(now.Add(-olderThan)))
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(n), nil
}
