// Package idempotency guards externally retried requests. A key is scoped to
// a method and path; its first use records a fingerprint of the payload and,
// once the guarded operation finishes, the response to replay.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"novaagent/internal/store"
)

type State string

const (
	StateNew        State = "new"
	StateReplay     State = "replay"
	StateInProgress State = "in_progress"
	StateConflict   State = "conflict"
)

var (
	ErrInProgress = errors.New("request with this idempotency key is already in progress")
	ErrConflict   = errors.New("idempotency key reused with different payload")
)

// Outcome is the result of Begin. StatusCode and Payload are set for replays.
type Outcome struct {
	State      State
	StatusCode int
	Payload    json.RawMessage
	Err        error
}

type Store struct {
	db  *store.DB
	now func() time.Time
}

func New(db *store.DB) *Store { return &Store{db: db, now: time.Now} }

type entryRow struct {
	Fingerprint string         `db:"fingerprint"`
	State       string         `db:"state"`
	StatusCode  int            `db:"status_code"`
	Response    sql.NullString `db:"response"`
}

// Begin claims key for a request. The first caller gets StateNew and must
// later call Complete or Clear. A different payload under the same key is a
// conflict, checked before the in-progress state.
func (s *Store) Begin(ctx context.Context, key, method, path string, payload any) (Outcome, error) {
	fp, err := Fingerprint(payload)
	if err != nil {
		return Outcome{}, err
	}
	now := store.Nanos(s.now())

	var inserted int64
	err = s.db.Retry(ctx, "idempotency_begin", func() error {
		r, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO idempotency_entries (idem_key, method, path, fingerprint, state, status_code, response, created_at, updated_at)
VALUES (?, ?, ?, ?, 'in_progress', 0, NULL, ?, ?)
ON CONFLICT (idem_key, method, path) DO NOTHING`), key, method, path, fp, now, now)
		if err != nil {
			return err
		}
		inserted, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("begin idempotent request: %w", err)
	}
	if inserted == 1 {
		return Outcome{State: StateNew}, nil
	}

	var row entryRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`
SELECT fingerprint, state, status_code, response FROM idempotency_entries
WHERE idem_key = ? AND method = ? AND path = ?`), key, method, path)
	if errors.Is(err, sql.ErrNoRows) {
		// Cleared between our insert attempt and the read.
		return s.Begin(ctx, key, method, path, payload)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load idempotency entry: %w", err)
	}

	switch {
	case row.Fingerprint != fp:
		return Outcome{State: StateConflict, Err: ErrConflict}, nil
	case row.State == "in_progress":
		return Outcome{State: StateInProgress, Err: ErrInProgress}, nil
	}
	out := Outcome{State: StateReplay, StatusCode: row.StatusCode}
	if row.Response.Valid {
		out.Payload = json.RawMessage(row.Response.String)
	}
	return out, nil
}

// Complete stores the response for an in-progress key. Completed entries are
// never overwritten.
func (s *Store) Complete(ctx context.Context, key, method, path string, statusCode int, response any) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	return s.db.Retry(ctx, "idempotency_complete", func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE idempotency_entries SET state = 'completed', status_code = ?, response = ?, updated_at = ?
WHERE idem_key = ? AND method = ? AND path = ? AND state = 'in_progress'`),
			statusCode, string(body), store.Nanos(s.now()), key, method, path)
		return err
	})
}

// Clear releases an in-progress key so the request can be retried.
func (s *Store) Clear(ctx context.Context, key, method, path string) error {
	return s.db.Retry(ctx, "idempotency_clear", func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
DELETE FROM idempotency_entries WHERE idem_key = ? AND method = ? AND path = ? AND state = 'in_progress'`),
			key, method, path)
		return err
	})
}

// Operation is the work guarded by Execute. It returns the status code and
// response body to record.
type Operation func(ctx context.Context) (int, any, error)

// Execute runs op under key. Replays return the stored response without
// running op; conflicts and in-progress keys return Outcome.Err. An empty key
// runs op unguarded. When op fails the key is cleared.
func (s *Store) Execute(ctx context.Context, key, method, path string, payload any, op Operation) (Outcome, error) {
	if key == "" {
		code, resp, err := op(ctx)
		if err != nil {
			return Outcome{}, err
		}
		body, err := json.Marshal(resp)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{State: StateNew, StatusCode: code, Payload: body}, nil
	}

	out, err := s.Begin(ctx, key, method, path, payload)
	if err != nil || out.State != StateNew {
		return out, err
	}
	code, resp, err := op(ctx)
	if err != nil {
		if cerr := s.Clear(context.WithoutCancel(ctx), key, method, path); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return Outcome{}, err
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.Complete(context.WithoutCancel(ctx), key, method, path, code, json.RawMessage(body)); err != nil {
		return Outcome{}, err
	}
	return Outcome{State: StateNew, StatusCode: code, Payload: body}, nil
}

// Fingerprint is the hex SHA-256 of the payload's canonical JSON: object keys
// sorted, no insignificant whitespace, numbers kept verbatim.
func Fingerprint(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
