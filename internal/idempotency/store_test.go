package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novaagent/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "idem.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestBegin_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := map[string]any{"objective": "scan area"}

	out, err := s.Begin(ctx, "k1", "POST", "/api/jobs", payload)
	require.NoError(t, err)
	assert.Equal(t, StateNew, out.State)

	out, err = s.Begin(ctx, "k1", "POST", "/api/jobs", payload)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, out.State)
	assert.ErrorIs(t, out.Err, ErrInProgress)

	out, err = s.Begin(ctx, "k1", "POST", "/api/jobs", map[string]any{"objective": "other"})
	require.NoError(t, err)
	assert.Equal(t, StateConflict, out.State, "conflict wins over in-progress")
	assert.ErrorIs(t, out.Err, ErrConflict)

	require.NoError(t, s.Complete(ctx, "k1", "POST", "/api/jobs", 202, map[string]string{"job_id": "job_1"}))

	out, err = s.Begin(ctx, "k1", "POST", "/api/jobs", payload)
	require.NoError(t, err)
	assert.Equal(t, StateReplay, out.State)
	assert.Equal(t, 202, out.StatusCode)
	assert.JSONEq(t, `{"job_id":"job_1"}`, string(out.Payload))

	// Completed entries are immutable.
	require.NoError(t, s.Complete(ctx, "k1", "POST", "/api/jobs", 500, map[string]string{"job_id": "job_2"}))
	out, err = s.Begin(ctx, "k1", "POST", "/api/jobs", payload)
	require.NoError(t, err)
	assert.Equal(t, 202, out.StatusCode)
	assert.JSONEq(t, `{"job_id":"job_1"}`, string(out.Payload))
}

func TestBegin_ScopedByMethodAndPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	out, err := s.Begin(ctx, "k", "POST", "/a", 1)
	require.NoError(t, err)
	assert.Equal(t, StateNew, out.State)

	out, err = s.Begin(ctx, "k", "POST", "/b", 1)
	require.NoError(t, err)
	assert.Equal(t, StateNew, out.State)

	out, err = s.Begin(ctx, "k", "PUT", "/a", 1)
	require.NoError(t, err)
	assert.Equal(t, StateNew, out.State)
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "k", "POST", "/a", "x")
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx, "k", "POST", "/a"))

	out, err := s.Begin(ctx, "k", "POST", "/a", "y")
	require.NoError(t, err)
	assert.Equal(t, StateNew, out.State, "cleared keys can be reused")
}

func TestExecute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	calls := 0
	op := func(context.Context) (int, any, error) {
		calls++
		return 201, map[string]int{"n": calls}, nil
	}

	out, err := s.Execute(ctx, "k", "POST", "/jobs", "p", op)
	require.NoError(t, err)
	assert.Equal(t, StateNew, out.State)
	assert.Equal(t, 201, out.StatusCode)
	assert.JSONEq(t, `{"n":1}`, string(out.Payload))

	out, err = s.Execute(ctx, "k", "POST", "/jobs", "p", op)
	require.NoError(t, err)
	assert.Equal(t, StateReplay, out.State)
	assert.JSONEq(t, `{"n":1}`, string(out.Payload))
	assert.Equal(t, 1, calls)

	out, err = s.Execute(ctx, "", "POST", "/jobs", "p", op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(out.Payload), "empty key is unguarded")
}

func TestExecute_FailureClearsKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Execute(ctx, "k", "POST", "/jobs", "p", func(context.Context) (int, any, error) {
		return 0, nil, boom
	})
	assert.ErrorIs(t, err, boom)

	out, err := s.Execute(ctx, "k", "POST", "/jobs", "p", func(context.Context) (int, any, error) {
		return 200, "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateNew, out.State)
	assert.Equal(t, 200, out.StatusCode)
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(json.RawMessage(`{"b": 1, "a": [1, 2.50]}`))
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": []any{json.Number("1"), json.Number("2.50")}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order and whitespace do not matter")
	assert.Len(t, a, 64)

	c, err := Fingerprint(json.RawMessage(`{"a":[1,2.5],"b":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "numbers are compared verbatim")
}
