package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novaagent/internal/domain"
	"novaagent/internal/executor"
)

type recordingExecutor struct {
	calls []executor.Action
	dry   []bool
}

func (r *recordingExecutor) ExecuteAction(ctx context.Context, a executor.Action, dryRun bool) executor.Result {
	r.calls = append(r.calls, a)
	r.dry = append(r.dry, dryRun)
	return executor.New("linux").ExecuteAction(ctx, a, dryRun)
}

func job(t *testing.T, payload map[string]any) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &domain.Job{ID: "job_1", Payload: raw}
}

func TestDirectShell_ObjectiveAsNote(t *testing.T) {
	rec := &recordingExecutor{}
	r := NewDirectShell(rec, zerolog.Nop())

	res, err := r.Run(context.Background(), job(t, map[string]any{"objective": "check inbox"}))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "note:objective check inbox", res.OutputText)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "note", rec.calls[0].Type)
}

func TestDirectShell_ActionsInOrder(t *testing.T) {
	rec := &recordingExecutor{}
	r := NewDirectShell(rec, zerolog.Nop())

	res, err := r.Run(context.Background(), job(t, map[string]any{
		"objective": "click ok",
		"dry_run":   true,
		"actions": []map[string]any{
			{"type": "note", "value": "start"},
			{"type": "click", "target": "5,6"},
		},
	}))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "note:note start\nclick at 5,6 (preview)", res.OutputText)
	assert.Equal(t, []bool{true, true}, rec.dry)
	assert.Equal(t, true, res.Data["dry_run"])
}

func TestDirectShell_FailedActionFailsRun(t *testing.T) {
	rec := &recordingExecutor{}
	r := NewDirectShell(rec, zerolog.Nop())

	res, err := r.Run(context.Background(), job(t, map[string]any{
		"objective": "x",
		"actions": []map[string]any{
			{"type": "click"},
			{"type": "note"},
		},
	}))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "action 1 (click) failed")
	assert.Len(t, rec.calls, 1, "later actions are skipped")
}

func TestDirectShell_BadPayload(t *testing.T) {
	r := NewDirectShell(&recordingExecutor{}, zerolog.Nop())
	_, err := r.Run(context.Background(), &domain.Job{ID: "job_2", Payload: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)
}
