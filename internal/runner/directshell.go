// Package runner holds the job runners the gateway binary can be wired with.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"novaagent/internal/domain"
	"novaagent/internal/executor"
	"novaagent/internal/worker"
)

// ActionExecutor runs a single desktop action. Both directshell.Client and
// executor.Executor satisfy it.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action executor.Action, dryRun bool) executor.Result
}

type jobPayload struct {
	Objective string            `json:"objective"`
	Actions   []executor.Action `json:"actions"`
	DryRun    bool              `json:"dry_run"`
}

// DirectShell runs a job's actions through an execution transport. Jobs
// without an "actions" list have their objective recorded as a note.
type DirectShell struct {
	exec ActionExecutor
	log  zerolog.Logger
}

func NewDirectShell(exec ActionExecutor, logger zerolog.Logger) *DirectShell {
	return &DirectShell{exec: exec, log: logger.With().Str("component", "runner").Logger()}
}

var _ worker.Runner = (*DirectShell)(nil)

func (d *DirectShell) Run(ctx context.Context, job *domain.Job) (worker.RunResult, error) {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.RunResult{}, fmt.Errorf("decode payload: %w", err)
	}
	actions := p.Actions
	if len(actions) == 0 {
		actions = []executor.Action{{Type: "note", Target: "objective", Value: p.Objective}}
	}

	outputs := make([]string, 0, len(actions))
	results := make([]executor.Result, 0, len(actions))
	for i, a := range actions {
		res := d.exec.ExecuteAction(ctx, a, p.DryRun)
		results = append(results, res)
		outputs = append(outputs, res.Output)
		d.log.Debug().Str("job_id", job.ID).Int("step", i).Str("type", a.Type).Str("status", string(res.Status)).Msg("action executed")
		if res.Status == executor.StatusFailed {
			return worker.RunResult{
				OK:         false,
				OutputText: strings.Join(outputs, "\n"),
				Error:      fmt.Sprintf("action %d (%s) failed: %s", i+1, a.Type, res.Output),
				Data:       map[string]any{"results": results, "dry_run": p.DryRun},
			}, nil
		}
	}
	return worker.RunResult{
		OK:         true,
		OutputText: strings.Join(outputs, "\n"),
		Data:       map[string]any{"results": results, "dry_run": p.DryRun},
	}, nil
}
