package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"novaagent/internal/domain"
)

// RunResult is what a Runner reports for one job.
type RunResult struct {
	OK         bool           `json:"ok"`
	OutputText string         `json:"output_text,omitempty"`
	Error      string         `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Runner executes a claimed job. The worker treats it as opaque.
type Runner interface {
	Run(ctx context.Context, job *domain.Job) (RunResult, error)
}

type RunnerFunc func(ctx context.Context, job *domain.Job) (RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, job *domain.Job) (RunResult, error) { return f(ctx, job) }

// Queue is the subset of the job queue the worker drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*domain.Job, error)
	MarkDone(ctx context.Context, jobID string, result json.RawMessage) error
	MarkFailed(ctx context.Context, jobID string, retryDelay time.Duration, maxAttempts int, errText string) (domain.JobStatus, error)
}

type Config struct {
	RetryDelay    time.Duration // delay before the first retry
	MaxRetryDelay time.Duration
	MaxAttempts   int
	RunTimeout    time.Duration // zero means no per-job timeout
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Outcome describes what happened to the job handled by ProcessNext.
type Outcome struct {
	Job        *domain.Job
	OK         bool
	OutputText string
	Err        string
	Status     domain.JobStatus
}

type Worker struct {
	queue  Queue
	runner Runner
	cfg    Config
	log    zerolog.Logger
}

func New(q Queue, r Runner, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{queue: q, runner: r, cfg: cfg.withDefaults(), log: logger.With().Str("component", "worker").Logger()}
}

// ProcessNext claims one job, runs it and records the result. It returns
// nil, nil when nothing is claimable.
func (w *Worker) ProcessNext(ctx context.Context) (*Outcome, error) {
	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	res, runErr := w.run(ctx, job)
	if runErr == nil && res.OK {
		text := res.OutputText
		if text == "" {
			text = textFromData(res.Data)
		}
		res.OutputText = text
		result, err := json.Marshal(res)
		if err != nil {
			err = fmt.Errorf("encode result for %s: %w", job.ID, err)
			w.release(ctx, job, err)
			return nil, err
		}
		if err := w.queue.MarkDone(ctx, job.ID, result); err != nil {
			w.release(ctx, job, err)
			return nil, err
		}
		w.log.Info().Str("job_id", job.ID).Int("attempt", job.Attempts+1).Msg("job done")
		return &Outcome{Job: job, OK: true, OutputText: text, Status: domain.StatusDone}, nil
	}

	errText := failureText(res, runErr)
	status, err := w.queue.MarkFailed(ctx, job.ID, w.RetryDelay(job.Attempts), w.cfg.MaxAttempts, errText)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Str("run_error", errText).Msg("could not record failure; job stays running until stale recovery")
		return nil, err
	}
	w.log.Warn().Str("job_id", job.ID).Int("attempt", job.Attempts+1).Str("status", string(status)).Str("error", errText).Msg("job failed")
	return &Outcome{Job: job, Err: errText, Status: status}, nil
}

// Drain processes jobs until none is immediately claimable. each, when not
// nil, is called with every outcome before the next job is claimed.
func (w *Worker) Drain(ctx context.Context, each func(*Outcome)) ([]*Outcome, error) {
	var outcomes []*Outcome
	for {
		out, err := w.ProcessNext(ctx)
		if err != nil {
			return outcomes, err
		}
		if out == nil {
			return outcomes, nil
		}
		outcomes = append(outcomes, out)
		if each != nil {
			each(out)
		}
	}
}

// release records a failed attempt for a job whose result could not be
// stored, so it does not stay running until stale recovery.
func (w *Worker) release(ctx context.Context, job *domain.Job, cause error) {
	w.log.Error().Err(cause).Str("job_id", job.ID).Msg("could not record job result")
	errText := "record result: " + cause.Error()
	if _, err := w.queue.MarkFailed(ctx, job.ID, w.RetryDelay(job.Attempts), w.cfg.MaxAttempts, errText); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("could not release job; it stays running until stale recovery")
	}
}

func (w *Worker) run(ctx context.Context, job *domain.Job) (res RunResult, err error) {
	if w.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.RunTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = RunResult{}, fmt.Errorf("runner panic: %v", r)
		}
	}()
	return w.runner.Run(ctx, job)
}

// RetryDelay is the delay applied after a failure of a job that had made
// `attempts` attempts before: RetryDelay, doubling per attempt, capped.
func (w *Worker) RetryDelay(attempts int) time.Duration {
	d := w.cfg.RetryDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.MaxRetryDelay {
			return w.cfg.MaxRetryDelay
		}
	}
	if d > w.cfg.MaxRetryDelay {
		d = w.cfg.MaxRetryDelay
	}
	return d
}

func failureText(res RunResult, err error) string {
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return "runner timed out: " + err.Error()
	case err != nil:
		return err.Error()
	case res.Error != "":
		return res.Error
	case res.OutputText != "":
		return res.OutputText
	}
	return "runner reported failure"
}

// textFromData picks the first textual field a runner commonly reports,
// falling back to the JSON encoding of the whole map.
func textFromData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	for _, key := range []string{"output_text", "final_text", "content", "output"} {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}
