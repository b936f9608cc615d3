// Package gateway ties messaging connectors to the job queue: it ingests
// inbound messages as jobs, drives the worker and delivers results back.
// It holds no reasoning logic and refuses to run with model credentials.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"novaagent/internal/delivery"
	"novaagent/internal/domain"
	"novaagent/internal/queue"
	"novaagent/internal/router"
	"novaagent/internal/worker"
)

const minPollInterval = 50 * time.Millisecond

type JobQueue interface {
	Enqueue(ctx context.Context, payload json.RawMessage, opts queue.EnqueueOptions) (string, error)
}

type Processor interface {
	Drain(ctx context.Context, each func(*worker.Outcome)) ([]*worker.Outcome, error)
}

type Deliverer interface {
	RegisterReplyTarget(ctx context.Context, jobID, connector, address, token string) error
	Deliver(ctx context.Context, jobID, content string, attachments []domain.Attachment) (delivery.Report, error)
}

// PassOutcome summarizes one RunOnce pass.
type PassOutcome struct {
	Processed bool
	Ingested  int
	Jobs      []*worker.Outcome
}

type Daemon struct {
	queue      JobQueue
	worker     Processor
	delivery   Deliverer
	router     *router.Router
	connectors *Registry
	getenv     func(string) string
	log        zerolog.Logger
}

type Option func(*Daemon)

// WithGetenv replaces os.Getenv for the credential guard.
func WithGetenv(f func(string) string) Option { return func(d *Daemon) { d.getenv = f } }

func WithLogger(l zerolog.Logger) Option {
	return func(d *Daemon) { d.log = l.With().Str("component", "daemon").Logger() }
}

func NewDaemon(q JobQueue, w Processor, dl Deliverer, r *router.Router, connectors *Registry, opts ...Option) *Daemon {
	if r == nil {
		r = router.New(router.Config{})
	}
	if connectors == nil {
		connectors = NewRegistry()
	}
	d := &Daemon{
		queue: q, worker: w, delivery: dl, router: r, connectors: connectors,
		getenv: os.Getenv, log: zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RunOnce drains every connector into the queue, then processes jobs until
// none is immediately claimable, delivering each finished job's result.
// The pass runs to completion even if ctx is cancelled midway.
func (d *Daemon) RunOnce(ctx context.Context) (PassOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	var pass PassOutcome
	pass.Ingested = d.drainConnectors(ctx)

	jobs, err := d.worker.Drain(ctx, func(out *worker.Outcome) { d.deliverOutcome(ctx, out) })
	pass.Jobs = jobs
	pass.Processed = pass.Ingested > 0 || len(jobs) > 0
	if err != nil {
		return pass, fmt.Errorf("process job: %w", err)
	}
	return pass, nil
}

// RunForever repeats RunOnce, sleeping pollInterval after idle passes, until
// ctx is cancelled. It refuses to start when model credentials are present.
func (d *Daemon) RunForever(ctx context.Context, pollInterval time.Duration) error {
	if err := CheckNoModelCredentials(d.getenv); err != nil {
		return err
	}
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	d.log.Info().Dur("poll", pollInterval).Strs("connectors", d.connectors.Names()).Msg("daemon started")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("daemon stopped")
			return nil
		case <-timer.C:
		}

		pass, err := d.RunOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("daemon pass failed")
		}
		wait := pollInterval
		if pass.Processed && err == nil {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Health reports every connector's health by name.
func (d *Daemon) Health(ctx context.Context) map[string]Health {
	out := make(map[string]Health)
	for _, name := range d.connectors.Names() {
		c, _ := d.connectors.Get(name)
		out[name] = c.Health(ctx)
	}
	return out
}

func (d *Daemon) drainConnectors(ctx context.Context) int {
	ingested := 0
	for _, name := range d.connectors.Names() {
		c, _ := d.connectors.Get(name)
		messages, err := c.Listen(ctx)
		if err != nil {
			d.log.Error().Err(err).Str("connector", name).Msg("listen failed")
			continue
		}
		for _, msg := range messages {
			if d.ingest(ctx, name, msg) {
				ingested++
			}
		}
	}
	return ingested
}

type jobPayload struct {
	Objective string         `json:"objective"`
	Source    string         `json:"source"`
	SessionID string         `json:"session_id"`
	Meta      map[string]any `json:"meta"`
}

func (d *Daemon) ingest(ctx context.Context, connector string, msg domain.InboundMessage) bool {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return false
	}
	if msg.Connector == "" {
		msg.Connector = connector
	}
	decision := d.router.RouteMessage(msg)
	payload, err := json.Marshal(jobPayload{
		Objective: text,
		Source:    "connector:" + connector,
		SessionID: msg.MessageID,
		Meta:      map[string]any{"connector_message": msg},
	})
	if err != nil {
		d.log.Error().Err(err).Str("connector", connector).Msg("encode job payload")
		return false
	}

	jobID, err := d.queue.Enqueue(ctx, payload, queue.EnqueueOptions{
		WorkspaceID: decision.WorkspaceID,
		ProfileName: decision.ProfileName,
	})
	if err != nil {
		d.log.Error().Err(err).Str("connector", connector).Msg("enqueue inbound message")
		return false
	}

	target := msg.ReplyTo.Connector
	if target == "" {
		target = connector
	}
	address := strings.TrimSpace(msg.ReplyTo.To)
	if address == "" {
		address = strings.TrimSpace(msg.Sender)
	}
	if address != "" {
		if err := d.delivery.RegisterReplyTarget(ctx, jobID, target, address, strings.TrimSpace(msg.ReplyTo.Token)); err != nil {
			d.log.Error().Err(err).Str("job_id", jobID).Msg("register reply target")
		}
	}
	d.log.Info().Str("job_id", jobID).Str("connector", connector).Str("workspace_id", decision.WorkspaceID).Msg("message ingested")
	return true
}

func (d *Daemon) deliverOutcome(ctx context.Context, out *worker.Outcome) {
	var content string
	switch out.Status {
	case domain.StatusDone:
		content = out.OutputText
	case domain.StatusFailed:
		content = fmt.Sprintf("Job %s failed: %s", out.Job.ID, out.Err)
	default:
		return
	}
	if _, err := d.delivery.Deliver(ctx, out.Job.ID, content, nil); err != nil {
		d.log.Error().Err(err).Str("job_id", out.Job.ID).Msg("deliver result")
	}
}
