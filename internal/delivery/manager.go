// Package delivery fans a job's result out to every reply target registered
// against it.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"novaagent/internal/domain"
)

// Sender is the outbound half of a connector.
type Sender interface {
	Send(ctx context.Context, to domain.ReplyTo, content string, attachments []domain.Attachment) error
}

// Resolver maps a connector name to its sender.
type Resolver func(connector string) (Sender, bool)

// Targets is the reply-target storage the manager records outcomes in.
type Targets interface {
	AddReplyTarget(ctx context.Context, jobID, connector, address, token string) error
	PendingReplyTargets(ctx context.Context, jobID string) ([]domain.ReplyTarget, error)
	MarkDelivery(ctx context.Context, jobID, connector, address string, status domain.DeliveryStatus, errText string) error
}

type Report struct {
	OK        bool   `json:"ok"`
	JobID     string `json:"job_id"`
	Attempted int    `json:"attempted"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
}

type Options struct {
	SendTimeout time.Duration
	Concurrency int
}

type Manager struct {
	targets Targets
	resolve Resolver
	opts    Options
	log     zerolog.Logger
}

func NewManager(targets Targets, resolve Resolver, opts Options, logger zerolog.Logger) *Manager {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Manager{targets: targets, resolve: resolve, opts: opts, log: logger.With().Str("component", "delivery").Logger()}
}

func (m *Manager) RegisterReplyTarget(ctx context.Context, jobID, connector, address, token string) error {
	return m.targets.AddReplyTarget(ctx, jobID, connector, address, token)
}

// Deliver sends content to every pending or previously failed target of the
// job. Targets are attempted concurrently and independently; a failure or a
// missing connector only shows up in the report.
func (m *Manager) Deliver(ctx context.Context, jobID, content string, attachments []domain.Attachment) (Report, error) {
	targets, err := m.targets.PendingReplyTargets(ctx, jobID)
	if err != nil {
		return Report{JobID: jobID}, err
	}

	report := Report{JobID: jobID, Attempted: len(targets)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			status, errText := m.send(gctx, target, content, attachments)
			if err := m.targets.MarkDelivery(context.WithoutCancel(gctx), jobID, target.Connector, target.Address, status, errText); err != nil {
				m.log.Error().Err(err).Str("job_id", jobID).Str("connector", target.Connector).Msg("record delivery")
			}
			mu.Lock()
			defer mu.Unlock()
			if status == domain.DeliverySent {
				report.Sent++
			} else {
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.OK = report.Failed == 0
	m.log.Info().Str("job_id", jobID).Int("attempted", report.Attempted).Int("sent", report.Sent).Int("failed", report.Failed).Msg("delivery finished")
	return report, nil
}

func (m *Manager) send(ctx context.Context, target domain.ReplyTarget, content string, attachments []domain.Attachment) (domain.DeliveryStatus, string) {
	sender, ok := m.resolve(target.Connector)
	if !ok || sender == nil {
		return domain.DeliveryDeadLetter, "missing connector: " + target.Connector
	}
	sctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	if err := safeSend(sctx, sender, target.ReplyTo(), content, attachments); err != nil {
		m.log.Warn().Err(err).Str("job_id", target.JobID).Str("connector", target.Connector).Str("address", target.Address).Msg("delivery failed")
		return domain.DeliveryFailed, err.Error()
	}
	return domain.DeliverySent, ""
}

// safeSend bounds a send by ctx even when the connector ignores it.
func safeSend(ctx context.Context, s Sender, to domain.ReplyTo, content string, attachments []domain.Attachment) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("connector panic: %v", r)
			}
		}()
		done <- s.Send(ctx, to, content, attachments)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("send timed out: %w", ctx.Err())
	}
}
