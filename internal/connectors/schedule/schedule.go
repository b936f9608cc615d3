// Package schedule is a connector that turns cron entries into inbound
// objectives. Replies have nowhere to go and are logged.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"novaagent/internal/domain"
	"novaagent/internal/gateway"
)

const Name = "schedule"

// Entry is one scheduled objective. Cron uses the standard five-field
// syntax, including descriptors such as @hourly.
type Entry struct {
	Name      string         `yaml:"name"`
	Cron      string         `yaml:"cron"`
	Objective string         `yaml:"objective"`
	Metadata  map[string]any `yaml:"metadata"`
}

type entryState struct {
	Entry
	sched cron.Schedule
	next  time.Time
}

type Connector struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	entries []*entryState
}

var _ gateway.Connector = (*Connector)(nil)

type Option func(*Connector)

func WithClock(now func() time.Time) Option { return func(c *Connector) { c.now = now } }

// New parses every entry. The first firing of each entry is its next cron
// time after construction.
func New(entries []Entry, logger zerolog.Logger, opts ...Option) (*Connector, error) {
	c := &Connector{log: logger.With().Str("connector", Name).Logger(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	start := c.now()
	for i, e := range entries {
		if strings.TrimSpace(e.Objective) == "" {
			return nil, fmt.Errorf("schedule entry %d: objective is required", i)
		}
		sched, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %d: invalid cron expression %q: %w", i, e.Cron, err)
		}
		if e.Name == "" {
			e.Name = fmt.Sprintf("entry-%d", i)
		}
		c.entries = append(c.entries, &entryState{Entry: e, sched: sched, next: sched.Next(start)})
	}
	return c, nil
}

func (c *Connector) Name() string { return Name }

// Listen yields one message per entry whose next run is due, then advances
// it. Missed runs collapse into a single message.
func (c *Connector) Listen(context.Context) ([]domain.InboundMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []domain.InboundMessage
	for _, e := range c.entries {
		if now.Before(e.next) {
			continue
		}
		meta := map[string]any{"schedule": e.Name, "scheduled_for": e.next.UTC().Format(time.RFC3339)}
		for k, v := range e.Metadata {
			meta[k] = v
		}
		out = append(out, domain.InboundMessage{
			MessageID: fmt.Sprintf("%s-%d", e.Name, e.next.Unix()),
			Connector: Name,
			Sender:    e.Name,
			Text:      e.Objective,
			Metadata:  meta,
		})
		e.next = e.sched.Next(now)
		c.log.Info().Str("schedule", e.Name).Time("next_run", e.next).Msg("scheduled objective due")
	}
	return out, nil
}

func (c *Connector) Send(_ context.Context, to domain.ReplyTo, content string, _ []domain.Attachment) error {
	c.log.Info().Str("schedule", to.To).Str("content", content).Msg("scheduled job reply")
	return nil
}

// Health reports the entry count and the earliest upcoming run.
func (c *Connector) Health(context.Context) gateway.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	detail := fmt.Sprintf("%d entries", len(c.entries))
	var soonest *entryState
	for _, e := range c.entries {
		if soonest == nil || e.next.Before(soonest.next) {
			soonest = e
		}
	}
	if soonest != nil {
		detail += fmt.Sprintf(", next %s at %s", soonest.Name, soonest.next.UTC().Format(time.RFC3339))
	}
	return gateway.Health{
		OK:      true,
		Channel: Name,
		Enabled: len(c.entries) > 0,
		Detail:  detail,
	}
}
