// Package cli is a connector for local use: messages are pushed in
// directly or scanned from a reader, and replies are written to a writer.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"novaagent/internal/domain"
	"novaagent/internal/gateway"
)

const Name = "cli"

// Connector buffers inbound lines until the next Listen.
type Connector struct {
	out io.Writer

	mu    sync.Mutex
	inbox []domain.InboundMessage
	wmu   sync.Mutex
}

var _ gateway.Connector = (*Connector)(nil)

func New(out io.Writer) *Connector {
	if out == nil {
		out = io.Discard
	}
	return &Connector{out: out}
}

func (c *Connector) Name() string { return Name }

// Push queues one message from sender.
func (c *Connector) Push(sender, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, domain.InboundMessage{
		MessageID: "cli-" + uuid.NewString(),
		Connector: Name,
		Sender:    sender,
		Text:      text,
	})
}

// ReadLines pushes every non-blank line of r until EOF or ctx is done.
func (c *Connector) ReadLines(ctx context.Context, r io.Reader, sender string) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.Push(sender, line)
	}
	return sc.Err()
}

func (c *Connector) Listen(context.Context) ([]domain.InboundMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out, nil
}

func (c *Connector) Send(_ context.Context, to domain.ReplyTo, content string, attachments []domain.Attachment) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := fmt.Fprintf(c.out, "[%s] %s\n", to.To, content); err != nil {
		return fmt.Errorf("cli: write reply: %w", err)
	}
	for _, a := range attachments {
		if _, err := fmt.Fprintf(c.out, "[%s] attachment: %s\n", to.To, a.Name); err != nil {
			return fmt.Errorf("cli: write reply: %w", err)
		}
	}
	return nil
}

func (c *Connector) Health(context.Context) gateway.Health {
	return gateway.Health{OK: true, Channel: Name, Enabled: true}
}
