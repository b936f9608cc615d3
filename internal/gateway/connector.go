package gateway

import (
	"context"
	"sort"
	"strings"

	"novaagent/internal/delivery"
	"novaagent/internal/domain"
)

// Connector adapts one messaging channel. Listen returns the messages that
// arrived since the previous call and must not block indefinitely.
type Connector interface {
	Name() string
	Listen(ctx context.Context) ([]domain.InboundMessage, error)
	Send(ctx context.Context, to domain.ReplyTo, content string, attachments []domain.Attachment) error
	Health(ctx context.Context) Health
}

type Health struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel"`
	Enabled bool   `json:"enabled"`
	Detail  string `json:"detail,omitempty"`
}

// Registry holds connectors by lower-cased name.
type Registry struct {
	byName map[string]Connector
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{byName: make(map[string]Connector, len(connectors))}
	for _, c := range connectors {
		if name := normalizeName(c.Name()); name != "" {
			r.byName[name] = c
		}
	}
	return r
}

func normalizeName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Resolve satisfies delivery.Resolver.
func (r *Registry) Resolve(name string) (delivery.Sender, bool) {
	c, ok := r.byName[normalizeName(name)]
	if !ok {
		return nil, false
	}
	return c, true
}

// Names returns connector names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Get(name string) (Connector, bool) {
	c, ok := r.byName[normalizeName(name)]
	return c, ok
}
