// Package execserver exposes an executor over a unix socket, a TCP socket
// and HTTP. Each binding is given its own Protocol, which owns that
// listener's token check and the dispatch to the shared executor.
package execserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"novaagent/internal/execproto"
	"novaagent/internal/executor"
)

const serviceName = "novaexec"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
)

// Executor is the action interpreter behind the protocol.
type Executor interface {
	ExecuteAction(ctx context.Context, action executor.Action, dryRun bool) executor.Result
	Probe(ctx context.Context) executor.Probe
}

type Protocol struct {
	exec  Executor
	token string
}

// NewProtocol returns a protocol guarded by token. An empty token disables
// authentication.
func NewProtocol(exec Executor, token string) *Protocol {
	return &Protocol{exec: exec, token: token}
}

// Authorized compares token with the configured one in constant time.
func (p *Protocol) Authorized(token string) bool {
	if p.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.token)) == 1
}

// Handle authorizes and serves one request for the named transport.
func (p *Protocol) Handle(ctx context.Context, transport string, req execproto.Request) (execproto.Response, error) {
	if !p.Authorized(req.Token) {
		return execproto.Response{}, ErrUnauthorized
	}
	switch req.Op {
	case "", execproto.OpExecute:
		if req.Action == nil {
			return execproto.Response{}, fmt.Errorf("%w: payload must include object field 'action'", ErrBadRequest)
		}
		res := p.exec.ExecuteAction(ctx, *req.Action, req.DryRun)
		return execproto.Response{
			OK:        res.Status != executor.StatusFailed,
			Status:    res.Status,
			Output:    res.Output,
			Action:    &res.Action,
			Transport: transport,
		}, nil
	case execproto.OpHealth:
		resp := execproto.Response{OK: true, Service: serviceName, Transport: transport}
		if req.Deep {
			probe := p.exec.Probe(ctx)
			resp.OK = probe.OK
			resp.Error = probe.Error
			resp.Output = probe.Output
			resp.Platform = probe.Platform
			resp.Capabilities = probe.Capabilities
		}
		return resp, nil
	}
	return execproto.Response{}, fmt.Errorf("%w: unknown op %q", ErrBadRequest, req.Op)
}

// failure renders err as a failed result, the form socket clients receive.
func failure(transport string, err error) execproto.Response {
	return execproto.Response{
		OK:        false,
		Status:    executor.StatusFailed,
		Output:    err.Error(),
		Error:     err.Error(),
		Transport: transport,
	}
}
