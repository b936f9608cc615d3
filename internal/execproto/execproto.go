// Package execproto defines the request and response exchanged with an
// execution server. The same structs travel as CBOR on the socket
// transports and as JSON over HTTP.
package execproto

import "novaagent/internal/executor"

type Op string

const (
	OpExecute Op = "execute"
	OpHealth  Op = "health"
)

const (
	TransportUnix = "unix"
	TransportTCP  = "tcp"
	TransportHTTP = "http"
)

// MaxRequestSize bounds a single encoded request on every transport.
const MaxRequestSize = 1 << 20

type Request struct {
	Op     Op               `json:"op,omitempty" cbor:"op,omitempty"`
	Action *executor.Action `json:"action,omitempty" cbor:"action,omitempty"`
	DryRun bool             `json:"dry_run,omitempty" cbor:"dry_run,omitempty"`
	Deep   bool             `json:"deep,omitempty" cbor:"deep,omitempty"`
	// Token is only read on the socket transports; HTTP carries it in a header.
	Token string `json:"-" cbor:"token,omitempty"`
}

type Response struct {
	OK           bool             `json:"ok" cbor:"ok"`
	Status       executor.Status  `json:"status,omitempty" cbor:"status,omitempty"`
	Output       string           `json:"output,omitempty" cbor:"output,omitempty"`
	Action       *executor.Action `json:"action,omitempty" cbor:"action,omitempty"`
	Error        string           `json:"error,omitempty" cbor:"error,omitempty"`
	Service      string           `json:"service,omitempty" cbor:"service,omitempty"`
	Transport    string           `json:"transport,omitempty" cbor:"transport,omitempty"`
	Platform     string           `json:"platform,omitempty" cbor:"platform,omitempty"`
	Capabilities []string         `json:"capabilities,omitempty" cbor:"capabilities,omitempty"`
}

// Result converts an execute response back into an executor result.
func (r Response) Result(action executor.Action) executor.Result {
	status := r.Status
	if status == "" {
		status = executor.StatusFailed
	}
	out := r.Output
	if out == "" {
		out = r.Error
	}
	return executor.Result{Action: action, Status: status, Output: out}
}
