package execserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"novaagent/internal/codec"
	"novaagent/internal/execproto"
)

const (
	// idleTimeout is how long a connection may sit between requests.
	idleTimeout  = 2 * time.Minute
	writeTimeout = 10 * time.Second
)

// SocketDaemon serves the CBOR protocol on a unix or TCP listener. A
// connection carries any number of sequential requests; clients that send
// one request and close are served the same way.
type SocketDaemon struct {
	network string
	address string
	proto   *Protocol
	log     zerolog.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	addr    net.Addr
	closing bool

	active sync.WaitGroup
}

// NewSocketDaemon returns a daemon for network "unix" or "tcp".
func NewSocketDaemon(network, address string, proto *Protocol, logger zerolog.Logger) *SocketDaemon {
	return &SocketDaemon{
		network: network,
		address: address,
		proto:   proto,
		log:     logger.With().Str("transport", network).Logger(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen opens the listener. A stale unix socket file is removed first.
func (d *SocketDaemon) Listen() (net.Listener, error) {
	switch d.network {
	case execproto.TransportUnix:
		if err := os.Remove(d.address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", d.address, err)
		}
	case execproto.TransportTCP:
	default:
		return nil, fmt.Errorf("execserver: unsupported socket network %q", d.network)
	}
	ln, err := net.Listen(d.network, d.address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", d.network, d.address, err)
	}
	return ln, nil
}

// ListenAndServe listens and serves until ctx is cancelled.
func (d *SocketDaemon) ListenAndServe(ctx context.Context) error {
	ln, err := d.Listen()
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

// Addr is the bound address once Serve has started.
func (d *SocketDaemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation
// it stops accepting, wakes idle connections and waits for in-flight
// requests to finish.
func (d *SocketDaemon) Serve(ctx context.Context, ln net.Listener) error {
	d.mu.Lock()
	d.addr = ln.Addr()
	d.closing = false
	d.mu.Unlock()
	defer func() {
		if d.network == execproto.TransportUnix {
			_ = os.Remove(d.address)
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		_ = ln.Close()
		d.wakeAll()
	}()

	d.log.Info().Str("addr", ln.Addr().String()).Msg("execution socket listening")

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		d.track(conn, true)
		d.active.Add(1)
		go func() {
			defer d.active.Done()
			defer d.track(conn, false)
			d.handleConn(ctx, conn)
		}()
	}

	d.active.Wait()
	d.log.Info().Msg("execution socket stopped")
	return acceptErr
}

func (d *SocketDaemon) track(conn net.Conn, add bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if add {
		d.conns[conn] = struct{}{}
		return
	}
	delete(d.conns, conn)
	_ = conn.Close()
}

// wakeAll unblocks connections waiting for their next request. A request
// already being executed finishes and its response is written.
func (d *SocketDaemon) wakeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closing = true
	for conn := range d.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
}

// armIdle sets the deadline for the next request. It holds d.mu so a
// concurrent wakeAll cannot be overwritten with a later deadline.
func (d *SocketDaemon) armIdle(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		_ = conn.SetReadDeadline(time.Now())
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
}

func (d *SocketDaemon) handleConn(ctx context.Context, conn net.Conn) {
	limited := &io.LimitedReader{R: conn, N: execproto.MaxRequestSize}
	dec := codec.NewDecoder(limited)
	enc := codec.NewEncoder(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		d.armIdle(conn)
		limited.N = execproto.MaxRequestSize

		var req execproto.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Debug().Err(err).Msg("invalid request")
			d.write(conn, enc, failure(d.network, fmt.Errorf("invalid request: %w", err)))
			return
		}

		resp, err := d.proto.Handle(context.WithoutCancel(ctx), d.network, req)
		if err != nil {
			resp = failure(d.network, err)
		}
		if !d.write(conn, enc, resp) {
			return
		}
	}
}

func (d *SocketDaemon) write(conn net.Conn, enc *codec.Encoder, resp execproto.Response) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := enc.Encode(resp); err != nil {
		d.log.Debug().Err(err).Msg("failed to write response")
		return false
	}
	return true
}
