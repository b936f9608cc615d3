package execserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"novaagent/internal/execproto"
	"novaagent/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// HTTPServer serves the protocol as JSON over HTTP.
type HTTPServer struct {
	proto *Protocol
	log   zerolog.Logger
	r     *chi.Mux
}

func NewHTTPServer(proto *Protocol, logger zerolog.Logger) *HTTPServer {
	s := &HTTPServer{proto: proto, log: logger.With().Str("transport", execproto.TransportHTTP).Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.AccessLog(s.log), middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(s.authorize)
		r.Post("/execute", s.execute)
		r.Get("/health", s.health)
	})
	s.r = r
	return s
}

func (s *HTTPServer) Handler() http.Handler { return s.r }

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln. Cancelling ctx stops new requests and waits
// for in-flight ones to complete.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("execution http listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info().Msg("execution http stopped")
	return nil
}

func (s *HTTPServer) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.proto.Authorized(requestToken(r)) {
			writeJSON(w, http.StatusUnauthorized, execproto.Response{OK: false, Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-DirectShell-Token"))
}

func (s *HTTPServer) execute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, execproto.MaxRequestSize)
	var req execproto.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, execproto.Response{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, execproto.Response{Error: "invalid json"})
		return
	}
	req.Op = execproto.OpExecute
	req.Token = requestToken(r)

	resp, err := s.proto.Handle(r.Context(), execproto.TransportHTTP, req)
	if err != nil {
		writeJSON(w, statusFor(err), execproto.Response{Error: err.Error(), Transport: execproto.TransportHTTP})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep")
	req := execproto.Request{
		Op:    execproto.OpHealth,
		Deep:  deep == "1" || strings.EqualFold(deep, "true"),
		Token: requestToken(r),
	}
	resp, err := s.proto.Handle(r.Context(), execproto.TransportHTTP, req)
	if err != nil {
		writeJSON(w, statusFor(err), execproto.Response{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
