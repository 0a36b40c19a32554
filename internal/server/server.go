// Package server exposes the reply pipeline over HTTP and WebSocket.
//
// Routes:
//
//   - POST /npc/reply, POST /reply: generate one NPC reply.
//   - POST /ingest/chat: store a player chat line.
//   - POST /ingest/event: store a game event.
//   - GET /ws/chat: WebSocket; every text frame is a reply request.
//   - GET /healthz, GET /readyz, GET /metrics.
//
// Every failure is answered with a typed status code and a JSON body of the
// form {"error": "<kind>", "message": "..."}; a reply is never an empty
// string standing in for an error.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/koschei/internal/health"
	"github.com/MrWong99/koschei/internal/observe"
	"github.com/MrWong99/koschei/pkg/types"
)

// Pipeline is the part of the orchestrator the façade drives.
type Pipeline interface {
	GenerateReply(ctx context.Context, req types.ReplyRequest) (types.Reply, error)
	IngestUtterance(ctx context.Context, u types.Utterance) (string, error)
	IngestEvent(ctx context.Context, e types.GameEvent) (string, error)
}

const (
	// maxBodyBytes bounds JSON request bodies and WebSocket frames.
	maxBodyBytes = 64 << 10

	defaultShutdownTimeout = 10 * time.Second
)

// Server serves the reply API. Construct it with [New].
type Server struct {
	pipeline Pipeline
	metrics  *observe.Metrics
	health   *health.Handler
	promh    http.Handler

	corsOrigins []string
	rps         float64
	burst       int

	certFile, keyFile string
	shutdownTimeout   time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz backed by the given checkers.
func WithHealth(checkers ...health.Checker) Option {
	return func(s *Server) { s.health = health.New(checkers...) }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.promh = h }
}

// WithCORS sets the allowed browser origins. "*" allows any origin. An empty
// list sends no CORS headers.
func WithCORS(origins ...string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit enables a per-client-IP token bucket. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

// WithTLS serves HTTPS using the given PEM files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithShutdownTimeout bounds graceful shutdown. The default is 10 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a Server in front of p.
func New(p Pipeline, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, errors.New("server: pipeline is nil")
	}
	s := &Server{
		pipeline:        p,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler. The middleware order is
// observe, CORS, rate limit, routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /npc/reply", s.handleReply)
	mux.HandleFunc("POST /reply", s.handleReply)
	mux.HandleFunc("POST /ingest/chat", s.handleIngestChat)
	mux.HandleFunc("POST /ingest/event", s.handleIngestEvent)
	mux.HandleFunc("GET /ws/chat", s.handleChatStream)
	s.health.Register(mux)
	if s.promh != nil {
		mux.Handle("GET /metrics", s.promh)
	}

	var h http.Handler = mux
	if s.rps > 0 {
		h = newRateLimiter(s.rps, s.burst, s.metrics).Middleware(h)
	}
	h = cors(s.corsOrigins)(h)
	return observe.Middleware(s.metrics)(h)
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Open WebSocket streams see ctx cancellation and close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if s.certFile != "" {
			errCh <- srv.ServeTLS(ln, s.certFile, s.keyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("server listening", "addr", ln.Addr().String(), "tls", s.certFile != "")

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}
