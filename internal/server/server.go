// Package server exposes the local HTTP API the Forest Mail front end talks to:
// session management, threaded inbox, sending, and the security event log.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/forestmail/forest-mail/internal/mailapi"
	"github.com/forestmail/forest-mail/internal/observability/middleware"
	"github.com/forestmail/forest-mail/internal/threading"
	"github.com/forestmail/forest-mail/internal/tokenstore"
	"github.com/forestmail/forest-mail/internal/validation"
)

// TokenStore is the subset of tokenstore.TokenStore the API uses.
type TokenStore interface {
	Store(ctx context.Context, slot, token string) error
	Retrieve(ctx context.Context, slot string) (string, bool)
	ClearAll(ctx context.Context) error
	DetectSuspiciousActivity(ctx context.Context) bool
	Events(ctx context.Context) ([]tokenstore.SecurityEvent, error)
	ClearEvents(ctx context.Context) error
}

// Mailbox reads and sends mail for the logged in user.
type Mailbox interface {
	ListInbox(ctx context.Context) ([]threading.Message, error)
	Send(ctx context.Context, msg mailapi.Outgoing) (mailapi.SentMessage, error)
}

// DefaultSlot is the token slot the session endpoints read and write.
const DefaultSlot = "gmail_token"

// Option configures a Server.
type Option func(*Server)

// WithSlot overrides DefaultSlot.
func WithSlot(slot string) Option {
	return func(s *Server) {
		s.slot = slot
	}
}

// WithSendLimiter rate limits POST /api/messages per client address.
func WithSendLimiter(limiter *validation.RateLimiter) Option {
	return func(s *Server) {
		s.sendLimiter = limiter
	}
}

// WithAllowedOrigin rejects browser requests whose Origin header is set and differs from origin.
func WithAllowedOrigin(origin string) Option {
	return func(s *Server) {
		s.allowedOrigin = origin
	}
}

// Server serves the local API.
type Server struct {
	tokens  TokenStore
	mailbox Mailbox

	slot          string
	sendLimiter   *validation.RateLimiter
	allowedOrigin string

	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server.
func New(tokens TokenStore, mailbox Mailbox, opts ...Option) (*Server, error) {
	if tokens == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if mailbox == nil {
		return nil, fmt.Errorf("missing mailbox")
	}

	s := &Server{
		tokens:  tokens,
		mailbox: mailbox,
		slot:    DefaultSlot,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := slog.Default()
	mw := []func(http.Handler) http.Handler{
		middleware.Logging(logger),
		middleware.Recovery,
		middleware.SecurityHeaders(validation.GenerateNonce),
		s.checkOrigin,
	}

	mux := http.NewServeMux()
	routes := map[string]http.HandlerFunc{
		"GET /api/session":            s.handleSessionStatus,
		"POST /api/session":           s.handleLogin,
		"DELETE /api/session":         s.handleLogout,
		"GET /api/threads":            s.handleThreads,
		"POST /api/messages":          s.handleSend,
		"GET /api/security/events":    s.handleEvents,
		"DELETE /api/security/events": s.handleClearEvents,
		"GET /api/security/status":    s.handleSecurityStatus,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, applyMiddlewares(handler, mw...))
	}

	s.mux = mux
	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	// Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // inbox fetch fans out to the provider
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// checkOrigin blocks cross-site requests from other pages open in the browser.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.allowedOrigin != "" && origin != "" && origin != s.allowedOrigin {
			writeJSONError(r.Context(), w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// applyMiddlewares applies middlewares to a handler in the order they appear.
// The first middleware in the slice is the outermost (executes first).
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
