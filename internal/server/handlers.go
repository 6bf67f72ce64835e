package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/forestmail/forest-mail/internal/mailapi"
	"github.com/forestmail/forest-mail/internal/threading"
	"github.com/forestmail/forest-mail/internal/tokensource"
	"github.com/forestmail/forest-mail/internal/tokenstore"
	"github.com/forestmail/forest-mail/internal/validation"
)

type sessionResponse struct {
	Authenticated bool `json:"authenticated"`
}

type loginRequest struct {
	Token string `json:"token"`
}

type threadView struct {
	threading.Thread
	IsThread bool `json:"isThread"`
}

type threadsResponse struct {
	Threads []threadView `json:"threads"`
}

type eventsResponse struct {
	Events []tokenstore.SecurityEvent `json:"events"`
}

type statusResponse struct {
	Suspicious bool `json:"suspicious"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	_, ok := s.tokens.Retrieve(r.Context(), s.slot)
	writeJSON(r.Context(), w, sessionResponse{Authenticated: ok}, http.StatusOK)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSONError(r.Context(), w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.tokens.Store(r.Context(), s.slot, strings.TrimSpace(req.Token)); err != nil {
		if errors.Is(err, tokenstore.ErrInvalidFormat) {
			writeJSONError(r.Context(), w, "invalid token format", http.StatusBadRequest)
			return
		}
		slog.ErrorContext(r.Context(), "failed to store token", "error", err)
		writeJSONError(r.Context(), w, "failed to store token", http.StatusInternalServerError)
		return
	}

	writeJSON(r.Context(), w, sessionResponse{Authenticated: true}, http.StatusCreated)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.ClearAll(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "failed to clear tokens", "error", err)
		writeJSONError(r.Context(), w, "failed to clear tokens", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleThreads returns the inbox grouped into threads, newest first. An optional
// q parameter keeps threads whose subject, body or participants contain it.
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if err := validation.ValidateSearchQuery(query); err != nil {
		writeJSONError(r.Context(), w, err.Error(), http.StatusBadRequest)
		return
	}

	messages, err := s.mailbox.ListInbox(r.Context())
	if err != nil {
		s.writeMailError(w, r, err)
		return
	}

	for i := range messages {
		messages[i].Body = validation.SanitizeHTML(messages[i].Body)
	}

	threads := threading.GroupIntoThreads(messages)
	views := make([]threadView, 0, len(threads))
	for _, thread := range threads {
		if !thread.Matches(query) {
			continue
		}
		views = append(views, threadView{Thread: thread, IsThread: thread.IsThread()})
	}

	writeJSON(r.Context(), w, threadsResponse{Threads: views}, http.StatusOK)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.sendLimiter != nil && !s.sendLimiter.Allow(clientID(r)) {
		writeJSONError(r.Context(), w, "rate limit exceeded, please try again later", http.StatusTooManyRequests)
		return
	}

	var msg mailapi.Outgoing
	if err := readJSON(w, r, &msg); err != nil {
		writeJSONError(r.Context(), w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := errors.Join(
		validation.ValidateEmail(msg.To),
		validation.ValidateSubject(msg.Subject),
		validation.ValidateBody(msg.Body),
	); err != nil {
		writeJSONError(r.Context(), w, strings.ReplaceAll(err.Error(), "\n", "; "), http.StatusBadRequest)
		return
	}
	if msg.From != "" {
		if err := validation.ValidateEmail(msg.From); err != nil {
			writeJSONError(r.Context(), w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	sent, err := s.mailbox.Send(r.Context(), msg)
	if err != nil {
		s.writeMailError(w, r, err)
		return
	}
	writeJSON(r.Context(), w, sent, http.StatusAccepted)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.tokens.Events(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to read security events", "error", err)
		writeJSONError(r.Context(), w, "failed to read security events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []tokenstore.SecurityEvent{}
	}
	writeJSON(r.Context(), w, eventsResponse{Events: events}, http.StatusOK)
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.ClearEvents(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "failed to clear security events", "error", err)
		writeJSONError(r.Context(), w, "failed to clear security events", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, statusResponse{Suspicious: s.tokens.DetectSuspiciousActivity(r.Context())}, http.StatusOK)
}

// writeMailError maps mailbox failures onto HTTP statuses. A missing or rejected
// token is 401 so the front end routes to login.
func (s *Server) writeMailError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tokensource.ErrNoToken), mailapi.IsUnauthorized(err):
		writeJSONError(r.Context(), w, "not authenticated", http.StatusUnauthorized)
	case r.Context().Err() != nil:
		// client went away
	default:
		slog.ErrorContext(r.Context(), "mail provider request failed", "error", err)
		writeJSONError(r.Context(), w, "mail provider request failed", http.StatusBadGateway)
	}
}

// clientID keys the send rate limiter by remote host.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
