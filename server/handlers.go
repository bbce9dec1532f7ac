package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/orchestrator"
	"github.com/hupe1980/agentrelay/stream"
)

// DefaultTraceLimit is the page size of GET /api/traces.
const DefaultTraceLimit = 50

type subjectKey struct{}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated token subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: core.CodeValidation})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active": s.svc.Active()})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "authentication is disabled", Code: core.CodeValidation})
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		badRequest(w, fmt.Errorf("invalid token request: %w", err))
		return
	}

	token, err := s.opts.Auth.IssueToken(req.Username, req.Password)
	if err != nil {
		s.opts.Logger.Warn("server.token.denied", "user", req.Username)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.opts.Auth.opts.Expiry.Seconds()),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		badRequest(w, fmt.Errorf("invalid chat request: %w", err))
		return
	}
	if subject, ok := SubjectFromContext(r.Context()); ok {
		req.UserID = subject
	}

	if !req.Stream && !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		resp, err := s.svc.Handle(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	id, events, err := s.svc.Stream(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("X-Request-ID", id)
	s.pump(w, id, events)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	var lastID int64
	if raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			badRequest(w, fmt.Errorf("invalid last event id %q", raw))
			return
		}
		lastID = v
	}

	events, err := s.svc.Resume(r.Context(), id, lastID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: core.CodeValidation})
		return
	}
	w.Header().Set("X-Request-ID", id)
	s.pump(w, id, events)
}

// pump forwards events as SSE until the channel closes or the client goes
// away.
func (s *Server) pump(w http.ResponseWriter, id string, events <-chan core.Event) {
	sse := stream.NewSSEWriter(w)
	if sse == nil {
		_ = s.svc.Cancel(id)
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	for e := range events {
		if err := sse.Send(e); err != nil {
			s.opts.Logger.Warn("server.sse.write_failed", "request", id, "error", err.Error())
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: core.CodeValidation})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": "cancelling"})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Agents())
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	limit := DefaultTraceLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			badRequest(w, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = v
	}
	writeJSON(w, http.StatusOK, s.svc.Recorder().List(limit))
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.svc.Recorder().Get(r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrTraceNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorBody{Error: err.Error(), Code: core.CodeValidation})
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status().Snapshot())
}
