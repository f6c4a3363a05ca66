package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"agentbridge/internal/domain"
	"agentbridge/internal/logging"
	"agentbridge/internal/session"
)

func (s *Server) handleRoot(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "service": s.serviceName})
}

func (s *Server) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePing(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, "pong")
}

func (s *Server) handleEcho(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Message *string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.Message == nil {
		writeError(rw, http.StatusUnprocessableEntity, "field 'message' is required")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"echo": *req.Message})
}

// handleVerify answers the webhook subscription handshake.
func (s *Server) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := s.webhook.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
		writeError(rw, http.StatusForbidden, err.Error())
		return
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	io.WriteString(rw, challenge)
}

// handleEvent always answers 200 so the platform does not redeliver.
func (s *Server) handleEvent(rw http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), s.logger)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		logger.Warn("reading webhook body failed", "err", err)
		writeJSON(rw, http.StatusOK, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	if !s.webhook.Authentic(body, r.Header.Get("X-Hub-Signature-256")) {
		logger.Warn("webhook signature mismatch; ignoring delivery")
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	writeJSON(rw, http.StatusOK, s.webhook.HandleEvent(r.Context(), body))
}

func (s *Server) handleListSessions(rw http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("listing sessions failed", "err", err)
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []domain.Session{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (s *Server) handleDeleteSession(rw http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	ok, err := s.sessions.Delete(r.Context(), user)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("deleting session failed", "user", user, "err", err)
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(rw, http.StatusNotFound, domain.ErrSessionNotFound.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "deleted", "user": user})
}

type queryRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// handleQuery sends free-form text to the caller's engine session, outside
// the webhook path.
func (s *Server) handleQuery(rw http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(rw, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(rw, http.StatusUnprocessableEntity, "fields 'user_id' and 'message' are required")
		return
	}

	sessionID, err := s.sessions.ResolveOrCreate(r.Context(), req.UserID)
	if err != nil {
		s.engineFailure(rw, r, err)
		return
	}
	reply, err := s.engine.SendMessage(r.Context(), session.UserIDFor(req.UserID), sessionID, req.Message)
	if err != nil {
		s.engineFailure(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"reply": reply, "session_id": sessionID})
}

type rawQueryRequest struct {
	ClassMethod string         `json:"class_method"`
	Input       map[string]any `json:"input"`
}

// handleRawQuery passes a structured query through and returns the engine's
// output unchanged.
func (s *Server) handleRawQuery(rw http.ResponseWriter, r *http.Request) {
	var req rawQueryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(rw, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if req.ClassMethod == "" {
		writeError(rw, http.StatusUnprocessableEntity, "field 'class_method' is required")
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	out, err := s.engine.Query(r.Context(), req.ClassMethod, req.Input)
	if err != nil {
		s.engineFailure(rw, r, err)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write(out)
}

// engineFailure maps engine-side errors to 502, carrying the upstream status.
func (s *Server) engineFailure(rw http.ResponseWriter, r *http.Request, err error) {
	logging.FromContext(r.Context(), s.logger).Error("engine request failed", "err", err)

	body := map[string]any{"detail": err.Error()}
	var ee *domain.EngineError
	if errors.As(err, &ee) && ee.Status != 0 {
		body["upstream_status"] = ee.Status
	}
	writeJSON(rw, http.StatusBadGateway, body)
}
