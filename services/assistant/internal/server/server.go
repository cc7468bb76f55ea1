package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arisbot/internal/usertoken"
	"arisbot/internal/util"
	"arisbot/pkg/domain"
	"arisbot/pkg/sources/docindex"
	"arisbot/pkg/stream"
	"arisbot/services/assistant/internal/app"
)

const maxBodyBytes = 20 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	CORSOrigins   []string
	// KeepAlive is the SSE ping interval while a turn gathers context.
	KeepAlive time.Duration
}

// Server exposes the assistant HTTP API.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	corsOrigins   []string
	keepAlive     time.Duration
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		corsOrigins:   cfg.CORSOrigins,
		keepAlive:     cfg.KeepAlive,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))
	s.mux.Handle("/api/sources", s.authenticated(s.handleSources))

	s.mux.Handle("/api/knowledge/stats", s.authenticated(s.handleKnowledgeStats))
	s.mux.Handle("/api/knowledge/documents", s.authenticated(s.handleKnowledgeDocuments))
	s.mux.Handle("/api/knowledge/search", s.authenticated(s.handleKnowledgeSearch))
	s.mux.Handle("/api/knowledge/reindex", s.adminOnly(s.handleKnowledgeReindex))
	s.mux.Handle("/api/knowledge/jobs/", s.adminOnly(s.handleKnowledgeJob))

	s.mux.Handle("/api/fibras/status", s.authenticated(s.handleLinesStatus))
	s.mux.Handle("/api/fibras/stats", s.authenticated(s.handleLinesStats))
	s.mux.Handle("/api/fibras/search", s.authenticated(s.handleLinesSearch))
	s.mux.Handle("/api/fibras/linea/", s.authenticated(s.handleLine))

	s.mux.Handle("/api/admin/sources/defaults/", s.adminOnly(s.handleRoleSources))
	s.mux.Handle("/api/admin/sources/user/", s.adminOnly(s.handleUserSources))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, status, msg := s.authorize(r)
		if status != 0 {
			writeError(w, status, msg)
			return
		}
		r = r.WithContext(util.WithUserLogger(r.Context(), user.ID))
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleAdmin {
			s.audit(r, "admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "Acceso denegado")
			return
		}
		next(w, r, user)
	})
}

// authorize verifies the bearer token and loads the account. A non-zero
// status carries the rejection.
func (s *Server) authorize(r *http.Request) (domain.User, int, string) {
	token, ok := usertoken.FromHeader(r.Header.Get("Authorization"))
	if !ok {
		return domain.User{}, http.StatusUnauthorized, "Token no proporcionado"
	}
	userID, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		s.audit(r, "token.verify", "fail", "err", err)
		return domain.User{}, http.StatusUnauthorized, "Token inválido o expirado"
	}
	user, err := s.app.Authenticate(userID)
	if err != nil {
		if errors.Is(err, app.ErrUserNotFound) {
			return domain.User{}, http.StatusUnauthorized, "Usuario no encontrado"
		}
		util.LoggerFromContext(r.Context()).Error("user_load_failed", "user_id", userID, "err", err)
		return domain.User{}, http.StatusInternalServerError, "internal error"
	}
	if !user.Active {
		s.audit(r, "token.verify", "fail", "user_id", user.ID, "reason", "inactive")
		return domain.User{}, http.StatusForbidden, "Cuenta desactivada. Contacta al administrador."
	}
	return user, 0, ""
}

func (s *Server) audit(r *http.Request, event, outcome string, args ...any) {
	attrs := append([]any{"event", event, "outcome", outcome, "path", r.URL.Path}, args...)
	util.LoggerFromContext(r.Context()).Warn("audit", attrs...)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, stream.ErrFlushUnsupported.Error())
		return
	}
	session, err := s.app.Chat(r.Context(), user, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sse, err := stream.NewWriter(w)
	if err != nil {
		session.Cancel()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := sse.Relay(r.Context(), session, s.keepAlive); err != nil {
		util.LoggerFromContext(r.Context()).Info("chat_client_gone", "conversation_id", session.ConversationID, "err", err)
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.ListConversations(user, 0)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// /api/conversations/{id}, /api/conversations/{id}/messages and the
// /api/conversations/feedback routes.
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if id == "feedback" {
		rest := ""
		if len(parts) == 2 {
			rest = parts[1]
		}
		s.handleFeedback(w, r, rest)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "messages" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		conversation, messages, err := s.app.ConversationMessages(user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conversation, "messages": messages})
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteConversation(user, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, rest string) {
	switch {
	case rest == "":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var fb domain.Feedback
		if err := decodeJSON(r, &fb); err != nil {
			writeError(w, http.StatusBadRequest, app.ErrInvalidRating.Error())
			return
		}
		if err := s.app.SubmitFeedback(fb); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case rest == "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := s.app.FeedbackStats()
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case !strings.Contains(rest, "/"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.app.Feedback(rest)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	access, err := s.app.SourceAccess(user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

type sourcesRequest struct {
	Sources map[string]bool `json:"sources"`
}

func (s *Server) handleRoleSources(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	role := domain.UserRole(strings.TrimPrefix(r.URL.Path, "/api/admin/sources/defaults/"))
	var req sourcesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	access, err := s.app.SetRoleSources(role, req.Sources)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (s *Server) handleUserSources(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/api/admin/sources/user/")
	var req sourcesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	access, err := s.app.SetUserSources(userID, req.Sources)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (s *Server) handleKnowledgeStats(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.KnowledgeStats()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleKnowledgeDocuments(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	docs, err := s.app.KnowledgeDocuments()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if docs == nil {
		docs = []docindex.DocumentInfo{}
	}
	writeJSON(w, http.StatusOK, docs)
}

type knowledgeSearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK"`
}

func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req knowledgeSearchRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "Query required")
		return
	}
	results, err := s.app.SearchKnowledge(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type reindexRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKnowledgeReindex(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req reindexRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	job, err := s.app.RequestReindex(r.Context(), req.Reason)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "knowledge.reindex", "queued", "user_id", user.ID, "job_id", job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleKnowledgeJob(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/knowledge/jobs/")
	job, ok, err := s.app.ReindexJob(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLinesStatus(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"configured": s.app.LinesConfigured()})
}

func (s *Server) handleLinesStats(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.LineStats(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLinesSearch(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, `Query parameter "q" is required`)
		return
	}
	lines, err := s.app.SearchLines(r.Context(), query)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleLine(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	number := strings.TrimPrefix(r.URL.Path, "/api/fibras/linea/")
	line, err := s.app.Line(r.Context(), number)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps app sentinels to HTTP statuses. Unknown errors are
// logged and reported as 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Message is required")
	case errors.Is(err, app.ErrInvalidRating), errors.Is(err, app.ErrInvalidSource), errors.Is(err, app.ErrVisionUnavailable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, app.ErrLineNotFound):
		writeError(w, http.StatusNotFound, "Línea no encontrada")
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "Usuario no encontrado")
	case errors.Is(err, app.ErrConversationForbidden):
		writeError(w, http.StatusForbidden, "Acceso denegado")
	case errors.Is(err, app.ErrTurnInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, app.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
