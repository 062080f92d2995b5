package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"offshoot/api/internal/auth"
	"offshoot/api/internal/rbac"
	"offshoot/api/internal/search"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Observer records request metrics and exposes them for scraping.
type Observer interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    Observer
	log        *slog.Logger
}

// NewHTTPServer wires the JSON API. metrics may be nil, in which case
// /metrics is not served.
func NewHTTPServer(service *Service, corsOrigin string, metrics Observer) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: metrics, log: service.log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.log.Info("request forbidden", "request_id", requestID(r.Context()), "user_id", session.UserID, "role", session.Role, "action", action)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, result := range s.service.Ping(ctx) {
			if result == "ok" {
				checks[name] = map[string]any{"status": "ok"}
				continue
			}
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": result}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body LoginInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		session, err := s.service.Login(r.Context(), body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search/forks" {
		s.handleSearch(w, r, session)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, session, parts[2:])
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "forks" {
		s.handleForks(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionWrite) {
			return
		}
		var body DocumentInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), session, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)

	case len(rest) == 1 && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		doc, err := s.service.GetDocument(r.Context(), rest[0])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case len(rest) == 1 && r.Method == http.MethodPut:
		if !s.allow(w, r, session, rbac.ActionWrite) {
			return
		}
		var body DocumentInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		doc, err := s.service.UpdateDocument(r.Context(), session, rest[0], body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case len(rest) == 2 && rest[1] == "forks" && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		items, err := s.service.ListForks(r.Context(), rest[0])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})

	case len(rest) == 2 && rest[1] == "forks" && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionFork) {
			return
		}
		created, err := s.service.CreateFork(r.Context(), session, rest[0])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case len(rest) == 2 && rest[1] == "revisions" && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		limit := queryInt(r, "limit", 20)
		list, err := s.service.Revisions(r.Context(), rest[0], limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleForks(w http.ResponseWriter, r *http.Request, session Session, forkID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		item, err := s.service.GetFork(r.Context(), forkID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 1 && rest[0] == "compare" && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		view, err := s.service.CompareFork(r.Context(), forkID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(rest) == 1 && rest[0] == "merge" && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionMerge) {
			return
		}
		var body struct {
			OriginalID string `json:"originalId" validate:"required"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		result, err := s.service.MergeFork(r.Context(), session, forkID, body.OriginalID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.allow(w, r, session, rbac.ActionRead) {
		return
	}
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, s.service.SearchForks(r.Context(), search.Query{
		Text:       text,
		OriginalID: query.Get("originalId"),
		State:      query.Get("state"),
		Limit:      limit,
		Offset:     queryInt(r, "offset", 0),
	}))
}

func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	s.forbid(w, r, session, action)
	return false
}

// decodeValid decodes the JSON body into target and runs its validate tags.
// It writes the 400 response itself and reports whether the handler may
// continue.
func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request failed validation", details)
			return false
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.log.Error("session lookup failed", "request_id", requestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, routeLabel(r.URL.Path), writer.status, elapsed)
		}
		s.log.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// knownRoutes are the metric labels the router can serve. Anything else is
// counted as "other" so unmatched paths cannot grow label cardinality.
var knownRoutes = map[string]struct{}{
	"/metrics":                      {},
	"/api/health":                   {},
	"/api/ready":                    {},
	"/api/session":                  {},
	"/api/session/login":            {},
	"/api/session/logout":           {},
	"/api/search/forks":             {},
	"/api/documents":                {},
	"/api/documents/{id}":           {},
	"/api/documents/{id}/forks":     {},
	"/api/documents/{id}/revisions": {},
	"/api/forks/{id}":               {},
	"/api/forks/{id}/compare":       {},
	"/api/forks/{id}/merge":         {},
}

// routeLabel collapses ids out of a path so metric labels stay bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) > 2 && parts[0] == "api" && (parts[1] == "documents" || parts[1] == "forks") {
		parts[2] = "{id}"
	}
	label := "/" + strings.Join(parts, "/")
	if _, ok := knownRoutes[label]; ok {
		return label
	}
	return "other"
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(translate(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
