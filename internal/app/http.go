package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"theoryboard/api/internal/auth"
	"theoryboard/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", h.route)
	return h.withMiddleware(mux)
}

func (h *HTTPServer) route(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	rest := segments[1:]

	switch rest[0] {
	case "health":
		if r.Method == http.MethodGet && len(rest) == 1 {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
			return
		}
	case "ready":
		if r.Method == http.MethodGet && len(rest) == 1 {
			if err := h.service.Ready(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
	case "auth":
		h.routeAuth(w, r, rest)
		return
	case "theories":
		h.routeTheories(w, r, rest)
		return
	case "tags":
		h.routeTags(w, r, rest)
		return
	case "contributions":
		h.routeContributions(w, r, rest)
		return
	case "admin":
		h.routeAdmin(w, r, rest)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
}

func (h *HTTPServer) routeAuth(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	switch {
	case rest[1] == "me" && r.Method == http.MethodGet:
		session, err := h.requireSession(w, r)
		if err != nil {
			return
		}
		writeJSON(w, http.StatusOK, h.service.Me(session))
	case rest[1] == "username" && r.Method == http.MethodPost:
		session, err := h.requireSession(w, r)
		if err != nil {
			return
		}
		var body struct {
			Username string `json:"username"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := h.service.ClaimUsername(r.Context(), session, body.Username)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (h *HTTPServer) routeTheories(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodPost:
		session, err := h.requireSession(w, r)
		if err != nil {
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := h.service.SubmitTheory(r.Context(), session, body.Content)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(rest) == 2 && rest[1] == "top" && r.Method == http.MethodGet:
		session := h.optionalSession(r)
		payload, err := h.service.TopTheories(r.Context(), session,
			r.URL.Query().Get("mode"), r.URL.Query().Get("tag"))
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(rest) == 2 && rest[1] == "search" && r.Method == http.MethodGet:
		q := r.URL.Query()
		resp := h.service.SearchTheories(q.Get("q"), queryInt(q.Get("limit")), queryInt(q.Get("offset")))
		writeJSON(w, http.StatusOK, resp)
	case len(rest) == 2 && rest[1] == "unmoderated" && r.Method == http.MethodGet:
		h.moderatorList(w, r, h.service.ListPending)
	case len(rest) == 2 && rest[1] == "missing-title" && r.Method == http.MethodGet:
		h.moderatorList(w, r, h.service.ListMissingTitle)
	case len(rest) == 2 && rest[1] == "approved" && r.Method == http.MethodGet:
		session, err := h.requireSession(w, r)
		if err != nil {
			return
		}
		q := r.URL.Query()
		payload, err := h.service.ListApproved(r.Context(), session, q.Get("q"),
			queryInt(q.Get("page")), queryInt(q.Get("pageSize")))
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(rest) == 3 && r.Method == http.MethodPost:
		h.routeTheoryAction(w, r, rest[1], rest[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (h *HTTPServer) routeTheoryAction(w http.ResponseWriter, r *http.Request, theoryID, action string) {
	session, err := h.requireSession(w, r)
	if err != nil {
		return
	}

	var payload map[string]any
	switch action {
	case "vote":
		var body struct {
			Value int `json:"value"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err = h.service.Vote(r.Context(), session, theoryID, body.Value)
	case "moderate":
		var body ModerateTheoryInput
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err = h.service.Moderate(r.Context(), session, theoryID, body)
	case "split":
		var body struct {
			Parts []SplitPartInput `json:"parts"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err = h.service.Split(r.Context(), session, theoryID, body.Parts)
	case "title":
		var body SetTitleInput
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err = h.service.SetTitle(r.Context(), session, theoryID, body)
	case "content":
		var body struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err = h.service.SetContent(r.Context(), session, theoryID, body.Content)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *HTTPServer) routeTags(w http.ResponseWriter, r *http.Request, rest []string) {
	session, err := h.requireSession(w, r)
	if err != nil {
		return
	}

	var payload map[string]any
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err = h.service.ListTags(r.Context(), session)
	case len(rest) == 1 && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err = h.service.CreateTag(r.Context(), session, body.Name)
	case len(rest) == 2 && r.Method == http.MethodDelete:
		payload, err = h.service.DeleteTag(r.Context(), session, rest[1])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *HTTPServer) routeContributions(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 2 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	switch rest[1] {
	case "leaderboard":
		session := h.optionalSession(r)
		payload, err := h.service.Leaderboard(r.Context(), session)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "stats":
		payload, err := h.service.Stats(r.Context())
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (h *HTTPServer) routeAdmin(w http.ResponseWriter, r *http.Request, rest []string) {
	session, err := h.requireSession(w, r)
	if err != nil {
		return
	}

	var payload map[string]any
	switch {
	case len(rest) == 2 && rest[1] == "users" && r.Method == http.MethodGet:
		payload, err = h.service.ListUsers(r.Context(), session)
	case len(rest) == 2 && rest[1] == "roles" && r.Method == http.MethodGet:
		payload, err = h.service.ListRoles(r.Context(), session)
	case len(rest) == 4 && rest[1] == "users" && rest[3] == "roles" && r.Method == http.MethodPost:
		var body struct {
			RoleName string `json:"roleName"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err = h.service.AssignRole(r.Context(), session, rest[2], body.RoleName)
	case len(rest) == 5 && rest[1] == "users" && rest[3] == "roles" && r.Method == http.MethodDelete:
		payload, err = h.service.RemoveRole(r.Context(), session, rest[2], rest[4])
	case len(rest) == 2 && rest[1] == "archive" && r.Method == http.MethodPost:
		payload, err = h.service.ExportArchive(r.Context(), session)
	case len(rest) == 3 && rest[1] == "contributions" && rest[2] == "backfill" && r.Method == http.MethodPost:
		payload, err = h.service.BackfillContributions(r.Context(), session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *HTTPServer) moderatorList(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, session *Session) (map[string]any, error)) {
	session, err := h.requireSession(w, r)
	if err != nil {
		return
	}
	payload, err := list(r.Context(), session)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- sessions ---

func (h *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (*Session, error) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
		return nil, errors.New("missing bearer token")
	}
	session, err := h.service.Authenticate(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, err)
		return nil, err
	}
	return session, nil
}

func (h *HTTPServer) optionalSession(r *http.Request) *Session {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	session, err := h.service.Authenticate(r.Context(), token)
	if err != nil {
		return nil
	}
	return session
}

func (h *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (int, string, string, any) {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain.Status, domain.Code, domain.Message, domain.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "resource not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token", nil
	}
	log.Printf("internal error: %v", err)
	return http.StatusInternalServerError, "SERVER_ERROR", "internal server error", nil
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		w.Header().Set("X-Request-ID", requestID)
		h.setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		entry := map[string]any{
			"requestId": requestID,
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    recorder.status,
			"durMs":     time.Since(start).Milliseconds(),
		}
		if line, err := json.Marshal(entry); err == nil {
			log.Printf("%s", line)
		}
	})
}

func (h *HTTPServer) setCORSHeaders(w http.ResponseWriter) {
	origin := h.corsOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

// --- helpers ---

func splitPath(path string) []string {
	var segments []string
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func queryInt(raw string) int {
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{
		"error":   code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
