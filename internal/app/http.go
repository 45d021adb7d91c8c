package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"roletracker/internal/auth"
	"roletracker/internal/platform"
	"roletracker/internal/store"
)

// HTTPServer is the thin command surface over Service.
type HTTPServer struct {
	service    *Service
	corsOrigin string
	tokens     *auth.Verifier
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, tokens *auth.Verifier, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, tokens: tokens, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /api/guilds/{guildID}/roles", s.authorized(s.handleListAddableRoles))
	mux.Handle("GET /api/roles/{roleID}", s.authorized(s.handleGetRoleGrant))
	mux.Handle("PUT /api/guilds/{guildID}/roles/{roleID}/addable", s.authorized(s.handleSetAddable))
	mux.Handle("POST /api/guilds/{guildID}/roles/{roleID}/members/{memberID}", s.authorized(s.handleGrantRole))
	mux.Handle("DELETE /api/guilds/{guildID}/roles/{roleID}/members/{memberID}", s.authorized(s.handleRevokeRole))
	mux.Handle("POST /api/guilds/{guildID}/member-updates", s.authorized(s.handleMemberUpdate))
	return s.withMiddleware(mux)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListAddableRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.service.ListAddableRoles(r.Context(), r.PathValue("guildID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *HTTPServer) handleGetRoleGrant(w http.ResponseWriter, r *http.Request) {
	grant, err := s.service.GetRoleGrant(r.Context(), r.PathValue("roleID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleGrantJSON(grant))
}

func (s *HTTPServer) handleSetAddable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
		Confirm *bool `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "enabled is required", nil)
		return
	}

	role, err := s.service.ResolveRole(r.Context(), r.PathValue("guildID"), r.PathValue("roleID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	grant, err := s.service.EnableRole(r.Context(), role, *body.Enabled, Answer(body.Confirm))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleGrantJSON(grant))
}

func (s *HTTPServer) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModeratorID string    `json:"moderatorId"`
		Reason      string    `json:"reason"`
		EvidenceURL string    `json:"evidenceUrl"`
		Confirm     *bool     `json:"confirm"`
		At          time.Time `json:"at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ModeratorID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "moderatorId is required", nil)
		return
	}

	guildID := r.PathValue("guildID")
	role, err := s.service.ResolveRole(r.Context(), guildID, r.PathValue("roleID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	created, err := s.service.GrantRole(r.Context(), GrantRequest{
		GuildID:     guildID,
		Role:        role,
		MemberID:    r.PathValue("memberID"),
		ModeratorID: body.ModeratorID,
		Reason:      body.Reason,
		EvidenceURL: body.EvidenceURL,
		At:          body.At,
		Confirmer:   Answer(body.Confirm),
	})
	if err != nil {
		if created.Number > 0 {
			err = domainErrorWithCase(err, created)
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"case": caseJSON(created)})
}

func (s *HTTPServer) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModeratorID string    `json:"moderatorId"`
		Reason      string    `json:"reason"`
		At          time.Time `json:"at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ModeratorID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "moderatorId is required", nil)
		return
	}

	guildID := r.PathValue("guildID")
	role, err := s.service.ResolveRole(r.Context(), guildID, r.PathValue("roleID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.service.RevokeRole(r.Context(), RevokeRequest{
		GuildID:     guildID,
		Role:        role,
		MemberID:    r.PathValue("memberID"),
		ModeratorID: body.ModeratorID,
		Reason:      body.Reason,
		At:          body.At,
	}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMemberUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MemberID string    `json:"memberId"`
		Before   []string  `json:"before"`
		After    []string  `json:"after"`
		At       time.Time `json:"at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.MemberID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "memberId is required", nil)
		return
	}

	err := s.service.HandleMemberUpdate(r.Context(), platform.MemberRolesChanged{
		GuildID:  r.PathValue("guildID"),
		MemberID: body.MemberID,
		Before:   body.Before,
		After:    body.After,
		At:       body.At,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.tokens.Verify(bearerToken(r))
		switch {
		case errors.Is(err, auth.ErrDisabled):
			writeError(w, http.StatusServiceUnavailable, "API_DISABLED", "API token not configured", nil)
			return
		case err != nil:
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", writer.status),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.Any("request_id", r.Context().Value(requestIDKey{})),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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

func mapError(err error) (status int, code, message string, details any) {
	if domainErr, ok := asDomainError(err); ok {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, platform.ErrRoleNotFound) {
		return http.StatusNotFound, "ROLE_NOT_FOUND", "Role not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// domainErrorWithCase reports a failure that happened after the case was
// created, so callers can see which case is left behind.
func domainErrorWithCase(err error, created store.Case) error {
	domainErr, ok := asDomainError(err)
	if !ok {
		return err
	}
	return domainError(domainErr.Status, domainErr.Code, domainErr.Message, map[string]any{"case": caseJSON(created)})
}

func roleGrantJSON(grant store.RoleGrant) map[string]any {
	users := make(map[string]int64, len(grant.Users))
	for member, caseNumber := range grant.Users {
		users[member] = caseNumber
	}
	return map[string]any{
		"roleId":  grant.RoleID,
		"addable": grant.Addable,
		"users":   users,
	}
}

func caseJSON(item store.Case) map[string]any {
	payload := map[string]any{
		"guildId":     item.GuildID,
		"caseNumber":  item.Number,
		"type":        item.Type,
		"targetId":    item.TargetID,
		"moderatorId": item.ModeratorID,
		"reason":      item.Reason,
		"createdAt":   item.CreatedAt,
	}
	if item.ModifiedAt != nil {
		payload["modifiedAt"] = *item.ModifiedAt
	}
	if item.AmendedBy != "" {
		payload["amendedBy"] = item.AmendedBy
	}
	return payload
}
