package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"couponverse/api/internal/auth"
	"couponverse/api/internal/authpw"
	"couponverse/api/internal/chat"
	"couponverse/api/internal/ml"
	"couponverse/api/internal/search"
	"couponverse/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
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
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body struct {
			UserName string `json:"userName"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Register(r.Context(), authpw.RegisterRequest{
			UserName: body.UserName,
			Password: body.Password,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			UserName string `json:"userName"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.UserName, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.RefreshToken == "" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "refreshToken is required", nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users/exists" {
		userName := r.URL.Query().Get("username")
		if userName == "" {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "username is required", nil)
			return
		}
		exists, err := s.service.UserExists(r.Context(), userName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Everything below requires a session.
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := r.URL.Query().Get("q")
		typ := search.ResultType(r.URL.Query().Get("type"))
		writeJSON(w, http.StatusOK, s.service.SearchAll(q, typ))
		return
	}

	// Users
	if len(parts) >= 2 && parts[1] == "users" {
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "from-list" {
			var body struct {
				UserNames []string `json:"userNames"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			profiles, err := s.service.UsersFromList(r.Context(), body.UserNames)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": profiles})
			return
		}

		if r.Method == http.MethodPut && len(parts) == 3 {
			var body UpdateUserInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			profile, err := s.service.UpdateUser(r.Context(), session, parts[2], body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, profile)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 3 {
			if err := s.service.DeleteUser(r.Context(), session, parts[2]); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

		if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "groups" {
			groups, err := s.service.UserGroups(r.Context(), parts[2])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"groups": groupSummaries(groups)})
			return
		}
	}

	// Coupons
	if len(parts) >= 2 && parts[1] == "coupons" {
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "parse" {
			var body struct {
				Text string `json:"text"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			fields, err := s.service.ParseCoupon(r.Context(), body.Text)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, fields)
			return
		}

		if len(parts) == 3 {
			userName := parts[2]
			switch r.Method {
			case http.MethodGet:
				coupons, err := s.service.ListCoupons(r.Context(), userName)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"coupons": coupons})
				return
			case http.MethodPost:
				var body store.Coupon
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				coupon, err := s.service.AddCoupon(r.Context(), session, userName, body)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusCreated, coupon)
				return
			}
		}

		if len(parts) == 4 {
			userName := parts[2]
			index, err := strconv.Atoi(parts[3])
			if err != nil || index < 0 {
				writeError(w, http.StatusBadRequest, "INVALID_INDEX", "Coupon index must be a non-negative integer", nil)
				return
			}
			switch r.Method {
			case http.MethodGet:
				coupon, err := s.service.GetCoupon(r.Context(), userName, index)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, coupon)
				return
			case http.MethodPut:
				var body store.Coupon
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				coupon, err := s.service.EditCoupon(r.Context(), session, userName, index, body)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, coupon)
				return
			case http.MethodDelete:
				if err := s.service.DeleteCoupon(r.Context(), session, userName, index); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			}
		}
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "recommendations" {
		products, err := s.service.Recommendations(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
		return
	}

	// Groups
	if len(parts) >= 2 && parts[1] == "groups" {
		if len(parts) == 2 {
			switch r.Method {
			case http.MethodGet:
				groups, err := s.service.ListGroups(r.Context())
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"groups": groupSummaries(groups)})
				return
			case http.MethodPost:
				var body CreateGroupInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				view, err := s.service.CreateGroup(r.Context(), session, body)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusCreated, view)
				return
			}
		}

		if r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "search" {
			writeJSON(w, http.StatusOK, s.service.SearchGroups(r.URL.Query().Get("name")))
			return
		}

		if len(parts) == 3 {
			groupID := parts[2]
			switch r.Method {
			case http.MethodGet:
				view, err := s.service.FetchGroup(r.Context(), session, groupID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, view)
				return
			case http.MethodPut:
				var body struct {
					Name string `json:"name"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				view, err := s.service.UpdateGroup(r.Context(), session, groupID, body.Name)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, view)
				return
			case http.MethodDelete:
				if err := s.service.DeleteGroup(r.Context(), session, groupID); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			}
		}

		if len(parts) >= 4 {
			groupID := parts[2]
			switch {
			case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "admins":
				s.handleMembership(w, r, session, groupID, s.service.AddAdmin)
				return
			case r.Method == http.MethodDelete && len(parts) == 5 && parts[3] == "admins":
				if err := s.service.RemoveAdmin(r.Context(), session, groupID, parts[4]); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "members":
				s.handleMembership(w, r, session, groupID, s.service.AddMember)
				return
			case r.Method == http.MethodDelete && len(parts) == 5 && parts[3] == "members":
				if err := s.service.RemoveMember(r.Context(), session, groupID, parts[4]); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "picture":
				s.handleGroupPicture(w, r, session, groupID)
				return
			case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "messages":
				s.handleSendMessage(w, r, session, groupID)
				return
			case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "messages":
				s.handleMessagesSince(w, r, session, groupID)
				return
			case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "events":
				s.handleEvents(w, r, session, groupID)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMembership(w http.ResponseWriter, r *http.Request, session Session, groupID string, op func(context.Context, Session, string, string) error) {
	var body struct {
		UserName string `json:"userName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.UserName == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "userName is required", nil)
		return
	}
	if err := op(r.Context(), session, groupID, body.UserName); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGroupPicture(w http.ResponseWriter, r *http.Request, session Session, groupID string) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 5<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read picture body", nil)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key, err := s.service.SetGroupPicture(r.Context(), session, groupID, data, contentType)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pictureKey": key})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, session Session, groupID string) {
	var body struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), session, groupID, body.Body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *HTTPServer) handleMessagesSince(w http.ResponseWriter, r *http.Request, session Session, groupID string) {
	var afterSeq int64
	if after := r.URL.Query().Get("after"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "after must be a non-negative integer", nil)
			return
		}
		afterSeq = parsed
	}
	messages, err := s.service.MessagesSince(r.Context(), session, groupID, afterSeq)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleEvents streams new messages for a group over SSE. Each event's
// data is one chat message; seq doubles as the event id so clients can
// resume with the history endpoint after a drop.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, session Session, groupID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	sub, err := s.service.SubscribeMessages(r.Context(), session, groupID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event.Message)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Message.Seq, payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
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

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
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

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
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

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func groupSummaries(groups []store.Group) []map[string]any {
	summaries := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		summaries = append(summaries, map[string]any{
			"id":         g.ID,
			"name":       g.Name,
			"pictureKey": g.PictureKey,
		})
	}
	return summaries
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, authpw.ErrUserExists) {
		return http.StatusConflict, "USER_EXISTS", "Username already registered", nil
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, ml.ErrEmbeddingService) {
		return http.StatusBadGateway, "EMBEDDING_SERVICE", "Embedding service unavailable", nil
	}
	if errors.Is(err, chat.ErrInvalidMessage) {
		return http.StatusUnprocessableEntity, "INVALID_MESSAGE", "Invalid message", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
