package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/cors"

	"storyboard/api/internal/auth"
	"storyboard/api/internal/authpw"
	"storyboard/api/internal/logging"
	"storyboard/api/internal/ordering"
	"storyboard/api/internal/scopelock"
	"storyboard/api/internal/store"
	"storyboard/api/internal/util"
)

type HTTPServer struct {
	service *Service
	cors    *cors.Cors
	logger  *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service: service,
		cors: cors.New(cors.Options{
			AllowedOrigins: splitOrigins(corsOrigin),
			AllowedMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
			},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
		}),
		logger: logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.cors.Handler(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "auth":
		s.handleAuth(w, r, parts[2:])
	case "shots":
		s.handleShots(w, r, parts[2:])
	case "scope":
		if len(parts) != 2 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleScope(w, r)
	case "config", "text", "prompts":
		if len(parts) != 2 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleSettings(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		logging.WithContext(r.Context(), s.logger).Warn("readiness check failed", "error", err)
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	if remote, err := s.service.PingLock(ctx); remote {
		checks["redis"] = map[string]any{"status": "ok"}
		if err != nil {
			logging.WithContext(r.Context(), s.logger).Warn("scope lock readiness check failed", "error", err)
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && rest[0] == "register":
		var body RegisterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Register(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)

	case r.Method == http.MethodPost && (rest[0] == "login" || rest[0] == "login-or-register"):
		var body LoginInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		login := s.service.Login
		if rest[0] == "login-or-register" {
			login = s.service.LoginOrRegister
		}
		result, err := login(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case r.Method == http.MethodGet && rest[0] == "me":
		user, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, user)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// positionBody places a shot relative to a reference shot.
type positionBody struct {
	ReferenceShotID int64  `json:"referenceShotId"`
	Position        string `json:"position"`
}

// shotBody is the wire form of ShotInput; content must be present even when empty.
type shotBody struct {
	Content    *string  `json:"content"`
	Prompt     string   `json:"prompt"`
	Characters []string `json:"characters"`
}

func (b shotBody) input() (ShotInput, error) {
	if b.Content == nil {
		return ShotInput{}, fmt.Errorf("%w: content is required", ordering.ErrInvalidArgument)
	}
	return ShotInput{Content: *b.Content, Prompt: b.Prompt, Characters: b.Characters}, nil
}

func (b positionBody) side() (ordering.Side, error) {
	if b.ReferenceShotID <= 0 {
		return 0, fmt.Errorf("%w: referenceShotId is required", ordering.ErrInvalidArgument)
	}
	return ordering.ParseSide(b.Position)
}

func (s *HTTPServer) handleShots(w http.ResponseWriter, r *http.Request, rest []string) {
	scope, ok := s.resolveScope(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			shots, err := s.service.ListShots(ctx, scope)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, shots)

		case http.MethodPost:
			var body shotBody
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			input, err := body.input()
			if err != nil {
				s.fail(w, r, err)
				return
			}
			shot, err := s.service.CreateShot(ctx, scope, input)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, shot)

		case http.MethodPut:
			var body struct {
				Shots *[]shotBody `json:"shots"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			// An explicit empty list clears the scope; a missing one never does.
			if body.Shots == nil {
				s.fail(w, r, fmt.Errorf("%w: shots is required", ordering.ErrInvalidArgument))
				return
			}
			inputs := make([]ShotInput, len(*body.Shots))
			for i, item := range *body.Shots {
				input, err := item.input()
				if err != nil {
					s.fail(w, r, fmt.Errorf("shots[%d]: %w", i, err))
					return
				}
				inputs[i] = input
			}
			shots, err := s.service.ReplaceShots(ctx, scope, inputs)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, shots)

		case http.MethodDelete:
			if err := s.service.DeleteAllShots(ctx, scope); err != nil {
				s.fail(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "insert" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			ReferenceShotID int64    `json:"referenceShotId"`
			Position        string   `json:"position"`
			Content         *string  `json:"content"`
			Prompt          string   `json:"prompt"`
			Characters      []string `json:"characters"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		side, err := positionBody{ReferenceShotID: body.ReferenceShotID, Position: body.Position}.side()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		input, err := shotBody{Content: body.Content, Prompt: body.Prompt, Characters: body.Characters}.input()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		shots, err := s.service.InsertShot(ctx, scope, body.ReferenceShotID, side, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, shots)
		return
	}

	if len(rest) == 1 && rest[0] == "repair" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		report, err := s.service.RepairScope(ctx, scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	shotID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil || shotID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Shot id must be a positive integer", map[string]any{"shotId": rest[0]})
		return
	}

	if len(rest) == 2 && rest[1] == "move" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body positionBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		side, err := body.side()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		shots, err := s.service.MoveShot(ctx, scope, shotID, body.ReferenceShotID, side)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, shots)
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body ShotUpdateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		shot, err := s.service.UpdateShot(ctx, scope, shotID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, shot)

	case http.MethodDelete:
		shots, err := s.service.DeleteShot(ctx, scope, shotID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, shots)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleScope(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.resolveScope(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.service.GetScope(r.Context(), scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case http.MethodPut:
		var body ScopeDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.UpdateScope(r.Context(), scope, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case http.MethodDelete:
		if err := s.service.DeleteScope(r.Context(), scope); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request, resource string) {
	scope, ok := s.resolveScope(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	userID := scope.UserID

	var (
		payload any
		err     error
	)
	switch {
	case resource == "config" && r.Method == http.MethodGet:
		payload, err = s.service.GetConfig(ctx, userID)

	case resource == "config" && r.Method == http.MethodPut:
		var body ConfigInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err = s.service.UpdateConfig(ctx, userID, body)

	case resource == "text" && r.Method == http.MethodGet:
		payload, err = s.service.GetText(ctx, userID)

	case resource == "text" && r.Method == http.MethodPut:
		var body struct {
			Content *string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		content := ""
		if body.Content != nil {
			content = *body.Content
		}
		payload, err = s.service.SetText(ctx, userID, content)

	case resource == "text" && r.Method == http.MethodDelete:
		if err := s.service.ClearText(ctx, userID); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return

	case resource == "prompts" && r.Method == http.MethodGet:
		payload, err = s.service.GetPrompts(ctx, userID)

	case resource == "prompts" && r.Method == http.MethodPut:
		var body PromptInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err = s.service.UpdatePrompts(ctx, userID, body)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// requireUser resolves the bearer token to a user or answers 401.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return store.User{}, false
	}
	user, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return store.User{}, false
	}
	return user, true
}

// resolveScope picks the scope a request acts on. Authenticated callers act
// as their own user; anonymous callers fall back to the default user unless
// authentication is required. The project comes from ?projectId= and falls
// back to the default project.
func (s *HTTPServer) resolveScope(w http.ResponseWriter, r *http.Request) (ordering.Scope, bool) {
	cfg := s.service.Config()
	scope := cfg.DefaultScope()

	if bearerToken(r) != "" {
		user, ok := s.requireUser(w, r)
		if !ok {
			return ordering.Scope{}, false
		}
		scope.UserID = user.ID
	} else if cfg.RequireAuth {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return ordering.Scope{}, false
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("projectId")); raw != "" {
		projectID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || projectID <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_SCOPE", "projectId must be a positive integer", map[string]any{"projectId": raw})
			return ordering.Scope{}, false
		}
		scope.ProjectID = projectID
	}
	return scope, true
}

// fail writes the response for err. Errors without a public mapping are
// logged here and answered with an opaque 500.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	logger := logging.WithContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "status", status, "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		r = r.WithContext(logging.WithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			logging.FieldRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
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

// statusClientClosedRequest follows the nginx convention for a client that went away.
const statusClientClosedRequest = 499

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, ordering.ErrInvalidScope):
		return http.StatusBadRequest, "INVALID_SCOPE", err.Error(), nil
	case errors.Is(err, ordering.ErrInvalidArgument), errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, ordering.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, ordering.ErrConflict):
		return http.StatusConflict, "CONFLICT", "The shot order changed concurrently, retry the request", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, scopelock.ErrLockTimeout):
		return http.StatusServiceUnavailable, "SCOPE_BUSY", "The scope is busy, retry the request", nil
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "REQUEST_CANCELLED", "Request cancelled", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
