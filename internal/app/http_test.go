package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/api/internal/logging"
	"storyboard/api/internal/scopelock"
	"storyboard/api/internal/store"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	svc, _ := newTestService(t)
	return NewHTTPServer(svc, "*", logging.NewNop()).Handler()
}

func do(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestShotsHTTPScenario(t *testing.T) {
	handler := newTestHandler(t)

	ids := map[string]int64{}
	for _, content := range []string{"A", "B", "C"} {
		rr := do(t, handler, http.MethodPost, "/api/shots/", map[string]any{"content": content}, "")
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		shot := decode[RankedShot](t, rr)
		ids[content] = shot.ID
	}

	rr := do(t, handler, http.MethodPost, "/api/shots/insert/", map[string]any{
		"referenceShotId": ids["B"],
		"position":        "below",
		"content":         "D",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"A:1", "B:2", "D:3", "C:4"}, contentsByRank(decode[[]RankedShot](t, rr)))

	rr = do(t, handler, http.MethodDelete, fmt.Sprintf("/api/shots/%d", ids["B"]), nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"A:1", "D:2", "C:3"}, contentsByRank(decode[[]RankedShot](t, rr)))

	rr = do(t, handler, http.MethodPut, "/api/shots/", map[string]any{
		"shots": []map[string]any{{"content": "E"}, {"content": "F"}, {"content": "G"}},
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"E:1", "F:2", "G:3"}, contentsByRank(decode[[]RankedShot](t, rr)))

	rr = do(t, handler, http.MethodDelete, "/api/shots/", nil, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, handler, http.MethodGet, "/api/shots/", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]RankedShot](t, rr))
}

func TestShotsAreScopedByProject(t *testing.T) {
	handler := newTestHandler(t)

	rr := do(t, handler, http.MethodPost, "/api/shots?projectId=7", map[string]any{"content": "seven"}, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	shot := decode[RankedShot](t, rr)
	assert.Equal(t, int64(7), shot.ProjectID)
	assert.Equal(t, 1, shot.Rank)

	rr = do(t, handler, http.MethodGet, "/api/shots", nil, "")
	assert.Empty(t, decode[[]RankedShot](t, rr))

	rr = do(t, handler, http.MethodPut, fmt.Sprintf("/api/shots/%d", shot.ID), map[string]any{"content": "x"}, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SHOT_NOT_FOUND", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodGet, "/api/shots?projectId=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_SCOPE", decode[errorBody](t, rr).Code)
}

func TestShotRequestValidation(t *testing.T) {
	handler := newTestHandler(t)

	rr := do(t, handler, http.MethodPost, "/api/shots", map[string]any{"content": "A"}, "")
	require.Equal(t, http.StatusCreated, rr.Code)
	a := decode[RankedShot](t, rr)

	rr = do(t, handler, http.MethodPost, "/api/shots/insert", map[string]any{
		"referenceShotId": a.ID,
		"position":        "beside",
		"content":         "X",
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodPost, "/api/shots/insert", map[string]any{
		"referenceShotId": a.ID + 100,
		"position":        "above",
		"content":         "X",
	}, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, handler, http.MethodDelete, "/api/shots/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_ID", decode[errorBody](t, rr).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/shots", bytes.NewBufferString("{oops}"))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodPatch, "/api/shots", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestReplaceShotsRequiresShotsField(t *testing.T) {
	handler := newTestHandler(t)
	for _, content := range []string{"A", "B", "C"} {
		rr := do(t, handler, http.MethodPost, "/api/shots", map[string]any{"content": content}, "")
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := do(t, handler, http.MethodPut, "/api/shots", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodPut, "/api/shots", map[string]any{}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodPut, "/api/shots", map[string]any{
		"shots": []map[string]any{{"content": "D"}, {"prompt": "no content"}},
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, handler, http.MethodGet, "/api/shots", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]RankedShot](t, rr), 3)

	rr = do(t, handler, http.MethodPut, "/api/shots", map[string]any{"shots": []any{}}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]RankedShot](t, rr))

	rr = do(t, handler, http.MethodGet, "/api/shots", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]RankedShot](t, rr))
}

func TestCreateShotRequiresContent(t *testing.T) {
	handler := newTestHandler(t)

	rr := do(t, handler, http.MethodPost, "/api/shots", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodPost, "/api/shots", map[string]any{"prompt": "wide"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, handler, http.MethodPost, "/api/shots", map[string]any{"content": ""}, "")
	require.Equal(t, http.StatusCreated, rr.Code)
	ref := decode[RankedShot](t, rr)

	rr = do(t, handler, http.MethodPost, "/api/shots/insert", map[string]any{
		"referenceShotId": ref.ID,
		"position":        "below",
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodGet, "/api/shots", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]RankedShot](t, rr), 1)
}

func TestMoveAndRepairEndpoints(t *testing.T) {
	handler := newTestHandler(t)

	ids := make([]int64, 0, 3)
	for _, content := range []string{"A", "B", "C"} {
		rr := do(t, handler, http.MethodPost, "/api/shots", map[string]any{"content": content}, "")
		require.Equal(t, http.StatusCreated, rr.Code)
		ids = append(ids, decode[RankedShot](t, rr).ID)
	}

	rr := do(t, handler, http.MethodPost, fmt.Sprintf("/api/shots/%d/move", ids[0]), map[string]any{
		"referenceShotId": ids[2],
		"position":        "below",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"B:1", "C:2", "A:3"}, contentsByRank(decode[[]RankedShot](t, rr)))

	rr = do(t, handler, http.MethodPost, "/api/shots/repair", nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	report := decode[map[string]any](t, rr)
	assert.Equal(t, "none", report["action"])
}

func TestScopeEndpoints(t *testing.T) {
	handler := newTestHandler(t)

	rr := do(t, handler, http.MethodPut, "/api/scope", map[string]any{
		"script":     "FADE IN",
		"characters": map[string]string{"Ada": "lead"},
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, handler, http.MethodGet, "/api/scope", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	doc := decode[ScopeDocument](t, rr)
	assert.Equal(t, "FADE IN", doc.Script)
	assert.Equal(t, "lead", doc.Characters["Ada"])

	rr = do(t, handler, http.MethodDelete, "/api/scope", nil, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, handler, http.MethodGet, "/api/scope", nil, "")
	assert.Empty(t, decode[ScopeDocument](t, rr).Script)
}

func TestSettingsEndpoints(t *testing.T) {
	handler := newTestHandler(t)

	rr := do(t, handler, http.MethodPut, "/api/text/", map[string]any{"content": "draft"}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "draft", decode[TextView](t, rr).Content)

	rr = do(t, handler, http.MethodPut, "/api/config", map[string]any{
		"comfyuiPayload": map[string]any{"workflow": 1},
		"model":          "gpt-4o-mini",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decode[ConfigView](t, rr)
	assert.Equal(t, "draft", view.Content)
	assert.Equal(t, "gpt-4o-mini", view.Model)

	rr = do(t, handler, http.MethodPut, "/api/config", map[string]any{"comfyuiPayload": "not json"}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PAYLOAD", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodDelete, "/api/text", nil, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, handler, http.MethodPut, "/api/prompts", map[string]any{"shotPrompt": "split"}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "split", decode[store.UserPrompt](t, rr).ShotPrompt)
}

func TestAuthenticatedScope(t *testing.T) {
	cfg := testConfig()
	cfg.RequireAuth = true
	svc, _ := newTestServiceWithConfig(t, cfg)
	handler := NewHTTPServer(svc, "*", logging.NewNop()).Handler()

	rr := do(t, handler, http.MethodGet, "/api/shots", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, handler, http.MethodPost, "/api/auth/register", map[string]any{
		"username": "ada",
		"email":    "ada@example.com",
		"password": "secret1",
	}, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	result := decode[AuthResult](t, rr)

	rr = do(t, handler, http.MethodPost, "/api/shots", map[string]any{"content": "mine"}, result.Token)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, result.User.ID, decode[RankedShot](t, rr).UserID)

	rr = do(t, handler, http.MethodGet, "/api/auth/me", nil, result.Token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ada", decode[store.User](t, rr).Username)

	rr = do(t, handler, http.MethodGet, "/api/shots", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthEndpointErrors(t *testing.T) {
	handler := newTestHandler(t)

	register := map[string]any{"username": "ada", "email": "ada@example.com", "password": "secret1"}
	rr := do(t, handler, http.MethodPost, "/api/auth/register", register, "")
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, handler, http.MethodPost, "/api/auth/register", register, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "EMAIL_EXISTS", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodPost, "/api/auth/register", map[string]any{
		"username": "bo", "email": "bo@example.com", "password": "123",
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, handler, http.MethodPost, "/api/auth/login", map[string]any{
		"email": "ada@example.com", "password": "wrong-one",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decode[errorBody](t, rr).Code)

	rr = do(t, handler, http.MethodPost, "/api/auth/login-or-register", map[string]any{
		"email": "cy@example.com", "password": "secret2",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, decode[AuthResult](t, rr).Created)

	rr = do(t, handler, http.MethodGet, "/api/auth/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCORSAndRequestID(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/shots", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))

	rr = do(t, handler, http.MethodGet, "/api/health", nil, "")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("lock: %w", scopelock.ErrLockTimeout), http.StatusServiceUnavailable, "SCOPE_BUSY"},
		{fmt.Errorf("save: %w", errors.New("connection reset")), http.StatusInternalServerError, "SERVER_ERROR"},
		{fmt.Errorf("shot 3: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{shotNotFound(3), http.StatusNotFound, "SHOT_NOT_FOUND"},
		{context.Canceled, statusClientClosedRequest, "REQUEST_CANCELLED"},
	}
	for _, tt := range tests {
		status, code, _, _ := mapError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

type failingPingStore struct {
	*store.MemoryStore
	err error
}

func (f failingPingStore) Ping(context.Context) error { return f.err }
