package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostlens/hostlens/internal/auth"
	"github.com/hostlens/hostlens/internal/metrics"
	"github.com/hostlens/hostlens/internal/poller"
	"github.com/hostlens/hostlens/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	server *httptest.Server
	store  *metrics.Store
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	authService, err := auth.NewService(
		"0123456789abcdef0123456789abcdef", "admin", "a-strong-password", time.Hour,
	)
	require.NoError(t, err)

	registry := target.NewRegistry(logger)
	require.NoError(t, registry.Add(&target.Target{
		Label: "web-01",
		Host:  "192.0.2.10",
		Auth:  &target.Auth{Username: "monitor", Password: "secret"},
	}))

	store := metrics.NewStore(time.Hour, 16, logger)
	manager := poller.NewManager(store, registry, time.Second, time.Second, logger)
	t.Cleanup(manager.StopAll)

	handler := NewHandler(authService, registry, store, manager, nil)
	srv := httptest.NewServer(NewRouter(handler, authService, logger))
	t.Cleanup(srv.Close)

	resp, err := authService.Login("admin", "a-strong-password")
	require.NoError(t, err)

	return &testEnv{server: srv, store: store, token: resp.Token}
}

func (e *testEnv) request(t *testing.T, method, path string, body []byte, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	assert.Equal(t, true, envelope["success"])
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(auth.LoginRequest{Username: "admin", Password: "a-strong-password"})
	resp := env.request(t, http.MethodPost, "/api/v1/auth/login", body, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	data := envelope["data"].(map[string]interface{})
	assert.NotEmpty(t, data["token"])
}

func TestLoginBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(auth.LoginRequest{Username: "admin", Password: "wrong"})
	resp := env.request(t, http.MethodPost, "/api/v1/auth/login", body, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/v1/targets", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRejectMalformedHeader(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/targets", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Token abc")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListTargetsOmitsCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/v1/targets", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	var envelope struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "monitor@192.0.2.10:22", envelope.Data[0]["key"])
	assert.Equal(t, "monitor", envelope.Data[0]["username"])
}

func TestGetTargetByEscapedKey(t *testing.T) {
	env := newTestEnv(t)

	key := url.PathEscape("monitor@192.0.2.10:22")
	resp := env.request(t, http.MethodGet, "/api/v1/targets/"+key, nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "web-01", data["label"])
}

func TestGetTargetNotFound(t *testing.T) {
	env := newTestEnv(t)

	key := url.PathEscape("nobody@192.0.2.99:22")
	resp := env.request(t, http.MethodGet, "/api/v1/targets/"+key, nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMetricsBeforeFirstPoll(t *testing.T) {
	env := newTestEnv(t)

	key := url.PathEscape("monitor@192.0.2.10:22")
	resp := env.request(t, http.MethodGet, "/api/v1/targets/"+key+"/metrics", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	errObj := envelope["error"].(map[string]interface{})
	assert.Equal(t, "NO_DATA", errObj["code"])
}

func TestHistoryDisabledWithoutDatabase(t *testing.T) {
	env := newTestEnv(t)

	key := url.PathEscape("monitor@192.0.2.10:22")
	resp := env.request(t, http.MethodGet, "/api/v1/targets/"+key+"/metrics/history", nil, true)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestQueryRangeRequiresQueryParam(t *testing.T) {
	env := newTestEnv(t)

	key := url.PathEscape("monitor@192.0.2.10:22")
	resp := env.request(t, http.MethodGet, "/api/v1/targets/"+key+"/metrics/range", nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestIDHeaderSet(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/health", nil, false)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
