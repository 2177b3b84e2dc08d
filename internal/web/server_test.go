package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/core/pool"
	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/core/router"
)

func newTestDashboard(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	rt := router.New(pool.New(nil, "main"), reg)
	return NewServer(rt, nil, "admin", "secret"), reg
}

func get(t *testing.T, s *Server, path, user, pass string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestBasicAuthRequired(t *testing.T) {
	t.Parallel()

	s, _ := newTestDashboard(t)

	rec := get(t, s, "/api/status", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = get(t, s, "/api/status", "admin", "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, s, "/api/status", "admin", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusPayload(t *testing.T) {
	t.Parallel()

	s, reg := newTestDashboard(t)
	require.NoError(t, reg.Assign("-1001", "b1", "Chat", ""))
	require.NoError(t, reg.LogOperation("b1", "-1001", "send_text", "ok", ""))

	rec := get(t, s, "/api/status", "admin", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "bridges")
	require.Contains(t, body, "registry")
	require.Contains(t, body, "pending_failed")

	stats := body["registry"].(map[string]any)
	require.EqualValues(t, 1, stats["active_chats"])
}

func TestFailedRequestDeleteFlow(t *testing.T) {
	t.Parallel()

	s, reg := newTestDashboard(t)
	require.NoError(t, reg.SaveFailedRequest(
		"send_text", registry.DirectionInbound, "/send_text", `{"chat":"-1"}`, "boom"))

	rows, err := reg.GetFailedRequests(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/failed_requests/delete",
		strings.NewReader(`{"id":`+strconv.FormatInt(rows[0].ID, 10)+`}`))
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rows, err = reg.GetFailedRequests(10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestResetBridgeUnknown(t *testing.T) {
	t.Parallel()

	s, _ := newTestDashboard(t)
	req := httptest.NewRequest(http.MethodPost, "/api/reset_bridge",
		strings.NewReader(`{"account":"nope","service":"send_text"}`))
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexServed(t *testing.T) {
	t.Parallel()

	s, _ := newTestDashboard(t)
	rec := get(t, s, "/", "admin", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "MTProto Gateway Monitor")
}

