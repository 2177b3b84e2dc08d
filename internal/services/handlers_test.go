package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/core/pool"
	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/core/router"
)

// newEmptyRouter — роутер с пустым пулом: проверяем guard'ы и маппинг
// ошибок до первого сетевого вызова.
func newEmptyRouter(t *testing.T) *router.Router {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return router.New(pool.New(nil, "main"), reg)
}

func doJSON(t *testing.T, handler http.Handler, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func TestSendTextSkipsLeftChat(t *testing.T) {
	t.Parallel()

	rt := newEmptyRouter(t)
	require.NoError(t, rt.Registry().Assign("-1001", "b1", "Chat", ""))
	require.NoError(t, rt.Registry().MarkLeft("-1001"))

	srv := NewSendTextServer(rt, nil)
	rec, body := doJSON(t, srv.srv.Handler, "/send_text", `{"chat":"-1001","text":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "skipped", body["status"])
	require.Equal(t, "chat already left", body["reason"])

	// Guard не пишет операций в журнал.
	ops, err := rt.Registry().GetRecentOperations(10)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestSendTextValidation(t *testing.T) {
	t.Parallel()

	srv := NewSendTextServer(newEmptyRouter(t), nil)

	rec, _ := doJSON(t, srv.srv.Handler, "/send_text", `{"chat":"-1001"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, srv.srv.Handler, "/send_text", `{"text":"hi"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, srv.srv.Handler, "/send_text", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendTextEmptyPoolReturns503(t *testing.T) {
	t.Parallel()

	srv := NewSendTextServer(newEmptyRouter(t), nil)
	rec, body := doJSON(t, srv.srv.Handler, "/send_text", `{"chat":"-1001","text":"hi"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "error", body["status"])
}

func TestSendMediaSkipsLeftRecipient(t *testing.T) {
	t.Parallel()

	rt := newEmptyRouter(t)
	require.NoError(t, rt.Registry().Assign("777", "b1", "", ""))
	require.NoError(t, rt.Registry().MarkLeft("777"))

	srv := NewSendMediaServer(rt, nil)
	rec, body := doJSON(t, srv.srv.Handler, "/send_media",
		`{"user_id":777,"files":["https://x/y.jpg"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "skipped", body["status"])
}

func TestSendMediaValidation(t *testing.T) {
	t.Parallel()

	srv := NewSendMediaServer(newEmptyRouter(t), nil)

	rec, _ := doJSON(t, srv.srv.Handler, "/send_media", `{"files":["https://x/y.jpg"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, srv.srv.Handler, "/send_media", `{"user_id":777,"files":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, srv.srv.Handler, "/send_media", `{"user_id":"abc","files":["x"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateChatValidation(t *testing.T) {
	t.Parallel()

	srv := NewCreateChatServer(newEmptyRouter(t), nil, "", "main")

	rec, _ := doJSON(t, srv.srv.Handler, "/create_chat", `{"usernames":["@a"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, srv.srv.Handler, "/create_chat", `{"title":"X","usernames":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Валидный запрос при пустом пуле — 503.
	rec, _ = doJSON(t, srv.srv.Handler, "/create_chat", `{"title":"X","usernames":["@a"]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLeaveChatIdempotent(t *testing.T) {
	t.Parallel()

	rt := newEmptyRouter(t)
	require.NoError(t, rt.Registry().Assign("-1001", "b1", "Chat", ""))
	require.NoError(t, rt.Registry().MarkLeft("-1001"))

	srv := NewLeaveChatServer(rt)
	rec, body := doJSON(t, srv.srv.Handler, "/leave_chat", `{"chat":"-1001"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "already_left", body["left_type"])

	// Счётчики не растут: журнал операций пуст.
	ops, err := rt.Registry().GetRecentOperations(10)
	require.NoError(t, err)
	require.Empty(t, ops)

	// Ровно одна left-строка.
	rows, err := rt.Registry().GetAllAssignments(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, registry.StatusLeft, rows[0].Status)
}

func TestLeaveChatNormalizesUnsignedID(t *testing.T) {
	t.Parallel()

	rt := newEmptyRouter(t)
	// Привязка хранится в канонической форме; беззнаковый вход должен
	// сойтись с ней после нормализации.
	require.NoError(t, rt.Registry().Assign("-1001234567890", "b1", "", ""))
	require.NoError(t, rt.Registry().MarkLeft("-1001234567890"))

	srv := NewLeaveChatServer(rt)
	rec, body := doJSON(t, srv.srv.Handler, "/leave_chat", `{"chat":"1234567890"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "already_left", body["left_type"])
}

func TestHealthEndpointNotReadyOnEmptyPool(t *testing.T) {
	t.Parallel()

	srv := NewSendTextServer(newEmptyRouter(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "not_ready", body["status"])
}

func TestStatsEndpointShape(t *testing.T) {
	t.Parallel()

	srv := NewSendMediaServer(newEmptyRouter(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "cache_size")
	require.Contains(t, body, "uptime_seconds")
	require.Contains(t, body, "error_count")
}

func TestBuildTaggedText(t *testing.T) {
	t.Parallel()

	client := entity.Entity{Kind: entity.KindUser, ID: 42, Title: "Иван"}

	// Подстановка в placeholder.
	got := buildTaggedText("Привет, {client}!", client, true)
	require.Contains(t, got, `tg://user?id=42`)
	require.NotContains(t, got, "{client}")

	got = buildTaggedText("Привет, {{client}}!", client, true)
	require.Contains(t, got, `tg://user?id=42`)
	require.NotContains(t, got, "{{client}}")

	// Без placeholder — упоминание префиксом.
	got = buildTaggedText("как дела?", client, true)
	require.True(t, strings.HasPrefix(got, `<a href="tg://user?id=42">`))

	// Клиента нет: placeholder зачищается, текст не трогается.
	got = buildTaggedText("Привет, {client}!", entity.Entity{}, false)
	require.Equal(t, "Привет, !", got)
	require.Equal(t, "plain", buildTaggedText("plain", entity.Entity{}, false))
}

func TestClientLabelPreference(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Имя", clientLabel(entity.Entity{ID: 1, Title: "Имя", Username: "u"}))
	require.Equal(t, "@u", clientLabel(entity.Entity{ID: 1, Username: "u"}))
	require.Equal(t, "id7", clientLabel(entity.Entity{ID: 7}))
}

func TestFailedRequestPersistedOnExhaustion(t *testing.T) {
	t.Parallel()

	rt := newEmptyRouter(t)
	srv := NewSendMediaServer(rt, nil)

	payload := `{"user_id":777,"files":["https://x/y.jpg"]}`
	rec, _ := doJSON(t, srv.srv.Handler, "/send_media", payload)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// 503 на пустом пуле отдаётся до попыток: failed_request не создаётся,
	// запрос можно просто повторить позже.
	pending, err := rt.Registry().GetFailedRequestsCount()
	require.NoError(t, err)
	require.Zero(t, pending)
}
