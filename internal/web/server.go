// Пакет web — админ-дашборд шлюза (порт 5099): обзор мостов и реестра,
// журналы операций и failover, управление неудачными запросами, сброс
// здоровья мостов. Доступ закрыт одной общей basic-auth парой; это не
// граница безопасности, а защёлка от случайных глаз.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mtproto-gateway/internal/adapters/salebot"
	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 60 * time.Second

	defaultListLimit = 200
	retryTimeout     = 120 * time.Second
)

// Server — HTTP-сервер дашборда.
type Server struct {
	srv      *http.Server
	router   *router.Router
	callback *salebot.Client
	health   *healthHistory
	user     string
	pass     string
	tmpl     *template.Template
	log      *zap.Logger
}

// NewServer собирает дашборд поверх роутера и колбэк-клиента.
func NewServer(rt *router.Router, cb *salebot.Client, user, pass string) *Server {
	s := &Server{
		router:   rt,
		callback: cb,
		health:   newHealthHistory(),
		user:     user,
		pass:     pass,
		log:      logger.Named("dashboard"),
	}
	s.tmpl = template.Must(template.New("index").Parse(indexTemplate))

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/assignments", s.handleAssignments)
	mux.HandleFunc("/api/operations", s.handleOperations)
	mux.HandleFunc("/api/failovers", s.handleFailovers)
	mux.HandleFunc("/api/failed_requests", s.handleFailedRequests)
	mux.HandleFunc("/api/failed_requests/retry", s.handleFailedRetry)
	mux.HandleFunc("/api/failed_requests/delete", s.handleFailedDelete)
	mux.HandleFunc("/api/reset_bridge", s.handleResetBridge)
	mux.HandleFunc("/api/reload_cache", s.handleReloadCache)
	mux.HandleFunc("/api/health_history", s.handleHealthHistory)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.DashboardPort),
		Handler:      s.basicAuth(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Start запускает дашборд и фоновый health-пробник сервисов.
func (s *Server) Start(ctx context.Context) error {
	go s.health.probeLoop(ctx)
	s.log.Info("dashboard listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает дашборд.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// basicAuth сверяет credentials константным временем.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="MTProto Gateway Monitor"`)
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, nil); err != nil {
		s.log.Error("render index", zap.Error(err))
	}
}

// handleStatus — статусы мостов, сводка реестра, pending-запросы и алерты.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.router.Registry().GetStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := s.router.Registry().GetFailedRequestsCount()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	lastActive, err := s.router.Registry().GetLastActiveTimes()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]any{
		"bridges":         s.router.Pool().AllInfos(),
		"registry":        stats,
		"pending_failed":  pending,
		"last_active":     lastActive,
		"service_alerts":  s.health.alerts(),
		"service_streaks": s.health.streaks(),
	})
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	rows, err := s.router.Registry().GetAllAssignments(listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]any{"assignments": rows})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.router.Registry().GetRecentOperations(listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]any{"operations": rows})
}

func (s *Server) handleFailovers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.router.Registry().GetFailoverLog(listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]any{"failovers": rows})
}

func (s *Server) handleFailedRequests(w http.ResponseWriter, r *http.Request) {
	rows, err := s.router.Registry().GetFailedRequests(listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]any{"failed_requests": rows})
}

// handleFailedRetry переигрывает сохранённый запрос: inbound — на внутренний
// порт сервиса, outbound — на сохранённый URL. Тело повторяется в точности.
func (s *Server) handleFailedRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromBody(w, r)
	if !ok {
		return
	}
	fr, err := s.router.Registry().GetFailedRequestByID(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if fr == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("failed request %d not found", id))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), retryTimeout)
	defer cancel()

	retryErr := s.replay(ctx, fr)
	status := registry.FailedRetried
	detail := ""
	if retryErr != nil {
		status = registry.FailedPending
		detail = retryErr.Error()
	}
	if err = s.router.Registry().UpdateFailedRequest(id, status, detail); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if retryErr != nil {
		s.writeJSON(w, map[string]any{"status": "error", "error": retryErr.Error()})
		return
	}
	s.writeJSON(w, map[string]any{"status": "ok"})
}

// replay повторяет запрос тем же телом.
func (s *Server) replay(ctx context.Context, fr *registry.FailedRequest) error {
	if fr.Direction == registry.DirectionOutbound {
		return s.callback.Post(ctx, fr.Endpoint, []byte(fr.RequestPayload))
	}

	port, ok := config.ServicePorts[config.Service(fr.Service)]
	if !ok {
		return fmt.Errorf("unknown service %q", fr.Service)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, fr.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		strings.NewReader(fr.RequestPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("replay HTTP %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func (s *Server) handleFailedDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromBody(w, r)
	if !ok {
		return
	}
	if err := s.router.Registry().DeleteFailedRequest(id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]any{"status": "ok"})
}

// handleResetBridge — административный сброс здоровья (выход из banned/error).
func (s *Server) handleResetBridge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("POST only"))
		return
	}
	var body struct {
		Account string `json:"account"`
		Service string `json:"service"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	b := s.router.Pool().GetByAccount(body.Account, config.Service(body.Service))
	if b == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("bridge %s:%s not found", body.Account, body.Service))
		return
	}
	b.ResetHealth()
	s.log.Info("bridge health reset",
		zap.String("account", body.Account), zap.String("service", body.Service))
	s.writeJSON(w, map[string]any{"status": "ok", "bridge": b.InfoSnapshot()})
}

// handleReloadCache — полный прогрев кэшей мостов указанного сервиса.
func (s *Server) handleReloadCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("POST only"))
		return
	}
	var body struct {
		Service string `json:"service"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), retryTimeout)
	defer cancel()
	s.router.Pool().ReloadCaches(ctx, config.Service(body.Service))
	s.writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"history": s.health.snapshot(),
		"alerts":  s.health.alerts(),
	})
}

func (s *Server) idFromBody(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("POST only"))
		return 0, false
	}
	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return 0, false
	}
	return body.ID, true
}

func (s *Server) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "error": err.Error()})
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultListLimit
}
