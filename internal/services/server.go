// Пакет services — HTTP-фасады четырёх сервисных операций шлюза.
// Каждый сервис поднимает собственный сервер на фиксированном порту с
// операционным эндпоинтом и вспомогательными /health, /stats, /reload_cache.
// Обработчики тонкие: разбор JSON, вызов роутера/моста, классификация исхода.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
)

// Таймауты операций: перекрывают хендшейки, аплоады и стартовые flood-wait.
const (
	createChatTimeout = 120 * time.Second
	sendTextTimeout   = 120 * time.Second
	sendMediaTimeout  = 180 * time.Second
	leaveChatTimeout  = 60 * time.Second

	reloadCacheTimeout = 120 * time.Second

	httpReadTimeout  = 30 * time.Second
	httpWriteTimeout = 200 * time.Second
	httpIdleTimeout  = 60 * time.Second

	lastErrorsKeep = 10
	maxBodyBytes   = 1 << 20
)

// errorRecord — элемент кольца последних ошибок сервиса (для /stats).
type errorRecord struct {
	TS    float64 `json:"ts"`
	Error string  `json:"error"`
}

// Server — HTTP-сервер одного сервиса.
type Server struct {
	svc    config.Service
	router *router.Router
	srv    *http.Server
	log    *zap.Logger

	startTime time.Time

	mu         sync.Mutex
	errorCount int
	lastErrors []errorRecord
}

// operationHandler — обработчик операционного эндпоинта сервиса.
type operationHandler func(s *Server, w http.ResponseWriter, r *http.Request)

// newServer собирает сервер сервиса с операционным обработчиком op.
func newServer(svc config.Service, rt *router.Router, op operationHandler) *Server {
	s := &Server{
		svc:       svc,
		router:    rt,
		log:       logger.Named("svc").With(zap.String("service", string(svc))),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/reload_cache", s.handleReloadCache)
	mux.HandleFunc("/"+string(svc), func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		op(s, w, r)
	})

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.ServicePorts[svc]),
		Handler:      s.accessLog(mux),
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}
	return s
}

// Start запускает сервер; блокируется до остановки.
func (s *Server) Start() error {
	s.log.Info("service listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("service %s: %w", s.svc, err)
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// accessLog логирует запросы с request-id.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()[:8]
		s.log.Debug("http request",
			zap.String("req_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr))
		next.ServeHTTP(w, r)
	})
}

// recordError пополняет кольцо последних ошибок сервиса.
func (s *Server) recordError(errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	s.lastErrors = append(s.lastErrors, errorRecord{
		TS:    float64(time.Now().UnixNano()) / float64(time.Second),
		Error: errText,
	})
	if len(s.lastErrors) > lastErrorsKeep {
		s.lastErrors = s.lastErrors[len(s.lastErrors)-lastErrorsKeep:]
	}
}

// handleHealth: ok, когда у сервиса есть хотя бы один здоровый мост.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "not_ready"
	if s.router.Pool().GetBest(s.svc) != nil {
		status = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// handleStats отдаёт размер кэшей, статусы аккаунтов и счётчики.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	infos := s.router.Pool().ServiceInfos(s.svc)
	cacheSize := 0
	for _, info := range infos {
		cacheSize += info.CacheSize
	}

	s.mu.Lock()
	errCount := s.errorCount
	lastErrors := make([]errorRecord, len(s.lastErrors))
	copy(lastErrors, s.lastErrors)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"cache_size":     cacheSize,
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"error_count":    errCount,
		"last_errors":    lastErrors,
		"accounts":       infos,
	})
}

// handleReloadCache запускает полный прогрев кэшей мостов этого сервиса.
func (s *Server) handleReloadCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reloadCacheTimeout)
	defer cancel()
	s.router.Pool().ReloadCaches(ctx, s.svc)

	cacheSize := 0
	for _, info := range s.router.Pool().ServiceInfos(s.svc) {
		cacheSize += info.CacheSize
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cache_size": cacheSize})
}

// readBody читает тело запроса с лимитом и возвращает сырые байты.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return raw, nil
}

// decodeJSON разбирает тело в dst, возвращая сырые байты для failed_requests.
func decodeJSON(r *http.Request, dst any) ([]byte, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(raw, dst); err != nil {
		return raw, fmt.Errorf("invalid JSON: %w", err)
	}
	return raw, nil
}

// writeJSON сериализует ответ.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("write response failed: %v", err)
	}
}

// writeError отдаёт {"status":"error","error":...}.
func writeError(w http.ResponseWriter, status int, errText string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": errText})
}

// writeOperationError отображает ошибку операции в HTTP-статус согласно
// таксономии: 429 flood-wait (+retry_after), 404 несуществующий username,
// 410 протухшая file reference, 400 некорректный peer, 503 пустой пул,
// 500 прочее.
func writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, router.ErrNoHealthyBridges):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if wait, ok := bridge.AsFloodWait(err); ok {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"status":      "error",
				"error":       "FloodWait",
				"retry_after": int(wait / time.Second),
			})
			return
		}
		switch {
		case bridge.IsUsernameNotOccupied(err):
			writeError(w, http.StatusNotFound, "Channel/username not found")
		case bridge.IsFileReferenceExpired(err):
			writeError(w, http.StatusGone, "File reference expired. Re-fetch the post or use a fresh link.")
		case bridge.IsPeerInvalid(err):
			writeError(w, http.StatusBadRequest, "Invalid peer (user_id/username)")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// saveFailedInbound сохраняет входящий запрос в failed_requests.
func (s *Server) saveFailedInbound(payload []byte, errText string) {
	if err := s.router.Registry().SaveFailedRequest(
		string(s.svc), "inbound", "/"+string(s.svc), string(payload), errText,
	); err != nil {
		s.log.Warn("save failed request", zap.Error(err))
	}
}
