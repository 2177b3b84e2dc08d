// Фоновый health-пробник: раз в минуту опрашивает /health каждого сервиса
// на его внутреннем порту и ведёт кольцо результатов за сутки. Три
// последовательных провала поднимают алерт на дашборде.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mtproto-gateway/internal/infra/config"
)

const (
	probeInterval   = time.Minute
	probeTimeout    = 5 * time.Second
	maxHistory      = 1440 // сутки при одном опросе в минуту
	alertFailStreak = 3
)

// probeResult — одна точка истории.
type probeResult struct {
	TS float64 `json:"ts"`
	OK bool    `json:"ok"`
}

// healthHistory хранит кольца результатов и fail-серии по сервисам.
type healthHistory struct {
	mu      sync.Mutex
	history map[config.Service][]probeResult
	streak  map[config.Service]int
	client  *http.Client
}

func newHealthHistory() *healthHistory {
	return &healthHistory{
		history: make(map[config.Service][]probeResult),
		streak:  make(map[config.Service]int),
		client:  &http.Client{Timeout: probeTimeout},
	}
}

// probeLoop опрашивает сервисы до отмены контекста.
func (h *healthHistory) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, svc := range config.Services {
				h.record(svc, h.probe(ctx, svc))
			}
		}
	}
}

func (h *healthHistory) probe(ctx context.Context, svc config.Service) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", config.ServicePorts[svc])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}

func (h *healthHistory) record(svc config.Service, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.history[svc], probeResult{
		TS: float64(time.Now().UnixNano()) / float64(time.Second),
		OK: ok,
	})
	if len(ring) > maxHistory {
		ring = ring[len(ring)-maxHistory:]
	}
	h.history[svc] = ring
	if ok {
		h.streak[svc] = 0
	} else {
		h.streak[svc]++
	}
}

// snapshot возвращает копию истории по сервисам.
func (h *healthHistory) snapshot() map[string][]probeResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]probeResult, len(h.history))
	for svc, ring := range h.history {
		cp := make([]probeResult, len(ring))
		copy(cp, ring)
		out[string(svc)] = cp
	}
	return out
}

// alerts возвращает сервисы с fail-серией не короче порога.
func (h *healthHistory) alerts() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool, len(config.Services))
	for _, svc := range config.Services {
		out[string(svc)] = h.streak[svc] >= alertFailStreak
	}
	return out
}

// streaks возвращает текущие fail-серии.
func (h *healthHistory) streaks() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(config.Services))
	for _, svc := range config.Services {
		out[string(svc)] = h.streak[svc]
	}
	return out
}
