// Пакет router — политика выбора моста для операции и обработка исходов.
//
// Логика:
//  1. create_chat → взвешенно-сбалансированный выбор по здоровым мостам;
//  2. send_text / leave_chat → affinity по реестру; при недоступности
//     привязанного аккаунта — failover на наименее загруженный с
//     перезаписью владения и записью в failover-журнал;
//  3. send_media → как (2) при известном user_id из реестра, иначе
//     наименее загруженный.
//
// Перезапись владения при fallback намеренная: чат пригвождается к аккаунту,
// который реально дал результат, и перестаёт «мигать» между мостами.
package router

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/pool"
	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
)

// ErrNoHealthyBridges — для сервиса нет ни одного пригодного моста.
// На HTTP-границе отображается в 503.
var ErrNoHealthyBridges = errors.New("no healthy bridges available")

// Router — stateless-прослойка поверх пула и реестра.
type Router struct {
	pool     *pool.Pool
	registry *registry.Registry
	log      *zap.Logger
}

// New создаёт роутер.
func New(p *pool.Pool, r *registry.Registry) *Router {
	return &Router{pool: p, registry: r, log: logger.Named("router")}
}

// Pool возвращает пул (для веерного failover в обработчиках).
func (r *Router) Pool() *pool.Pool {
	return r.pool
}

// Registry возвращает реестр.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// PickForCreate выбирает мост для создания чата: взвешенная балансировка
// по числу активных чатов на аккаунт.
func (r *Router) PickForCreate(svc config.Service) (*bridge.Bridge, error) {
	counts, err := r.registry.GetAccountChatCounts()
	if err != nil {
		return nil, fmt.Errorf("chat counts: %w", err)
	}
	b := r.pool.GetWeightedBalanced(svc, counts, "")
	if b == nil {
		return nil, ErrNoHealthyBridges
	}
	return b, nil
}

// PickForChat выбирает мост для операции над конкретным чатом.
//  1. Привязанный аккаунт здоров → он.
//  2. Привязка есть, но мост отсутствует/нездоров → failover на наименее
//     загруженный; владение перезаписывается, пишется failover-журнал.
//  3. Привязки нет → наименее загруженный здоровый.
func (r *Router) PickForChat(chatID string, svc config.Service) (*bridge.Bridge, error) {
	assigned, err := r.registry.GetAccount(chatID)
	if err != nil {
		return nil, err
	}

	if assigned != "" {
		b := r.pool.GetByAccount(assigned, svc)
		if b != nil && b.IsHealthy() {
			return b, nil
		}

		reason := "not found"
		excludeKey := ""
		if b != nil {
			reason = fmt.Sprintf("status=%s", b.Status())
			excludeKey = b.Key()
		}

		counts, cErr := r.registry.GetAccountChatCounts()
		if cErr != nil {
			return nil, fmt.Errorf("chat counts: %w", cErr)
		}
		next := r.pool.GetLeastLoaded(svc, counts, excludeKey)
		if next == nil {
			// Здоровой замены нет: последняя надежда — привязанный мост,
			// даже нездоровый.
			if b != nil {
				return b, nil
			}
			return nil, fmt.Errorf("%w for chat %s", ErrNoHealthyBridges, chatID)
		}

		if err = r.registry.LogFailover(chatID, assigned, next.AccountName, reason); err != nil {
			r.log.Warn("failover log write failed", zap.Error(err))
		}
		if err = r.registry.UpdateAccount(chatID, next.AccountName); err != nil {
			r.log.Warn("ownership rewrite failed", zap.Error(err))
		}
		r.log.Warn("failover",
			zap.String("chat", chatID),
			zap.String("from", assigned),
			zap.String("to", next.AccountName),
			zap.String("reason", reason))
		return next, nil
	}

	counts, err := r.registry.GetAccountChatCounts()
	if err != nil {
		return nil, fmt.Errorf("chat counts: %w", err)
	}
	b := r.pool.GetLeastLoaded(svc, counts, "")
	if b == nil {
		return nil, ErrNoHealthyBridges
	}
	return b, nil
}

// PickForRecipient выбирает мост для отправки по получателю (личка или
// группа). Известный user_id с привязкой в реестре ведёт себя как
// PickForChat; иначе — наименее загруженный здоровый.
func (r *Router) PickForRecipient(svc config.Service, userID int64, username string) (*bridge.Bridge, error) {
	_ = username // username резолвится любым мостом; привязки по нему нет
	if userID != 0 {
		chatID := fmt.Sprintf("%d", userID)
		assigned, err := r.registry.GetAccount(chatID)
		if err != nil {
			return nil, err
		}
		if assigned != "" {
			return r.PickForChat(chatID, svc)
		}
	}

	counts, err := r.registry.GetAccountChatCounts()
	if err != nil {
		return nil, fmt.Errorf("chat counts: %w", err)
	}
	b := r.pool.GetLeastLoaded(svc, counts, "")
	if b == nil {
		return nil, ErrNoHealthyBridges
	}
	return b, nil
}

// HandleSuccess фиксирует успешную операцию: здоровье моста и журнал.
func (r *Router) HandleSuccess(b *bridge.Bridge, chatID, operation string) {
	b.MarkSuccess()
	if err := r.registry.LogOperation(b.AccountName, chatID, operation, "ok", ""); err != nil {
		r.log.Warn("operation log write failed", zap.Error(err))
	}
}

// HandleError классифицирует ошибку один раз и обновляет здоровье моста:
// flood-wait (секунды из ошибки) / бан-деактивация (подстрока) / прочее.
func (r *Router) HandleError(b *bridge.Bridge, opErr error, chatID, operation string) {
	if wait, ok := bridge.AsFloodWait(opErr); ok {
		secs := int(wait / time.Second)
		b.MarkFlood(secs)
		r.logOutcome(b, chatID, operation, "flood_wait", fmt.Sprintf("FloodWait %ds", secs))
		return
	}
	if bridge.IsBannedError(opErr) {
		b.MarkBanned()
		r.logOutcome(b, chatID, operation, "banned", opErr.Error())
		return
	}
	b.MarkError(opErr.Error())
	r.logOutcome(b, chatID, operation, "error", opErr.Error())
}

func (r *Router) logOutcome(b *bridge.Bridge, chatID, operation, status, detail string) {
	if err := r.registry.LogOperation(b.AccountName, chatID, operation, status, detail); err != nil {
		r.log.Warn("operation log write failed", zap.Error(err))
	}
}
