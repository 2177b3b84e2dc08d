// Взвешенно-сбалансированный выбор моста для create_chat.
//
// Основной аккаунт получает фиксированные 5% вероятностной массы — остаётся
// «тёплым», но новые чаты уходят на backup'ы. Остальные 95% делятся между
// backup'ами по дефицит-весам w_i = max(C) - c_i + 1: чем меньше активных
// чатов у аккаунта, тем выше шанс получить следующий.
package pool

import (
	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/infra/config"
)

// mainShare — доля вероятностной массы основного аккаунта.
const mainShare = 0.05

// GetWeightedBalanced возвращает мост для создания нового чата.
// counts — активные чаты на аккаунт (из реестра). Единственный доступный
// мост возвращается детерминированно; при отсутствии основного аккаунта
// выбор чисто дефицит-взвешенный по backup'ам.
func (p *Pool) GetWeightedBalanced(svc config.Service, counts map[string]int, excludeKey string) *bridge.Bridge {
	eligible := p.GetAllHealthyExcept(svc, excludeKey)
	if len(eligible) == 0 {
		return nil
	}
	if len(eligible) == 1 {
		return eligible[0]
	}

	var main *bridge.Bridge
	backups := make([]*bridge.Bridge, 0, len(eligible))
	for _, b := range eligible {
		if b.AccountName == p.mainAccount {
			main = b
			continue
		}
		backups = append(backups, b)
	}

	if main == nil {
		return p.deficitDraw(backups, counts)
	}
	if len(backups) == 0 {
		return main
	}

	if p.random() < mainShare {
		return main
	}
	return p.deficitDraw(backups, counts)
}

// deficitDraw выбирает мост пропорционально дефицит-весам.
func (p *Pool) deficitDraw(backups []*bridge.Bridge, counts map[string]int) *bridge.Bridge {
	if len(backups) == 1 {
		return backups[0]
	}

	maxCount := 0
	for _, b := range backups {
		if c := counts[b.AccountName]; c > maxCount {
			maxCount = c
		}
	}

	weights := make([]float64, len(backups))
	total := 0.0
	for i, b := range backups {
		w := float64(maxCount-counts[b.AccountName]) + 1
		weights[i] = w
		total += w
	}

	target := p.random() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if target < acc {
			return backups[i]
		}
	}
	return backups[len(backups)-1]
}
