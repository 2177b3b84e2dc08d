// Пакет pool — контейнер всех мостов, индексированных по (аккаунт, сервис).
// Держит вспомогательный отсортированный по приоритету список на каждый
// сервис и предоставляет примитивы выбора для роутера: лучший по приоритету,
// следующий здоровый, наименее загруженный, взвешенно-сбалансированный.
package pool

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
)

// Option задаёт дополнительные параметры пула при создании.
type Option func(*Pool)

// WithRandom подменяет источник случайности взвешенного выбора
// (детерминированные тесты).
func WithRandom(fn func() float64) Option {
	return func(p *Pool) {
		if fn != nil {
			p.randomFn = fn
		}
	}
}

// Pool владеет мостами процесса. Состав фиксируется при создании; мосты
// живут до завершения процесса, поэтому карта после New не мутируется и
// читается без блокировок. Мьютекс защищает только randomFn.
type Pool struct {
	bridges     map[string]*bridge.Bridge
	byService   map[config.Service][]*bridge.Bridge // по приоритету
	mainAccount string
	log         *zap.Logger

	mu       sync.Mutex
	randomFn func() float64
}

// New собирает пул из готовых мостов. mainAccount — имя основного аккаунта
// (priority=1), участвует во взвешенной балансировке.
func New(bridges []*bridge.Bridge, mainAccount string, opts ...Option) *Pool {
	p := &Pool{
		bridges:     make(map[string]*bridge.Bridge, len(bridges)),
		byService:   make(map[config.Service][]*bridge.Bridge),
		mainAccount: mainAccount,
		log:         logger.Named("pool"),
		randomFn:    rand.Float64,
	}
	for _, b := range bridges {
		p.bridges[b.Key()] = b
		p.byService[b.Service] = append(p.byService[b.Service], b)
	}
	for svc := range p.byService {
		list := p.byService[svc]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority < list[j].Priority
		})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartAll параллельно запускает все мосты. Старт каждого включает хендшейк
// и полный прогрев диалогов; падение одного моста не мешает остальным.
// После завершения логируется healthy/total на каждый сервис.
func (p *Pool) StartAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range p.bridges {
		b := b
		g.Go(func() error {
			if err := b.Start(gctx); err != nil {
				p.log.Error("bridge failed to start",
					zap.String("bridge", b.Key()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for svc, list := range p.byService {
		healthy := 0
		for _, b := range list {
			if b.IsHealthy() {
				healthy++
			}
		}
		p.log.Info("service bridges started",
			zap.String("service", string(svc)),
			zap.Int("healthy", healthy),
			zap.Int("total", len(list)))
	}
}

// StopAll гасит все мосты.
func (p *Pool) StopAll() {
	var wg sync.WaitGroup
	for _, b := range p.bridges {
		wg.Add(1)
		go func(b *bridge.Bridge) {
			defer wg.Done()
			b.Stop()
		}(b)
	}
	wg.Wait()
}

// Get возвращает мост по ключу "{account}:{service}" или nil.
func (p *Pool) Get(key string) *bridge.Bridge {
	return p.bridges[key]
}

// GetByAccount возвращает мост пары (аккаунт, сервис) или nil.
func (p *Pool) GetByAccount(account string, svc config.Service) *bridge.Bridge {
	return p.bridges[account+":"+string(svc)]
}

// GetBest возвращает самый приоритетный здоровый мост сервиса или nil.
func (p *Pool) GetBest(svc config.Service) *bridge.Bridge {
	for _, b := range p.byService[svc] {
		if b.IsHealthy() {
			return b
		}
	}
	return nil
}

// GetHealthyList возвращает все здоровые мосты сервиса в порядке приоритета.
func (p *Pool) GetHealthyList(svc config.Service) []*bridge.Bridge {
	var out []*bridge.Bridge
	for _, b := range p.byService[svc] {
		if b.IsHealthy() {
			out = append(out, b)
		}
	}
	return out
}

// GetNextHealthy возвращает первый здоровый мост сервиса, исключая excludeKey.
func (p *Pool) GetNextHealthy(svc config.Service, excludeKey string) *bridge.Bridge {
	for _, b := range p.byService[svc] {
		if b.Key() == excludeKey {
			continue
		}
		if b.IsHealthy() {
			return b
		}
	}
	return nil
}

// GetAllHealthyExcept возвращает упорядоченный список здоровых мостов для
// веерного failover, исключая excludeKey. Пустой excludeKey не исключает никого.
func (p *Pool) GetAllHealthyExcept(svc config.Service, excludeKey string) []*bridge.Bridge {
	var out []*bridge.Bridge
	for _, b := range p.byService[svc] {
		if excludeKey != "" && b.Key() == excludeKey {
			continue
		}
		if b.IsHealthy() {
			out = append(out, b)
		}
	}
	return out
}

// GetLeastLoaded возвращает здоровый мост с минимальным числом активных чатов
// по counts. Ничья решается порядком приоритета.
func (p *Pool) GetLeastLoaded(svc config.Service, counts map[string]int, excludeKey string) *bridge.Bridge {
	var best *bridge.Bridge
	bestCount := 0
	for _, b := range p.GetAllHealthyExcept(svc, excludeKey) {
		c := counts[b.AccountName]
		if best == nil || c < bestCount {
			best = b
			bestCount = c
		}
	}
	return best
}

// AllInfos возвращает снимки состояния всех мостов (порядок: по сервисам,
// внутри — по приоритету).
func (p *Pool) AllInfos() []bridge.Info {
	var out []bridge.Info
	for _, svc := range config.Services {
		for _, b := range p.byService[svc] {
			out = append(out, b.InfoSnapshot())
		}
	}
	return out
}

// ServiceInfos возвращает снимки мостов одного сервиса.
func (p *Pool) ServiceInfos(svc config.Service) []bridge.Info {
	var out []bridge.Info
	for _, b := range p.byService[svc] {
		out = append(out, b.InfoSnapshot())
	}
	return out
}

// ReloadCaches выполняет полный прогрев кэшей здоровых мостов сервиса.
func (p *Pool) ReloadCaches(ctx context.Context, svc config.Service) {
	for _, b := range p.GetHealthyList(svc) {
		if err := b.WarmupCache(ctx); err != nil {
			p.log.Warn("cache reload failed",
				zap.String("bridge", b.Key()), zap.Error(err))
		}
	}
}

// random возвращает псевдослучайное число в [0,1).
func (p *Pool) random() float64 {
	p.mu.Lock()
	fn := p.randomFn
	p.mu.Unlock()
	return fn()
}
