// Пакет app — сборка и жизненный цикл платформы шлюза. Platform владеет
// реестром, пулом мостов, роутером, четырьмя сервисными серверами,
// дашбордом и джанитором; зависимости передаются явно, без глобалов.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mtproto-gateway/internal/adapters/botapi"
	"mtproto-gateway/internal/adapters/salebot"
	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/pool"
	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
	"mtproto-gateway/internal/services"
	"mtproto-gateway/internal/web"
)

// shutdownTimeout ограничивает мягкую остановку HTTP-серверов.
const shutdownTimeout = 10 * time.Second

// Platform агрегирует все подсистемы шлюза.
type Platform struct {
	registry  *registry.Registry
	snapshots *bridge.SnapshotStore
	pool      *pool.Pool
	router    *router.Router
	callback  *salebot.Client
	fallback  *botapi.Fallback
	servers   []*services.Server
	dashboard *web.Server
	janitor   *Janitor
	log       *zap.Logger
}

// New создаёт пустую платформу; фактическая сборка — в Init.
func New() *Platform {
	return &Platform{log: logger.Named("app")}
}

// Init связывает подсистемы:
//  1. реестр (SQLite WAL) и bbolt-хранилище снимков кэшей,
//  2. мосты из таблицы аккаунтов (аккаунт × сервис с сессией),
//  3. пул, роутер, колбэк CRM и Bot API fallback,
//  4. четыре сервисных сервера и дашборд,
//  5. ежедневный джанитор журналов.
func (p *Platform) Init(ctx context.Context) error {
	env := config.Env()

	reg, err := registry.Open(env.RegistryDB)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	p.registry = reg

	snapshots, err := bridge.OpenSnapshotStore(env.PeersSnapshotDB)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	p.snapshots = snapshots

	bridges, err := p.buildBridges(env)
	if err != nil {
		return err
	}
	if len(bridges) == 0 {
		return errors.New("no bridges configured: check accounts file sessions")
	}

	p.pool = pool.New(bridges, config.MainAccountName())
	p.router = router.New(p.pool, p.registry)
	p.callback = salebot.New(env.SalebotURL, env.SalebotGroupID, p.registry)

	p.fallback, err = botapi.New(env.BotToken)
	if err != nil {
		// Fallback опционален: без него шлюз полноценен.
		p.log.Warn("bot api fallback unavailable", zap.Error(err))
	}

	p.servers = []*services.Server{
		services.NewCreateChatServer(p.router, p.callback, env.ObserverUsername, config.MainAccountName()),
		services.NewSendTextServer(p.router, p.fallback),
		services.NewSendMediaServer(p.router, p.fallback),
		services.NewLeaveChatServer(p.router),
	}
	p.dashboard = web.NewServer(p.router, p.callback, env.MonitorUser, env.MonitorPass)
	p.janitor = NewJanitor(p.registry)
	return nil
}

// buildBridges создаёт мост на каждую пару аккаунт × сервис с сессией.
func (p *Platform) buildBridges(env config.EnvConfig) ([]*bridge.Bridge, error) {
	var bridges []*bridge.Bridge
	seen := make(map[string]struct{})
	for _, acc := range config.Accounts() {
		for _, svc := range config.Services {
			sessionPath, ok := acc.SessionPath(env.SessionsDir, svc)
			if !ok {
				continue
			}
			b := bridge.New(bridge.Options{
				Account:     acc,
				Service:     svc,
				SessionPath: sessionPath,
				Snapshots:   p.snapshots,
				Sync:        p.registry,
				TestDC:      env.TestDC,
			})
			if _, dup := seen[b.Key()]; dup {
				return nil, fmt.Errorf("duplicate bridge key %s", b.Key())
			}
			seen[b.Key()] = struct{}{}
			bridges = append(bridges, b)
		}
	}
	return bridges, nil
}

// Run стартует мосты, серверы и джанитор и блокируется до отмены контекста.
func (p *Platform) Run(ctx context.Context) error {
	p.log.Info("starting bridges")
	p.pool.StartAll(ctx)

	p.janitor.Start()

	errCh := make(chan error, len(p.servers)+1)
	for _, srv := range p.servers {
		srv := srv
		go func() { errCh <- srv.Start() }()
	}
	go func() { errCh <- p.dashboard.Start(ctx) }()

	select {
	case <-ctx.Done():
		p.log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			p.log.Error("server failed", zap.Error(err))
			p.shutdown()
			return err
		}
	}

	p.shutdown()
	return nil
}

// shutdown останавливает подсистемы в обратном порядке запуска.
func (p *Platform) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range p.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.log.Warn("service shutdown", zap.Error(err))
		}
	}
	if err := p.dashboard.Shutdown(shutdownCtx); err != nil {
		p.log.Warn("dashboard shutdown", zap.Error(err))
	}
	p.janitor.Stop()
	p.pool.StopAll()

	if err := p.snapshots.Close(); err != nil {
		p.log.Warn("snapshot store close", zap.Error(err))
	}
	if err := p.registry.Close(); err != nil {
		p.log.Warn("registry close", zap.Error(err))
	}
	p.log.Info("platform stopped")
}
