// Пакет bridge — мост: одна авторизованная пользовательская сессия Telegram,
// привязанная к одной сервисной роли. Мост владеет MTProto-клиентом, кэшем
// диалогов, машиной состояний здоровья и retry-обёрткой вокруг исходящих
// вызовов. Ключ моста — "{account}:{service}".
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
	"mtproto-gateway/internal/infra/telegram/session"
)

// Интервалы прогрева кэша диалогов.
const (
	CacheWarmupInterval = 1800 * time.Second
	MiniRefreshCooldown = 30 * time.Second
)

// rpcRateInterval и rpcRateBurst ограничивают частоту RPC одного моста; профилактика
// flood-wait на бурстах (прогрев + параллельные операции).
const (
	rpcRateInterval = 100 * time.Millisecond
	rpcRateBurst    = 5
)

// startReadyTimeout ограничивает ожидание готовности моста при старте:
// хендшейк + полный прогрев диалогов со стартовым flood-wait (~30 с).
const startReadyTimeout = 3 * time.Minute

// AssignmentSync получает супергруппы из кэша create_chat-моста, отсутствующие
// в реестре. Реализуется реестром; мост зовёт его после полного прогрева.
type AssignmentSync interface {
	AssignIfNotExists(chatID, accountName, title string, createdAt float64) (bool, error)
	LogOperation(accountName, chatID, operation, status, detail string) error
}

// Options описывает создание моста.
type Options struct {
	Account     config.Account
	Service     config.Service
	SessionPath string
	Snapshots   *SnapshotStore // nil = без персистентных снимков кэша
	Sync        AssignmentSync // nil = без синхронизации кэша с реестром
	TestDC      bool
	Clock       func() time.Time // nil = time.Now; подменяется в тестах
}

// Bridge — одна авторизованная сессия Telegram для одной сервисной роли.
type Bridge struct {
	AccountName string
	Service     config.Service
	Priority    int
	SessionName string

	client    *telegram.Client
	api       *tg.Client
	snapshots *SnapshotStore
	sync      AssignmentSync
	cache     *dialogCache
	log       *zap.Logger
	clock     func() time.Time

	mu              sync.Mutex
	status          Status
	floodUntil      time.Time
	lastError       string
	errorCount      int
	operationsCount int64
	lastActive      time.Time
	lastMiniRefresh time.Time
	selfID          int64
	selfUsername    string
	startedAt       time.Time

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New создаёт мост без подключения к сети. Start выполняет хендшейк и прогрев.
func New(opts Options) *Bridge {
	b := &Bridge{
		AccountName: opts.Account.Name,
		Service:     opts.Service,
		Priority:    opts.Account.Priority,
		SessionName: opts.Account.Sessions[opts.Service],
		snapshots:   opts.Snapshots,
		sync:        opts.Sync,
		cache:       newDialogCache(),
		clock:       time.Now,
		status:      StatusOffline,
	}
	if opts.Clock != nil {
		b.clock = opts.Clock
	}
	b.log = logger.Named("bridge").With(
		zap.String("account", b.AccountName),
		zap.String("service", string(b.Service)),
	)

	tgOpts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionPath},
		// Шлюз send-only: поток апдейтов не обрабатываем.
		NoUpdates: true,
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Every(rpcRateInterval), rpcRateBurst),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "v5.5.0",
		},
	}
	if opts.TestDC {
		tgOpts.DCList = dcs.Test()
	}
	b.client = telegram.NewClient(opts.Account.APIID, opts.Account.APIHash, tgOpts)
	b.api = b.client.API()
	return b
}

// Key возвращает уникальный ключ моста "{account}:{service}".
func (b *Bridge) Key() string {
	return b.AccountName + ":" + string(b.Service)
}

// API возвращает RPC-клиент Telegram. Вызовы оборачивайте в WithRetry.
func (b *Bridge) API() *tg.Client {
	return b.api
}

// Client возвращает сетевой клиент gotd (для auth-проверок).
func (b *Bridge) Client() *telegram.Client {
	return b.client
}

// Start подключает клиент, проверяет авторизацию, прогревает кэш и запускает
// фоновый периодический прогрев. Блокируется до готовности моста либо ошибки
// старта; сетевой цикл клиента продолжает жить в фоне до Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.setStatus(StatusStarting)
	b.mu.Lock()
	b.startedAt = b.clock()
	b.mu.Unlock()
	b.log.Info("starting bridge", zap.String("session", b.SessionName))

	// Снимок прошлого запуска даёт тёплый кэш до первого сетевого прогрева.
	if b.snapshots != nil {
		if ents, err := b.snapshots.Load(b.Key()); err == nil && len(ents) > 0 {
			b.cache.AddAll(ents)
			b.log.Info("dialog snapshot loaded", zap.Int("entries", len(ents)))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.runCancel = cancel
	b.runDone = make(chan struct{})
	ready := make(chan error, 1)

	go func() {
		defer close(b.runDone)
		err := b.client.Run(runCtx, func(ctx context.Context) error {
			if bootErr := b.bootstrap(ctx); bootErr != nil {
				select {
				case ready <- bootErr:
				default:
				}
				return bootErr
			}
			select {
			case ready <- nil:
			default:
			}
			b.periodicWarmup(ctx)
			return ctx.Err()
		})
		if err != nil && runCtx.Err() == nil {
			// Сбой сетевого цикла после успешного старта (или сбой dial).
			select {
			case ready <- err:
			default:
			}
			b.setStartFailure(err)
			b.log.Error("client run finished with error", zap.Error(err))
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			b.setStartFailure(err)
			return fmt.Errorf("bridge %s: start: %w", b.Key(), err)
		}
		b.setStatus(StatusHealthy)
		b.mu.Lock()
		selfID, selfUsername, cacheSize := b.selfID, b.selfUsername, b.cache.Size()
		b.mu.Unlock()
		b.log.Info("bridge ready",
			zap.Int64("self_id", selfID),
			zap.String("self_username", selfUsername),
			zap.Int("cache", cacheSize))
		return nil
	case <-time.After(startReadyTimeout):
		cancel()
		err := fmt.Errorf("bridge %s: start timed out after %s", b.Key(), startReadyTimeout)
		b.setStartFailure(err)
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// bootstrap выполняется внутри client.Run: авторизация, self, прогрев.
func (b *Bridge) bootstrap(ctx context.Context) error {
	status, err := b.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		return fmt.Errorf("session %q is not authorized; run authsessions first", b.SessionName)
	}

	self, err := b.client.Self(ctx)
	if err != nil {
		return fmt.Errorf("self: %w", err)
	}
	b.mu.Lock()
	b.selfID = self.ID
	b.selfUsername = self.Username
	b.mu.Unlock()

	if err = b.WarmupCache(ctx); err != nil {
		// Стартуем и с холодным кэшем: снимок/мини-рефреш дорезолвят позже.
		b.log.Warn("initial cache warmup failed", zap.Error(err))
	}
	return nil
}

// Stop гасит сетевой цикл клиента и переводит мост в offline.
func (b *Bridge) Stop() {
	if b.runCancel != nil {
		b.runCancel()
	}
	if b.runDone != nil {
		<-b.runDone
	}
	b.setStatus(StatusOffline)
	b.log.Info("bridge stopped")
}

// periodicWarmup перезапускает полный прогрев кэша каждые CacheWarmupInterval.
func (b *Bridge) periodicWarmup(ctx context.Context) {
	ticker := time.NewTicker(CacheWarmupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.WarmupCache(ctx); err != nil {
				b.log.Error("periodic warmup failed", zap.Error(err))
			}
		}
	}
}

// SelfID возвращает собственный user id, обнаруженный при подключении.
func (b *Bridge) SelfID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selfID
}

// SelfUsername возвращает собственный username.
func (b *Bridge) SelfUsername() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selfUsername
}

// CacheSize возвращает размер кэша диалогов.
func (b *Bridge) CacheSize() int {
	return b.cache.Size()
}

// CacheEntities возвращает снимок сущностей кэша.
func (b *Bridge) CacheEntities() []entity.Entity {
	return b.cache.Entities()
}

// Info — снимок состояния моста для /stats и дашборда.
type Info struct {
	Name            string  `json:"name"`
	Service         string  `json:"service"`
	Session         string  `json:"session"`
	Priority        int     `json:"priority"`
	Status          string  `json:"status"`
	IsHealthy       bool    `json:"is_healthy"`
	FloodRemaining  int     `json:"flood_remaining"`
	LastError       string  `json:"last_error"`
	ErrorCount      int     `json:"error_count"`
	OperationsCount int64   `json:"operations_count"`
	LastActive      float64 `json:"last_active"`
	SelfUserID      int64   `json:"self_user_id"`
	SelfUsername    string  `json:"self_username"`
	CacheSize       int     `json:"cache_size"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// InfoSnapshot возвращает снимок состояния моста.
func (b *Bridge) InfoSnapshot() Info {
	healthy := b.IsHealthy() // до захвата mu: IsHealthy берёт его сам
	floodRemaining := b.FloodRemaining()

	b.mu.Lock()
	defer b.mu.Unlock()
	var lastActive float64
	if !b.lastActive.IsZero() {
		lastActive = float64(b.lastActive.UnixNano()) / float64(time.Second)
	}
	var uptime float64
	if !b.startedAt.IsZero() {
		uptime = b.clock().Sub(b.startedAt).Seconds()
	}
	return Info{
		Name:            b.AccountName,
		Service:         string(b.Service),
		Session:         b.SessionName,
		Priority:        b.Priority,
		Status:          string(b.status),
		IsHealthy:       healthy,
		FloodRemaining:  floodRemaining,
		LastError:       b.lastError,
		ErrorCount:      b.errorCount,
		OperationsCount: b.operationsCount,
		LastActive:      lastActive,
		SelfUserID:      b.selfID,
		SelfUsername:    b.selfUsername,
		CacheSize:       b.cache.Size(),
		UptimeSeconds:   uptime,
	}
}
