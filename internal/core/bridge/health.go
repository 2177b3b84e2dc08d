// Машина состояний здоровья моста.
//
//	offline → starting → healthy ⇄ flood_wait
//	                      healthy → error (порог ошибок) → healthy (успех/сброс)
//	                      healthy → banned (терминально до сброса администратором)
//
// Переход flood_wait → healthy наблюдается лениво: при первом запросе
// IsHealthy после истечения flood_until, а не по таймеру.
package bridge

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Status — статус здоровья моста.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusStarting Status = "starting"
	StatusHealthy  Status = "healthy"
	StatusFlood    Status = "flood_wait"
	StatusError    Status = "error"
	StatusBanned   Status = "banned"
)

// errorThreshold — число подряд идущих ошибок, после которого мост
// помечается как error.
const errorThreshold = 10

// IsHealthy сообщает, пригоден ли мост для операций. В состоянии flood_wait
// возвращает true (и переводит мост в healthy), как только wall-clock прошёл
// flood_until.
func (b *Bridge) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status == StatusFlood {
		if !b.clock().Before(b.floodUntil) {
			b.status = StatusHealthy
			return true
		}
		return false
	}
	return b.status == StatusHealthy
}

// Status возвращает текущий статус без ленивого перехода.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// FloodRemaining возвращает оставшиеся секунды flood_wait (0 вне flood_wait).
func (b *Bridge) FloodRemaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusFlood {
		return 0
	}
	remaining := b.floodUntil.Sub(b.clock())
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// MarkFlood переводит мост в flood_wait на заданное число секунд.
// banned терминален и flood-wait его не перетирает.
func (b *Bridge) MarkFlood(seconds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusBanned {
		return
	}
	b.floodUntil = b.clock().Add(time.Duration(seconds) * time.Second)
	b.status = StatusFlood
	b.lastError = fmt.Sprintf("FloodWait %ds", seconds)
	b.log.Warn("FloodWait", zap.Int("seconds", seconds))
}

// MarkError увеличивает счётчик подряд идущих ошибок; на пороге переводит
// мост в error. banned не перетирается.
func (b *Bridge) MarkError(errText string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCount++
	b.lastError = errText
	if b.status == StatusBanned {
		return
	}
	if b.errorCount >= errorThreshold {
		b.status = StatusError
		b.log.Error("too many consecutive errors, marking bridge as error")
	}
}

// MarkBanned переводит мост в терминальное состояние banned.
// Выход — только ResetHealth (действие администратора).
func (b *Bridge) MarkBanned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusBanned
	b.lastError = "Account banned"
	b.log.Error("account BANNED")
}

// MarkSuccess сбрасывает счётчик ошибок и возвращает мост из error в healthy.
// Активный flood_wait не укорачивается: переход произойдёт лениво в IsHealthy,
// когда wall-clock пройдёт flood_until.
func (b *Bridge) MarkSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCount = 0
	b.lastError = ""
	b.operationsCount++
	b.lastActive = b.clock()
	switch b.status {
	case StatusError:
		b.status = StatusHealthy
	case StatusFlood:
		if b.clock().Before(b.floodUntil) {
			return
		}
		b.status = StatusHealthy
	}
}

// ResetHealth — сброс администратором: выводит мост из banned/error/flood_wait.
func (b *Bridge) ResetHealth() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusStarting {
		return
	}
	b.status = StatusHealthy
	b.errorCount = 0
	b.floodUntil = time.Time{}
	b.lastError = ""
	b.log.Info("health reset by administrator")
}

// setStatus выставляет статус напрямую (lifecycle-переходы start/stop).
func (b *Bridge) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// setStartFailure фиксирует ошибку запуска.
func (b *Bridge) setStartFailure(err error) {
	b.mu.Lock()
	b.status = StatusError
	b.lastError = err.Error()
	b.mu.Unlock()
}
