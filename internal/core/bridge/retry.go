// Retry-обёртка и классификация ошибок исходящих вызовов.
//
// Временные ошибки (сеть, таймаут, устаревший persistent timestamp)
// восстанавливаются локально: пауза, проверка авторизации, ограниченное
// число повторов. Flood-wait локально НЕ ретраится — секунды поднимаются
// наверх, чтобы роутер перевёл мост и решил вопрос failover'ом. Доменные
// ошибки (username-not-occupied, peer-invalid, file-ref-expired, бан)
// возвращаются сразу.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

// Параметры retry-обёртки.
const (
	maxRetries     = 3
	retryDelay     = 2 * time.Second
	reconnectPause = time.Second
)

// ErrAuthorizationLost — авторизация потеряна после восстановления связи.
// Фатально для моста: дальнейшие вызовы бессмысленны до переавторизации.
var ErrAuthorizationLost = errors.New("client lost authorization")

// Типы RPC-ошибок доменного уровня.
const (
	errTypeUsernameNotOccupied  = "USERNAME_NOT_OCCUPIED"
	errTypeUsernameInvalid      = "USERNAME_INVALID"
	errTypePeerIDInvalid        = "PEER_ID_INVALID"
	errTypeFileReferenceExpired = "FILE_REFERENCE_EXPIRED"
)

// AsFloodWait извлекает длительность flood-wait из ошибки.
func AsFloodWait(err error) (time.Duration, bool) {
	return tgerr.AsFloodWait(err)
}

// IsBannedError распознаёт бан/деактивацию аккаунта по тексту ошибки.
func IsBannedError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "banned") || strings.Contains(text, "deactivated")
}

// IsUsernameNotOccupied распознаёт несуществующий username.
func IsUsernameNotOccupied(err error) bool {
	return tgerr.Is(err, errTypeUsernameNotOccupied, errTypeUsernameInvalid)
}

// IsPeerInvalid распознаёт некорректный peer.
func IsPeerInvalid(err error) bool {
	return tgerr.Is(err, errTypePeerIDInvalid)
}

// IsFileReferenceExpired распознаёт протухшую file reference.
func IsFileReferenceExpired(err error) bool {
	return tgerr.Is(err, errTypeFileReferenceExpired)
}

// ErrUnresolvable возвращается резолвером, когда сущность не найдена нигде.
type ErrUnresolvable struct {
	Ref       string
	CacheSize int
}

func (e *ErrUnresolvable) Error() string {
	return "cannot resolve entity " + e.Ref + " (cache=" + strconv.Itoa(e.CacheSize) + ")"
}

// IsUnresolvable распознаёт ошибку резолвера (в том числе обёрнутую).
func IsUnresolvable(err error) bool {
	var target *ErrUnresolvable
	return errors.As(err, &target)
}

// isTimestampOutdated распознаёт библиотечную ошибку устаревшего
// persistent timestamp; восстанавливается как сетевая.
func isTimestampOutdated(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "persistent timestamp") ||
		strings.Contains(text, "persistenttimestamp")
}

// isNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме.
// Сетевые: закрытия соединения/движка, исчерпание ретраев rpc, таймауты,
// EOF и net.Error. Контекстные отмены сетевыми не считаются.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) {
		return true
	}
	if errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isRetriable объединяет классы ошибок, восстанавливаемых локальным повтором.
func isRetriable(err error) bool {
	return isNetworkError(err) || isTimestampOutdated(err)
}

// WithRetry выполняет fn с ограниченным числом повторов при временных ошибках.
// Между попытками: пауза reconnectPause, проверка авторизации (потеря —
// фатально, ErrAuthorizationLost), затем retryDelay. Flood-wait и доменные
// ошибки не ретраятся и возвращаются вызывающему как есть.
func (b *Bridge) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	operation := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if _, isFlood := AsFloodWait(err); isFlood {
			return backoff.Permanent(err)
		}
		if !isRetriable(err) {
			return backoff.Permanent(err)
		}
		b.log.Warn("retriable error, reconnect check", zap.Error(err))
		if reErr := b.recheckAuthorization(ctx); reErr != nil {
			return backoff.Permanent(reErr)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), maxRetries),
		ctx,
	)
	return backoff.Retry(operation, bo)
}

// recheckAuthorization делает паузу и проверяет, что сессия всё ещё
// авторизована. gotd восстанавливает транспорт сам; наша задача — убедиться,
// что после восстановления мы не потеряли логин.
func (b *Bridge) recheckAuthorization(ctx context.Context) error {
	if err := sleepCtx(ctx, reconnectPause); err != nil {
		return err
	}
	status, err := b.client.Auth().Status(ctx)
	if err != nil {
		// Статус недоступен — связь ещё восстанавливается; повтор решит.
		b.log.Debug("auth status check failed during reconnect", zap.Error(err))
		return nil
	}
	if !status.Authorized {
		b.log.Error("client not authorized after reconnect")
		return ErrAuthorizationLost
	}
	return nil
}
