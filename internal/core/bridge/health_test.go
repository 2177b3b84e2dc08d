package bridge_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/infra/config"
)

// fakeClock — управляемые часы для ленивых переходов flood_wait.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBridge(t *testing.T, name string, priority int, clock *fakeClock) *bridge.Bridge {
	t.Helper()
	opts := bridge.Options{
		Account: config.Account{
			Name:     name,
			APIID:    1,
			APIHash:  "test-hash",
			Priority: priority,
			Sessions: map[config.Service]string{
				config.ServiceSendText: name + "_text",
			},
		},
		Service:     config.ServiceSendText,
		SessionPath: t.TempDir() + "/" + name + ".session",
	}
	if clock != nil {
		opts.Clock = clock.Now
	}
	b := bridge.New(opts)
	b.ResetHealth() // тесты работают без сетевого Start
	return b
}

func TestFloodWaitInvariant(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBridge(t, "acc", 1, clock)
	require.True(t, b.IsHealthy())

	b.MarkFlood(300)
	require.False(t, b.IsHealthy())
	require.Equal(t, bridge.StatusFlood, b.Status())
	require.Equal(t, 300, b.FloodRemaining())

	clock.Advance(299 * time.Second)
	require.False(t, b.IsHealthy())

	// Переход наблюдается на первом запросе после истечения flood_until.
	clock.Advance(time.Second)
	require.True(t, b.IsHealthy())
	require.Equal(t, bridge.StatusHealthy, b.Status())
	require.Equal(t, 0, b.FloodRemaining())
}

func TestMarkSuccessDoesNotShortenFlood(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBridge(t, "acc", 1, clock)

	b.MarkFlood(120)
	b.MarkSuccess()
	require.False(t, b.IsHealthy(), "success must not clear an active flood_wait")

	clock.Advance(121 * time.Second)
	require.True(t, b.IsHealthy())
}

func TestErrorThreshold(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "acc", 1, nil)

	for i := 0; i < 9; i++ {
		b.MarkError("boom")
	}
	require.True(t, b.IsHealthy(), "below threshold the bridge stays usable")

	b.MarkError("boom")
	require.False(t, b.IsHealthy())
	require.Equal(t, bridge.StatusError, b.Status())

	// Успех возвращает из error в healthy и сбрасывает счётчик.
	b.MarkSuccess()
	require.True(t, b.IsHealthy())
	info := b.InfoSnapshot()
	require.Equal(t, 0, info.ErrorCount)
	require.Equal(t, int64(1), info.OperationsCount)
}

func TestBannedIsTerminal(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "acc", 1, nil)
	b.MarkBanned()
	require.False(t, b.IsHealthy())

	// Ни успех, ни flood, ни новые ошибки не выводят из banned.
	b.MarkSuccess()
	require.Equal(t, bridge.StatusBanned, b.Status())
	b.MarkFlood(10)
	require.Equal(t, bridge.StatusBanned, b.Status())
	b.MarkError("x")
	require.Equal(t, bridge.StatusBanned, b.Status())

	// Только административный сброс.
	b.ResetHealth()
	require.True(t, b.IsHealthy())
}

func TestInfoSnapshotFields(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "backup1", 2, nil)
	info := b.InfoSnapshot()
	require.Equal(t, "backup1", info.Name)
	require.Equal(t, "send_text", info.Service)
	require.Equal(t, "backup1_text", info.Session)
	require.Equal(t, 2, info.Priority)
	require.Equal(t, "backup1:send_text", b.Key())
}
