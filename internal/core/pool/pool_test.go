package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/pool"
	"mtproto-gateway/internal/infra/config"
)

// newBridge создаёт офлайновый мост нужного приоритета и делает его healthy.
func newBridge(t *testing.T, name string, priority int, svc config.Service) *bridge.Bridge {
	t.Helper()
	b := bridge.New(bridge.Options{
		Account: config.Account{
			Name:     name,
			APIID:    1,
			APIHash:  "test-hash",
			Priority: priority,
			Sessions: map[config.Service]string{svc: name + "_" + string(svc)},
		},
		Service:     svc,
		SessionPath: t.TempDir() + "/" + name + ".session",
	})
	b.ResetHealth()
	return b
}

func newTestPool(t *testing.T, svc config.Service, opts ...pool.Option) (*pool.Pool, map[string]*bridge.Bridge) {
	t.Helper()
	bridges := map[string]*bridge.Bridge{
		"main": newBridge(t, "main", 1, svc),
		"b1":   newBridge(t, "b1", 2, svc),
		"b2":   newBridge(t, "b2", 3, svc),
	}
	p := pool.New([]*bridge.Bridge{bridges["b2"], bridges["main"], bridges["b1"]}, "main", opts...)
	return p, bridges
}

func TestBridgeKeyUniqueness(t *testing.T) {
	t.Parallel()

	svc := config.ServiceSendText
	p, bridges := newTestPool(t, svc)

	// Ровно один мост на пару (аккаунт, сервис).
	for name, b := range bridges {
		got := p.Get(name + ":" + string(svc))
		require.Same(t, b, got)
		require.Same(t, b, p.GetByAccount(name, svc))
	}
	require.Nil(t, p.Get("main:create_chat"))
	require.Len(t, p.ServiceInfos(svc), 3)
}

func TestGetBestRespectsPriority(t *testing.T) {
	t.Parallel()

	svc := config.ServiceSendText
	p, bridges := newTestPool(t, svc)

	require.Same(t, bridges["main"], p.GetBest(svc))

	bridges["main"].MarkBanned()
	require.Same(t, bridges["b1"], p.GetBest(svc))

	bridges["b1"].MarkFlood(300)
	require.Same(t, bridges["b2"], p.GetBest(svc))

	bridges["b2"].MarkBanned()
	require.Nil(t, p.GetBest(svc))
}

func TestGetNextHealthyExcludes(t *testing.T) {
	t.Parallel()

	svc := config.ServiceSendText
	p, bridges := newTestPool(t, svc)

	next := p.GetNextHealthy(svc, bridges["main"].Key())
	require.Same(t, bridges["b1"], next)

	list := p.GetAllHealthyExcept(svc, bridges["b1"].Key())
	require.Len(t, list, 2)
	require.Same(t, bridges["main"], list[0])
	require.Same(t, bridges["b2"], list[1])

	// Пустой exclude не исключает никого.
	all := p.GetAllHealthyExcept(svc, "")
	require.Len(t, all, 3)
}

func TestGetHealthyListOrder(t *testing.T) {
	t.Parallel()

	svc := config.ServiceSendText
	p, bridges := newTestPool(t, svc)
	bridges["b1"].MarkBanned()

	list := p.GetHealthyList(svc)
	require.Len(t, list, 2)
	require.Same(t, bridges["main"], list[0])
	require.Same(t, bridges["b2"], list[1])
}

func TestGetLeastLoaded(t *testing.T) {
	t.Parallel()

	svc := config.ServiceSendText
	p, bridges := newTestPool(t, svc)

	counts := map[string]int{"main": 100, "b1": 10, "b2": 3}
	require.Same(t, bridges["b2"], p.GetLeastLoaded(svc, counts, ""))

	// Исключение лидера.
	require.Same(t, bridges["b1"], p.GetLeastLoaded(svc, counts, bridges["b2"].Key()))

	// Ничья решается приоритетом.
	tie := map[string]int{"main": 5, "b1": 5, "b2": 5}
	require.Same(t, bridges["main"], p.GetLeastLoaded(svc, tie, ""))

	// Аккаунты без записей в counts считаются пустыми.
	require.Same(t, bridges["main"], p.GetLeastLoaded(svc, map[string]int{}, ""))

	bridges["main"].MarkBanned()
	bridges["b1"].MarkBanned()
	bridges["b2"].MarkBanned()
	require.Nil(t, p.GetLeastLoaded(svc, counts, ""))
}
