package router_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/pool"
	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
)

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

// newFixture собирает роутер с тремя send_text-мостами и чистым реестром.
func newFixture(t *testing.T) (*router.Router, map[string]*bridge.Bridge, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	svc := config.ServiceSendText
	bridges := map[string]*bridge.Bridge{
		"main": newBridge(t, "main", 1, svc),
		"b1":   newBridge(t, "b1", 2, svc),
		"b2":   newBridge(t, "b2", 3, svc),
	}
	p := pool.New([]*bridge.Bridge{bridges["main"], bridges["b1"], bridges["b2"]}, "main")
	return router.New(p, reg), bridges, reg
}

func TestPickForChatAffinity(t *testing.T) {
	t.Parallel()

	rt, bridges, reg := newFixture(t)
	require.NoError(t, reg.Assign("-1001", "b1", "Chat", ""))

	picked, err := rt.PickForChat("-1001", config.ServiceSendText)
	require.NoError(t, err)
	require.Same(t, bridges["b1"], picked)

	// Affinity не порождает failover-записей.
	failovers, err := reg.GetFailoverLog(10)
	require.NoError(t, err)
	require.Empty(t, failovers)
}

func TestPickForChatFailoverRewritesOwnership(t *testing.T) {
	t.Parallel()

	rt, bridges, reg := newFixture(t)
	require.NoError(t, reg.Assign("-1001", "b1", "Chat", ""))

	// Привязанный мост уходит во flood_wait — выбирается замена,
	// владение перезаписывается, пишется ровно одна failover-строка.
	bridges["b1"].MarkFlood(300)

	picked, err := rt.PickForChat("-1001", config.ServiceSendText)
	require.NoError(t, err)
	require.NotSame(t, bridges["b1"], picked)

	owner, err := reg.GetAccount("-1001")
	require.NoError(t, err)
	require.Equal(t, picked.AccountName, owner)

	failovers, err := reg.GetFailoverLog(10)
	require.NoError(t, err)
	require.Len(t, failovers, 1)
	require.Equal(t, "b1", failovers[0].FromAccount)
	require.Equal(t, picked.AccountName, failovers[0].ToAccount)
	require.Contains(t, failovers[0].Reason, "flood_wait")
}

func TestPickForChatFallsBackToAssignedWhenPoolEmpty(t *testing.T) {
	t.Parallel()

	rt, bridges, reg := newFixture(t)
	require.NoError(t, reg.Assign("-1001", "b1", "Chat", ""))

	bridges["main"].MarkBanned()
	bridges["b1"].MarkFlood(600)
	bridges["b2"].MarkBanned()

	// Здоровой замены нет: возвращается привязанный мост, даже нездоровый.
	picked, err := rt.PickForChat("-1001", config.ServiceSendText)
	require.NoError(t, err)
	require.Same(t, bridges["b1"], picked)
}

func TestPickForChatNoAssignmentUsesLeastLoaded(t *testing.T) {
	t.Parallel()

	rt, bridges, reg := newFixture(t)
	require.NoError(t, reg.Assign("-9", "main", "", ""))
	require.NoError(t, reg.Assign("-10", "main", "", ""))

	picked, err := rt.PickForChat("-1005", config.ServiceSendText)
	require.NoError(t, err)
	// main нагружен двумя чатами, b1/b2 пусты; ничья решается приоритетом.
	require.Same(t, bridges["b1"], picked)
}

func TestPickForChatAllBanned(t *testing.T) {
	t.Parallel()

	rt, bridges, _ := newFixture(t)
	for _, b := range bridges {
		b.MarkBanned()
	}
	_, err := rt.PickForChat("-1001", config.ServiceSendText)
	require.ErrorIs(t, err, router.ErrNoHealthyBridges)
}

func TestPickForRecipient(t *testing.T) {
	t.Parallel()

	rt, bridges, reg := newFixture(t)

	// Известный user_id с привязкой ведёт себя как pick_for_chat.
	require.NoError(t, reg.Assign("777", "b2", "", ""))
	picked, err := rt.PickForRecipient(config.ServiceSendText, 777, "")
	require.NoError(t, err)
	require.Same(t, bridges["b2"], picked)

	// Без привязки — наименее загруженный.
	picked, err = rt.PickForRecipient(config.ServiceSendText, 888, "")
	require.NoError(t, err)
	require.Same(t, bridges["main"], picked)
}

func TestHandleErrorClassification(t *testing.T) {
	t.Parallel()

	rt, bridges, reg := newFixture(t)

	rt.HandleError(bridges["main"], tgerr.New(420, "FLOOD_WAIT_120"), "-1", "send_text")
	require.Equal(t, bridge.StatusFlood, bridges["main"].Status())

	rt.HandleError(bridges["b1"], errors.New("user is deactivated"), "-1", "send_text")
	require.Equal(t, bridge.StatusBanned, bridges["b1"].Status())

	rt.HandleError(bridges["b2"], errors.New("random failure"), "-1", "send_text")
	require.Equal(t, bridge.StatusHealthy, bridges["b2"].Status(), "single error keeps the bridge healthy")

	ops, err := reg.GetRecentOperations(10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	statuses := map[string]bool{}
	for _, op := range ops {
		statuses[op.Status] = true
	}
	require.True(t, statuses["flood_wait"])
	require.True(t, statuses["banned"])
	require.True(t, statuses["error"])
}

func TestHandleSuccessLogsOk(t *testing.T) {
	t.Parallel()

	rt, bridges, reg := newFixture(t)
	rt.HandleSuccess(bridges["main"], "-1001", "send_text")

	ops, err := reg.GetRecentOperations(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "ok", ops[0].Status)
	require.Equal(t, "main", ops[0].AccountName)
	require.Equal(t, int64(1), bridges["main"].InfoSnapshot().OperationsCount)
}
