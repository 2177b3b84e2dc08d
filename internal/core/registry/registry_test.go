package registry_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/core/registry"
)

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestAssignReplacesActiveRow(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	require.NoError(t, reg.Assign("-1001", "main", "Chat", "https://t.me/+x"))
	require.NoError(t, reg.Assign("-1001", "b1", "Chat", "https://t.me/+y"))

	// Не более одной активной строки на chat_id.
	account, err := reg.GetAccount("-1001")
	require.NoError(t, err)
	require.Equal(t, "b1", account)

	rows, err := reg.GetAllAssignments(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, registry.StatusActive, rows[0].Status)
}

func TestAssignIfNotExists(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	added, err := reg.AssignIfNotExists("-1002", "main", "Synced", 0)
	require.NoError(t, err)
	require.True(t, added)

	// Повтор не перетирает существующую строку.
	added, err = reg.AssignIfNotExists("-1002", "b1", "Other", 0)
	require.NoError(t, err)
	require.False(t, added)

	account, err := reg.GetAccount("-1002")
	require.NoError(t, err)
	require.Equal(t, "main", account)
}

func TestMarkLeftGuardsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	require.NoError(t, reg.Assign("-1003", "main", "Chat", ""))
	require.NoError(t, reg.MarkLeft("-1003"))
	require.NoError(t, reg.MarkLeft("-1003")) // идемпотентно

	left, err := reg.IsLeft("-1003")
	require.NoError(t, err)
	require.True(t, left)

	// left-строка перестаёт быть активной.
	account, err := reg.GetAccount("-1003")
	require.NoError(t, err)
	require.Empty(t, account)

	rows, err := reg.GetAllAssignments(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, registry.StatusLeft, rows[0].Status)

	// Неизвестный чат не считается покинутым.
	left, err = reg.IsLeft("-9999")
	require.NoError(t, err)
	require.False(t, left)
}

func TestUpdateAccountAndCounts(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	require.NoError(t, reg.Assign("-1", "main", "", ""))
	require.NoError(t, reg.Assign("-2", "b1", "", ""))
	require.NoError(t, reg.Assign("-3", "b1", "", ""))
	require.NoError(t, reg.UpdateAccount("-1", "b2"))

	counts, err := reg.GetAccountChatCounts()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"b1": 2, "b2": 1}, counts)

	active, err := reg.GetActiveCount()
	require.NoError(t, err)
	require.Equal(t, 3, active)
}

func TestGetChatTitlesChunked(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	// Больше одного чанка (лимит 500 параметров на запрос).
	const total = 1100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("-100%04d", i)
		require.NoError(t, reg.Assign(id, "main", fmt.Sprintf("Chat %d", i), ""))
		ids = append(ids, id)
	}

	titles, err := reg.GetChatTitles(ids)
	require.NoError(t, err)
	require.Len(t, titles, total)
	require.Equal(t, "Chat 42", titles["-1000042"])

	// Подмножество.
	subset, err := reg.GetChatTitles(ids[:3])
	require.NoError(t, err)
	require.Len(t, subset, 3)
}

func TestOperationAndFailoverLogs(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	require.NoError(t, reg.LogOperation("main", "-1001", "send_text", "ok", ""))
	require.NoError(t, reg.LogOperation("main", "-1001", "send_text", "error", "boom"))
	require.NoError(t, reg.LogFailover("-1001", "main", "b1", "status=flood_wait"))

	ops, err := reg.GetRecentOperations(10)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	failovers, err := reg.GetFailoverLog(10)
	require.NoError(t, err)
	require.Len(t, failovers, 1)
	require.Equal(t, "main", failovers[0].FromAccount)
	require.Equal(t, "b1", failovers[0].ToAccount)

	stats, err := reg.GetStats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalOperations)
	require.Equal(t, 1, stats.TotalErrors)
	require.Equal(t, 1, stats.TotalFailovers)

	lastActive, err := reg.GetLastActiveTimes()
	require.NoError(t, err)
	require.Contains(t, lastActive, "main")
}

func TestFailedRequestLifecycle(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	payload := `{"user_id":777,"files":["https://x/y.jpg"]}`
	require.NoError(t, reg.SaveFailedRequest(
		"send_media", registry.DirectionInbound, "/send_media", payload, "all bridges banned"))

	rows, err := reg.GetFailedRequests(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, registry.FailedPending, rows[0].Status)
	require.Equal(t, payload, rows[0].RequestPayload)

	pending, err := reg.GetFailedRequestsCount()
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	fr, err := reg.GetFailedRequestByID(rows[0].ID)
	require.NoError(t, err)
	require.NotNil(t, fr)

	require.NoError(t, reg.UpdateFailedRequest(fr.ID, registry.FailedRetried, ""))
	fr, err = reg.GetFailedRequestByID(fr.ID)
	require.NoError(t, err)
	require.Equal(t, registry.FailedRetried, fr.Status)
	require.Equal(t, 1, fr.RetryCount)

	require.NoError(t, reg.DeleteFailedRequest(fr.ID))
	fr, err = reg.GetFailedRequestByID(fr.ID)
	require.NoError(t, err)
	require.Nil(t, fr)
}

func TestCleanupKeepsPendingFailedRequests(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	require.NoError(t, reg.SaveFailedRequest(
		"send_text", registry.DirectionInbound, "/send_text", "{}", "x"))
	require.NoError(t, reg.LogOperation("main", "", "sync", "ok", ""))

	// Нулевой горизонт отсекает все свежие журналы, но pending остаётся.
	require.NoError(t, reg.CleanupOldLogs(0))

	ops, err := reg.GetRecentOperations(10)
	require.NoError(t, err)
	require.Empty(t, ops)

	pending, err := reg.GetFailedRequestsCount()
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestConcurrentWriters(t *testing.T) {
	t.Parallel()
	reg := openTestRegistry(t)

	const (
		writers = 64
		perEach = 8
	)
	var wg sync.WaitGroup
	errCh := make(chan error, writers*perEach)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perEach; i++ {
				errCh <- reg.LogOperation(
					fmt.Sprintf("acc%d", w%4), "-1001", "send_text", "ok", "")
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	count, err := reg.CountOperations()
	require.NoError(t, err)
	require.Equal(t, writers*perEach, count)
}
