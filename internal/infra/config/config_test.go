package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/infra/config"
)

func writeAccounts(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAccountsSortsByPriority(t *testing.T) {
	t.Parallel()

	path := writeAccounts(t, `[
		{"name": "b1", "priority": 2, "sessions": {"send_text": "b1_text"}},
		{"name": "main", "priority": 1, "sessions": {"send_text": "main_text", "create_chat": "main_create"}},
		{"name": "b2", "priority": 3, "sessions": {"send_media": "b2_media"}}
	]`)

	var warnings []string
	accounts, err := config.LoadAccounts(path, 100, "shared-hash", &warnings)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	require.Equal(t, "main", accounts[0].Name)
	require.Equal(t, "b1", accounts[1].Name)
	require.Equal(t, "b2", accounts[2].Name)

	// Общие api_id/api_hash наследуются.
	require.Equal(t, 100, accounts[0].APIID)
	require.Equal(t, "shared-hash", accounts[0].APIHash)
}

func TestLoadAccountsSessionIsolation(t *testing.T) {
	t.Parallel()

	// Один файл сессии не может обслуживать два моста: библиотека держит
	// на нём эксклюзивную блокировку.
	path := writeAccounts(t, `[
		{"name": "a", "priority": 1, "sessions": {"send_text": "shared"}},
		{"name": "b", "priority": 2, "sessions": {"send_media": "shared"}}
	]`)

	var warnings []string
	_, err := config.LoadAccounts(path, 1, "h", &warnings)
	require.Error(t, err)
	require.Contains(t, err.Error(), "shared")
}

func TestLoadAccountsSkipsUnusable(t *testing.T) {
	t.Parallel()

	path := writeAccounts(t, `[
		{"name": "ok", "priority": 1, "sessions": {"send_text": "ok_text", "bogus_service": "x"}},
		{"name": "empty", "priority": 2, "sessions": {}}
	]`)

	var warnings []string
	accounts, err := config.LoadAccounts(path, 1, "h", &warnings)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, "ok", accounts[0].Name)
	// Неизвестный сервис отброшен, но аккаунт остался.
	require.Len(t, accounts[0].Sessions, 1)
	require.NotEmpty(t, warnings)
}

func TestLoadAccountsRejectsMissingCredentials(t *testing.T) {
	t.Parallel()

	path := writeAccounts(t, `[
		{"name": "a", "priority": 1, "sessions": {"send_text": "s"}}
	]`)

	var warnings []string
	_, err := config.LoadAccounts(path, 0, "", &warnings)
	require.Error(t, err)
}

func TestLoadAccountsRejectsDuplicates(t *testing.T) {
	t.Parallel()

	path := writeAccounts(t, `[
		{"name": "a", "priority": 1, "sessions": {"send_text": "s1"}},
		{"name": "a", "priority": 2, "sessions": {"send_media": "s2"}}
	]`)

	var warnings []string
	_, err := config.LoadAccounts(path, 1, "h", &warnings)
	require.Error(t, err)
}

func TestSessionPath(t *testing.T) {
	t.Parallel()

	acc := config.Account{
		Name:     "a",
		Sessions: map[config.Service]string{config.ServiceSendText: "a_text"},
	}
	path, ok := acc.SessionPath("data/sessions", config.ServiceSendText)
	require.True(t, ok)
	require.Equal(t, filepath.Join("data", "sessions", "a_text.session"), path)

	_, ok = acc.SessionPath("data/sessions", config.ServiceSendMedia)
	require.False(t, ok)
}

func TestServicePortsFixed(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5021, config.ServicePorts[config.ServiceCreateChat])
	require.Equal(t, 5022, config.ServicePorts[config.ServiceSendText])
	require.Equal(t, 5023, config.ServicePorts[config.ServiceSendMedia])
	require.Equal(t, 5024, config.ServicePorts[config.ServiceLeaveChat])
	require.Equal(t, 5099, config.DashboardPort)
}
