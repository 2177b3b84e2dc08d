// Пакет config отвечает за сбор и предоставление конфигурации шлюза.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. загружает статическую таблицу аккаунтов из JSON-файла (accounts.json),
//  3. нормализует и валидирует входные значения,
//  4. предоставляет доступ к результатам через singleton.
//
// Бизнес-контекст: шлюз мультиплексирует операции по пулу пользовательских
// Telegram-аккаунтов. Таблица аккаунтов описывает учётные данные, приоритет
// и имена файлов сессий на каждый сервис; окружение управляет подключением
// к Telegram API, реестром, колбэками CRM и логированием.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Service — закрытое перечисление сервисных ролей шлюза.
type Service string

const (
	ServiceCreateChat Service = "create_chat"
	ServiceSendText   Service = "send_text"
	ServiceSendMedia  Service = "send_media"
	ServiceLeaveChat  Service = "leave_chat"
)

// Services перечисляет все сервисные роли в порядке портов.
var Services = []Service{ServiceCreateChat, ServiceSendText, ServiceSendMedia, ServiceLeaveChat}

// ServicePorts — фиксированная привязка сервисов к портам HTTP-поверхности.
var ServicePorts = map[Service]int{
	ServiceCreateChat: 5021,
	ServiceSendText:   5022,
	ServiceSendMedia:  5023,
	ServiceLeaveChat:  5024,
}

// DashboardPort — порт админ-дашборда.
const DashboardPort = 5099

// Account — статическое описание одного пользовательского аккаунта.
// Каждому сервису соответствует собственный файл сессии: MTProto-библиотека
// держит на файле сессии эксклюзивную блокировку, поэтому один аккаунт ×
// один сервис × одна сессия.
type Account struct {
	Name     string             `json:"name"`
	APIID    int                `json:"api_id"`
	APIHash  string             `json:"api_hash"`
	Phone    string             `json:"phone"`
	Username string             `json:"username"`
	Priority int                `json:"priority"`
	Sessions map[Service]string `json:"sessions"`
}

// SessionFile возвращает имя файла сессии аккаунта для сервиса.
func (a Account) SessionFile(svc Service) (string, bool) {
	name, ok := a.Sessions[svc]
	return name, ok && strings.TrimSpace(name) != ""
}

// SessionPath возвращает путь к файлу сессии внутри каталога dir.
func (a Account) SessionPath(dir string, svc Service) (string, bool) {
	name, ok := a.SessionFile(svc)
	if !ok {
		return "", false
	}
	return filepath.Join(dir, name+".session"), true
}

// EnvConfig описывает параметры, приходящие из окружения (.env).
type EnvConfig struct {
	APIID            int    // TG_API_ID: общий api_id (fallback для аккаунтов без собственного)
	APIHash          string // TG_API_HASH
	RegistryDB       string // REGISTRY_DB: путь к файлу реестра
	PeersSnapshotDB  string // PEERS_SNAPSHOT_DB: bbolt-файл снимков кэша диалогов
	SessionsDir      string // SESSIONS_DIR: каталог файлов сессий
	AccountsFile     string // ACCOUNTS_FILE: JSON-таблица аккаунтов
	MonitorUser      string // MONITOR_USER: basic-auth логин дашборда
	MonitorPass      string // MONITOR_PASS
	LogLevel         string // LOG_LEVEL
	LogFile          string // LOG_FILE: опциональный файл логов с ротацией
	BotToken         string // BOT_TOKEN: Bot API fallback (пусто = выключен)
	SalebotURL       string // SALEBOT_CALLBACK_URL: колбэк CRM после create_chat
	SalebotGroupID   string // SALEBOT_GROUP_ID
	ObserverUsername string // AMO_OBSERVER_USERNAME: наблюдатель для чатов backup-аккаунтов
	TestDC           bool   // TEST_DC: тестовый DC Telegram
}

// Config объединяет окружение и таблицу аккаунтов.
type Config struct {
	Env      EnvConfig
	Accounts []Account // отсортированы по приоритету (1 = основной)
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию.
const (
	defaultRegistryDB      = "chat_registry.db"
	defaultPeersSnapshotDB = "data/dialog_snapshots.bbolt"
	defaultSessionsDir     = "data/sessions"
	defaultAccountsFile    = "assets/accounts.json"
	defaultMonitorUser     = "admin"
	defaultLogLevel        = "info"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации.
// Повторный вызов запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var warnings []string

	apiID := parseIntDefault("TG_API_ID", 0, nonNegative, &warnings)
	apiHash := strings.TrimSpace(os.Getenv("TG_API_HASH"))

	env := EnvConfig{
		APIID:            apiID,
		APIHash:          apiHash,
		RegistryDB:       stringDefault("REGISTRY_DB", defaultRegistryDB, &warnings),
		PeersSnapshotDB:  stringDefault("PEERS_SNAPSHOT_DB", defaultPeersSnapshotDB, &warnings),
		SessionsDir:      stringDefault("SESSIONS_DIR", defaultSessionsDir, &warnings),
		AccountsFile:     stringDefault("ACCOUNTS_FILE", defaultAccountsFile, &warnings),
		MonitorUser:      stringDefault("MONITOR_USER", defaultMonitorUser, &warnings),
		MonitorPass:      strings.TrimSpace(os.Getenv("MONITOR_PASS")),
		LogLevel:         sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings),
		LogFile:          strings.TrimSpace(os.Getenv("LOG_FILE")),
		BotToken:         strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		SalebotURL:       strings.TrimSpace(os.Getenv("SALEBOT_CALLBACK_URL")),
		SalebotGroupID:   strings.TrimSpace(os.Getenv("SALEBOT_GROUP_ID")),
		ObserverUsername: strings.TrimPrefix(strings.TrimSpace(os.Getenv("AMO_OBSERVER_USERNAME")), "@"),
		TestDC:           strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),
	}

	if env.MonitorPass == "" {
		appendWarningf(&warnings, "env MONITOR_PASS is not set; dashboard accepts MONITOR_USER with an empty password")
	}

	accounts, err := LoadAccounts(env.AccountsFile, env.APIID, env.APIHash, &warnings)
	if err != nil {
		return nil, err
	}

	return &Config{Env: env, Accounts: accounts, warnings: warnings}, nil
}

// LoadAccounts читает и валидирует таблицу аккаунтов из JSON-файла.
// Аккаунты без собственных api_id/api_hash наследуют общие значения;
// аккаунт, у которого нет ни одной сессии, отбрасывается с предупреждением.
// Результат отсортирован по приоритету по возрастанию (1 = основной).
func LoadAccounts(path string, fallbackAPIID int, fallbackAPIHash string, warnings *[]string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file %s: %w", path, err)
	}

	var raw []Account
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("accounts file %s is empty", path)
	}

	seenNames := make(map[string]struct{}, len(raw))
	seenSessions := make(map[string]string)
	accounts := make([]Account, 0, len(raw))

	for _, acc := range raw {
		acc.Name = strings.TrimSpace(acc.Name)
		if acc.Name == "" {
			return nil, errors.New("account with empty name in accounts file")
		}
		if _, dup := seenNames[acc.Name]; dup {
			return nil, fmt.Errorf("duplicate account name %q", acc.Name)
		}
		seenNames[acc.Name] = struct{}{}

		if acc.APIID == 0 {
			acc.APIID = fallbackAPIID
		}
		if acc.APIHash == "" {
			acc.APIHash = fallbackAPIHash
		}
		if acc.APIID == 0 || acc.APIHash == "" {
			return nil, fmt.Errorf("account %q has no api_id/api_hash and no TG_API_ID/TG_API_HASH fallback", acc.Name)
		}
		if acc.Priority <= 0 {
			appendWarningf(warnings, "account %q has priority %d; forcing to 100 (backup)", acc.Name, acc.Priority)
			acc.Priority = 100
		}

		kept := make(map[Service]string, len(acc.Sessions))
		for svc, session := range acc.Sessions {
			session = strings.TrimSpace(session)
			if session == "" {
				continue
			}
			if !validService(svc) {
				appendWarningf(warnings, "account %q: unknown service %q in sessions; skipped", acc.Name, svc)
				continue
			}
			// Сессия не делится между мостами: библиотека держит эксклюзивную
			// блокировку на файле.
			if owner, dup := seenSessions[session]; dup {
				return nil, fmt.Errorf("session %q is shared between %s and %s:%s", session, owner, acc.Name, svc)
			}
			seenSessions[session] = acc.Name + ":" + string(svc)
			kept[svc] = session
		}
		if len(kept) == 0 {
			appendWarningf(warnings, "account %q has no usable sessions; skipped", acc.Name)
			continue
		}
		acc.Sessions = kept
		accounts = append(accounts, acc)
	}

	if len(accounts) == 0 {
		return nil, errors.New("no usable accounts after validation")
	}

	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].Priority < accounts[j].Priority
	})
	return accounts, nil
}

// MainAccount возвращает имя аккаунта с наивысшим приоритетом (priority=1).
// Используется балансировщиком create_chat и проверкой observer-инвайта.
func (c *Config) MainAccount() string {
	if len(c.Accounts) == 0 {
		return ""
	}
	return c.Accounts[0].Name
}

// Warnings возвращает накопленные предупреждения загрузки. Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// Accounts возвращает таблицу аккаунтов (копию среза, сами значения неизменяемы).
func Accounts() []Account {
	out := make([]Account, len(cfgInstance.Accounts))
	copy(out, cfgInstance.Accounts)
	return out
}

// MainAccountName возвращает имя основного аккаунта из singleton.
func MainAccountName() string {
	return cfgInstance.MainAccount()
}

// validService проверяет принадлежность строки закрытому перечислению сервисов.
func validService(s Service) bool {
	switch s {
	case ServiceCreateChat, ServiceSendText, ServiceSendMedia, ServiceLeaveChat:
		return true
	default:
		return false
	}
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// stringDefault возвращает значение переменной окружения или fallback.
func stringDefault(name, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// appendWarningf — накопление предупреждений о некорректных переменных окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func nonNegative(v int) bool { return v >= 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}
