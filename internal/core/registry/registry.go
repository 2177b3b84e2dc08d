// Пакет registry — durable-реестр привязки чатов к аккаунтам поверх SQLite.
//
// Таблицы:
//
//	chat_assignments — chat_id → account_name (+ title, invite_link, status)
//	operations_log   — журнал всех операций
//	failover_log     — журнал переключений аккаунтов
//	failed_requests  — неудачные запросы для повторного выполнения
//
// Конкурентность: к реестру обращаются обработчики всех сервисов и фоновые
// задачи. database/sql выдаёт каждому вызову соединение из пула; PRAGMA
// journal_mode=WAL и busy_timeout=5000 в DSN сериализуют писателей, не
// блокируя читателей.
package registry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mtproto-gateway/internal/infra/logger"
	"mtproto-gateway/internal/infra/storage"
)

// Статусы привязки чата.
const (
	StatusActive = "active"
	StatusLeft   = "left"
)

// Статусы неудачного запроса.
const (
	FailedPending = "pending"
	FailedRetried = "retried"
)

// Направления неудачного запроса.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// titlesChunkSize ограничивает размер IN-списка: у SQLite лимит на число
// параметров запроса.
const titlesChunkSize = 500

// Registry — потокобезопасный реестр поверх одного файла SQLite.
type Registry struct {
	db *sql.DB
}

// Assignment — строка chat_assignments.
type Assignment struct {
	ChatID      string  `json:"chat_id"`
	AccountName string  `json:"account_name"`
	Title       string  `json:"title"`
	InviteLink  string  `json:"invite_link"`
	CreatedAt   float64 `json:"created_at"`
	Status      string  `json:"status"`
}

// Operation — строка operations_log.
type Operation struct {
	ID          int64   `json:"id"`
	TS          float64 `json:"ts"`
	AccountName string  `json:"account_name"`
	ChatID      string  `json:"chat_id"`
	Operation   string  `json:"operation"`
	Status      string  `json:"status"`
	Detail      string  `json:"detail"`
}

// Failover — строка failover_log.
type Failover struct {
	ID          int64   `json:"id"`
	TS          float64 `json:"ts"`
	ChatID      string  `json:"chat_id"`
	FromAccount string  `json:"from_account"`
	ToAccount   string  `json:"to_account"`
	Reason      string  `json:"reason"`
}

// FailedRequest — строка failed_requests.
type FailedRequest struct {
	ID             int64   `json:"id"`
	TS             float64 `json:"ts"`
	Service        string  `json:"service"`
	Direction      string  `json:"direction"`
	Endpoint       string  `json:"endpoint"`
	RequestPayload string  `json:"request_payload"`
	Error          string  `json:"error"`
	Status         string  `json:"status"`
	RetryCount     int     `json:"retry_count"`
	LastRetryTS    float64 `json:"last_retry_ts"`
	LastRetryError string  `json:"last_retry_error"`
}

// Stats — агрегированная сводка для дашборда.
type Stats struct {
	ActiveChats     int `json:"active_chats"`
	TotalOperations int `json:"total_operations"`
	TotalErrors     int `json:"total_errors"`
	TotalFailovers  int `json:"total_failovers"`
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_assignments (
    chat_id       TEXT PRIMARY KEY,
    account_name  TEXT NOT NULL,
    title         TEXT DEFAULT '',
    invite_link   TEXT DEFAULT '',
    created_at    REAL NOT NULL,
    status        TEXT DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS operations_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    ts            REAL NOT NULL,
    account_name  TEXT NOT NULL,
    chat_id       TEXT DEFAULT '',
    operation     TEXT NOT NULL,
    status        TEXT NOT NULL,
    detail        TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS failover_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    ts            REAL NOT NULL,
    chat_id       TEXT DEFAULT '',
    from_account  TEXT NOT NULL,
    to_account    TEXT NOT NULL,
    reason        TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS failed_requests (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    ts               REAL NOT NULL,
    service          TEXT NOT NULL,
    direction        TEXT NOT NULL DEFAULT 'inbound',
    endpoint         TEXT DEFAULT '',
    request_payload  TEXT NOT NULL DEFAULT '{}',
    error            TEXT DEFAULT '',
    status           TEXT DEFAULT 'pending',
    retry_count      INTEGER DEFAULT 0,
    last_retry_ts    REAL DEFAULT 0,
    last_retry_error TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ops_ts ON operations_log(ts);
CREATE INDEX IF NOT EXISTS idx_ops_chat ON operations_log(chat_id);
CREATE INDEX IF NOT EXISTS idx_ops_account ON operations_log(account_name);
CREATE INDEX IF NOT EXISTS idx_fo_ts ON failover_log(ts);
CREATE INDEX IF NOT EXISTS idx_assign_account ON chat_assignments(account_name);
CREATE INDEX IF NOT EXISTS idx_failed_ts ON failed_requests(ts);
CREATE INDEX IF NOT EXISTS idx_failed_status ON failed_requests(status);
`

// Open открывает (и при необходимости создаёт) реестр по указанному пути.
func Open(path string) (*Registry, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db %s: %w", path, err)
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close закрывает пул соединений.
func (r *Registry) Close() error {
	return r.db.Close()
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// === Привязки чатов ==========================================================

// Assign создаёт или заменяет активную привязку чата к аккаунту.
func (r *Registry) Assign(chatID, accountName, title, inviteLink string) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO chat_assignments
		 (chat_id, account_name, title, invite_link, created_at, status)
		 VALUES (?, ?, ?, ?, ?, 'active')`,
		chatID, accountName, title, inviteLink, now(),
	)
	if err != nil {
		return fmt.Errorf("assign chat %s: %w", chatID, err)
	}
	logger.Infof("Assigned chat %s -> account %s", chatID, accountName)
	return nil
}

// AssignIfNotExists вставляет привязку, только если строки ещё нет.
// Возвращает true, если строка была добавлена. Используется синхронизацией
// кэша диалогов с реестром.
func (r *Registry) AssignIfNotExists(chatID, accountName, title string, createdAt float64) (bool, error) {
	if createdAt == 0 {
		createdAt = now()
	}
	res, err := r.db.Exec(
		`INSERT OR IGNORE INTO chat_assignments
		 (chat_id, account_name, title, invite_link, created_at, status)
		 VALUES (?, ?, ?, '', ?, 'active')`,
		chatID, accountName, title, createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("assign-if-not-exists chat %s: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetAccount возвращает имя аккаунта активной привязки или "" при отсутствии.
func (r *Registry) GetAccount(chatID string) (string, error) {
	var account string
	err := r.db.QueryRow(
		`SELECT account_name FROM chat_assignments WHERE chat_id = ? AND status = 'active'`,
		chatID,
	).Scan(&account)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get account for chat %s: %w", chatID, err)
	}
	return account, nil
}

// UpdateAccount атомарно переназначает чат другому аккаунту (failover).
func (r *Registry) UpdateAccount(chatID, newAccount string) error {
	_, err := r.db.Exec(
		`UPDATE chat_assignments SET account_name = ? WHERE chat_id = ?`,
		newAccount, chatID,
	)
	if err != nil {
		return fmt.Errorf("update account for chat %s: %w", chatID, err)
	}
	return nil
}

// MarkLeft переводит привязку в терминальный статус left. Идемпотентна.
func (r *Registry) MarkLeft(chatID string) error {
	_, err := r.db.Exec(
		`UPDATE chat_assignments SET status = 'left' WHERE chat_id = ?`,
		chatID,
	)
	if err != nil {
		return fmt.Errorf("mark left chat %s: %w", chatID, err)
	}
	return nil
}

// IsLeft — предикат для guard'а на пути отправки: true, если чат покинут.
func (r *Registry) IsLeft(chatID string) (bool, error) {
	var status string
	err := r.db.QueryRow(
		`SELECT status FROM chat_assignments WHERE chat_id = ?`, chatID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is-left chat %s: %w", chatID, err)
	}
	return status == StatusLeft, nil
}

// GetAccountChatCounts возвращает число активных чатов на каждый аккаунт.
// Используется балансировщиком пула.
func (r *Registry) GetAccountChatCounts() (map[string]int, error) {
	rows, err := r.db.Query(
		`SELECT account_name, COUNT(*) FROM chat_assignments
		 WHERE status = 'active' GROUP BY account_name`)
	if err != nil {
		return nil, fmt.Errorf("account chat counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var cnt int
		if err = rows.Scan(&name, &cnt); err != nil {
			return nil, err
		}
		counts[name] = cnt
	}
	return counts, rows.Err()
}

// GetChatTitles возвращает маппинг chat_id → title. При непустом chatIDs —
// только для перечисленных чатов; IN-список разбивается на чанки по
// titlesChunkSize из-за лимита параметров запроса.
func (r *Registry) GetChatTitles(chatIDs []string) (map[string]string, error) {
	result := make(map[string]string)

	if len(chatIDs) == 0 {
		rows, err := r.db.Query(
			`SELECT chat_id, title FROM chat_assignments WHERE title != ''`)
		if err != nil {
			return nil, fmt.Errorf("chat titles: %w", err)
		}
		defer rows.Close()
		if err = scanTitles(rows, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	for i := 0; i < len(chatIDs); i += titlesChunkSize {
		chunk := chatIDs[i:min(i+titlesChunkSize, len(chatIDs))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for j, id := range chunk {
			args[j] = id
		}
		rows, err := r.db.Query(
			`SELECT chat_id, title FROM chat_assignments
			 WHERE title != '' AND chat_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("chat titles chunk: %w", err)
		}
		if err = scanTitles(rows, result); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return result, nil
}

func scanTitles(rows *sql.Rows, into map[string]string) error {
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return err
		}
		into[id] = title
	}
	return rows.Err()
}

// GetAllAssignments возвращает последние limit привязок (для дашборда).
func (r *Registry) GetAllAssignments(limit int) ([]Assignment, error) {
	rows, err := r.db.Query(
		`SELECT chat_id, account_name, title, invite_link, created_at, status
		 FROM chat_assignments ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("all assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err = rows.Scan(&a.ChatID, &a.AccountName, &a.Title, &a.InviteLink, &a.CreatedAt, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetActiveCount возвращает число активных привязок.
func (r *Registry) GetActiveCount() (int, error) {
	var cnt int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM chat_assignments WHERE status = 'active'`).Scan(&cnt)
	return cnt, err
}

// === Журнал операций =========================================================

// LogOperation добавляет запись в журнал операций.
func (r *Registry) LogOperation(accountName, chatID, operation, status, detail string) error {
	_, err := r.db.Exec(
		`INSERT INTO operations_log (ts, account_name, chat_id, operation, status, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		now(), accountName, chatID, operation, status, detail,
	)
	if err != nil {
		return fmt.Errorf("log operation: %w", err)
	}
	return nil
}

// GetRecentOperations возвращает последние limit операций.
func (r *Registry) GetRecentOperations(limit int) ([]Operation, error) {
	rows, err := r.db.Query(
		`SELECT id, ts, account_name, chat_id, operation, status, detail
		 FROM operations_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		if err = rows.Scan(&op.ID, &op.TS, &op.AccountName, &op.ChatID, &op.Operation, &op.Status, &op.Detail); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// CountOperations возвращает число записей журнала операций (для тестов и статистики).
func (r *Registry) CountOperations() (int, error) {
	var cnt int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM operations_log`).Scan(&cnt)
	return cnt, err
}

// GetLastActiveTimes возвращает время последней успешной операции по аккаунтам.
func (r *Registry) GetLastActiveTimes() (map[string]float64, error) {
	rows, err := r.db.Query(
		`SELECT account_name, MAX(ts) FROM operations_log
		 WHERE status = 'ok' GROUP BY account_name`)
	if err != nil {
		return nil, fmt.Errorf("last active times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var ts float64
		if err = rows.Scan(&name, &ts); err != nil {
			return nil, err
		}
		out[name] = ts
	}
	return out, rows.Err()
}

// === Журнал failover =========================================================

// LogFailover добавляет запись о переключении чата на другой аккаунт.
func (r *Registry) LogFailover(chatID, fromAccount, toAccount, reason string) error {
	_, err := r.db.Exec(
		`INSERT INTO failover_log (ts, chat_id, from_account, to_account, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		now(), chatID, fromAccount, toAccount, reason,
	)
	if err != nil {
		return fmt.Errorf("log failover: %w", err)
	}
	logger.Warnf("FAILOVER chat %s: %s -> %s (reason: %s)", chatID, fromAccount, toAccount, reason)
	return nil
}

// GetFailoverLog возвращает последние limit переключений.
func (r *Registry) GetFailoverLog(limit int) ([]Failover, error) {
	rows, err := r.db.Query(
		`SELECT id, ts, chat_id, from_account, to_account, reason
		 FROM failover_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failover log: %w", err)
	}
	defer rows.Close()

	var out []Failover
	for rows.Next() {
		var f Failover
		if err = rows.Scan(&f.ID, &f.TS, &f.ChatID, &f.FromAccount, &f.ToAccount, &f.Reason); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// === Статистика ==============================================================

// GetStats возвращает агрегированную сводку для дашборда.
func (r *Registry) GetStats() (Stats, error) {
	var s Stats
	if err := r.db.QueryRow(
		`SELECT COUNT(*) FROM chat_assignments WHERE status='active'`).Scan(&s.ActiveChats); err != nil {
		return s, err
	}
	if err := r.db.QueryRow(
		`SELECT COUNT(*) FROM operations_log`).Scan(&s.TotalOperations); err != nil {
		return s, err
	}
	if err := r.db.QueryRow(
		`SELECT COUNT(*) FROM operations_log WHERE status='error'`).Scan(&s.TotalErrors); err != nil {
		return s, err
	}
	if err := r.db.QueryRow(
		`SELECT COUNT(*) FROM failover_log`).Scan(&s.TotalFailovers); err != nil {
		return s, err
	}
	return s, nil
}

// === Неудачные запросы =======================================================

// SaveFailedRequest сохраняет неудачный запрос для последующего повтора.
// payload хранится как JSON-текст в том виде, в каком пришёл запрос.
func (r *Registry) SaveFailedRequest(service, direction, endpoint, payload, errText string) error {
	_, err := r.db.Exec(
		`INSERT INTO failed_requests (ts, service, direction, endpoint, request_payload, error, status)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		now(), service, direction, endpoint, payload, errText,
	)
	if err != nil {
		return fmt.Errorf("save failed request: %w", err)
	}
	return nil
}

// GetFailedRequests возвращает последние limit неудачных запросов.
func (r *Registry) GetFailedRequests(limit int) ([]FailedRequest, error) {
	rows, err := r.db.Query(
		`SELECT id, ts, service, direction, endpoint, request_payload, error,
		        status, retry_count, last_retry_ts, last_retry_error
		 FROM failed_requests ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed requests: %w", err)
	}
	defer rows.Close()

	var out []FailedRequest
	for rows.Next() {
		var fr FailedRequest
		if err = rows.Scan(&fr.ID, &fr.TS, &fr.Service, &fr.Direction, &fr.Endpoint,
			&fr.RequestPayload, &fr.Error, &fr.Status, &fr.RetryCount,
			&fr.LastRetryTS, &fr.LastRetryError); err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

// GetFailedRequestByID возвращает неудачный запрос по id или nil.
func (r *Registry) GetFailedRequestByID(id int64) (*FailedRequest, error) {
	var fr FailedRequest
	err := r.db.QueryRow(
		`SELECT id, ts, service, direction, endpoint, request_payload, error,
		        status, retry_count, last_retry_ts, last_retry_error
		 FROM failed_requests WHERE id = ?`, id).
		Scan(&fr.ID, &fr.TS, &fr.Service, &fr.Direction, &fr.Endpoint,
			&fr.RequestPayload, &fr.Error, &fr.Status, &fr.RetryCount,
			&fr.LastRetryTS, &fr.LastRetryError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed request %d: %w", id, err)
	}
	return &fr, nil
}

// UpdateFailedRequest фиксирует исход повторной попытки.
func (r *Registry) UpdateFailedRequest(id int64, status, lastRetryError string) error {
	_, err := r.db.Exec(
		`UPDATE failed_requests
		 SET status = ?, retry_count = retry_count + 1, last_retry_ts = ?, last_retry_error = ?
		 WHERE id = ?`,
		status, now(), lastRetryError, id,
	)
	if err != nil {
		return fmt.Errorf("update failed request %d: %w", id, err)
	}
	return nil
}

// DeleteFailedRequest удаляет запись по решению администратора.
func (r *Registry) DeleteFailedRequest(id int64) error {
	_, err := r.db.Exec(`DELETE FROM failed_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete failed request %d: %w", id, err)
	}
	return nil
}

// GetFailedRequestsCount возвращает число записей в статусе pending.
func (r *Registry) GetFailedRequestsCount() (int, error) {
	var cnt int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM failed_requests WHERE status = 'pending'`).Scan(&cnt)
	return cnt, err
}

// === Очистка =================================================================

// CleanupOldLogs удаляет записи старше days суток из журналов операций и
// failover, а также неудачные запросы не в статусе pending.
func (r *Registry) CleanupOldLogs(days int) error {
	cutoff := now() - float64(days)*86400
	if _, err := r.db.Exec(`DELETE FROM operations_log WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("cleanup operations_log: %w", err)
	}
	if _, err := r.db.Exec(`DELETE FROM failover_log WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("cleanup failover_log: %w", err)
	}
	if _, err := r.db.Exec(
		`DELETE FROM failed_requests WHERE status != 'pending' AND ts < ?`, cutoff); err != nil {
		return fmt.Errorf("cleanup failed_requests: %w", err)
	}
	return nil
}
