package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"
)

// dataSchema — реестр аккаунтов. phone либо настоящий номер, либо плейсхолдер
// вида "user:<id>" до первого успешного входа; дубликаты по user_id схлопывает
// supervisor при подключении.
var dataSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		phone        TEXT NOT NULL,
		user_id      INTEGER,
		name         TEXT,
		username     TEXT,
		label        TEXT,
		session_data BLOB,
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(is_active);`,
}

// cacheSchema — зеркало сообщений и всё состояние синхронизации.
// Метки времени демона — unix-миллисекунды; date/edit_date — секунды провода.
var cacheSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages_cache (
		chat_id         INTEGER NOT NULL,
		message_id      INTEGER NOT NULL,
		from_id         INTEGER,
		reply_to_id     INTEGER,
		forward_from_id INTEGER,
		text            TEXT,
		message_type    TEXT NOT NULL DEFAULT 'unknown',
		has_media       INTEGER NOT NULL DEFAULT 0,
		is_outgoing     INTEGER NOT NULL DEFAULT 0,
		is_edited       INTEGER NOT NULL DEFAULT 0,
		is_pinned       INTEGER NOT NULL DEFAULT 0,
		is_deleted      INTEGER NOT NULL DEFAULT 0,
		edit_date       INTEGER,
		date            INTEGER NOT NULL,
		fetched_at      INTEGER NOT NULL,
		raw_json        TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		PRIMARY KEY (chat_id, message_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_date ON messages_cache(chat_id, date DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_fetched_at ON messages_cache(fetched_at);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages_cache(message_id);`,

	`CREATE TABLE IF NOT EXISTS chat_sync_state (
		chat_id            INTEGER PRIMARY KEY,
		chat_type          TEXT NOT NULL,
		member_count       INTEGER,
		forward_cursor     INTEGER,
		backward_cursor    INTEGER,
		sync_priority      INTEGER NOT NULL DEFAULT 2,
		sync_enabled       INTEGER NOT NULL DEFAULT 1,
		history_complete   INTEGER NOT NULL DEFAULT 0,
		synced_messages    INTEGER NOT NULL DEFAULT 0,
		last_forward_sync  INTEGER,
		last_backward_sync INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sync_enabled
		ON chat_sync_state(sync_enabled, sync_priority) WHERE sync_enabled = 1;`,

	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id          INTEGER NOT NULL,
		job_type         TEXT NOT NULL,
		priority         INTEGER NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		cursor_start     INTEGER,
		cursor_end       INTEGER,
		messages_fetched INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT,
		created_at       INTEGER NOT NULL,
		started_at       INTEGER,
		completed_at     INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pending
		ON sync_jobs(priority, created_at) WHERE status = 'pending';`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_chat_status ON sync_jobs(chat_id, status);`,

	`CREATE TABLE IF NOT EXISTS daemon_status (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		method           TEXT NOT NULL,
		window_start     INTEGER NOT NULL,
		call_count       INTEGER NOT NULL DEFAULT 0,
		last_call_at     INTEGER,
		flood_wait_until INTEGER,
		PRIMARY KEY (method, window_start)
	);`,

	`CREATE TABLE IF NOT EXISTS api_activity (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		account_id  INTEGER,
		method      TEXT NOT NULL,
		success     INTEGER NOT NULL,
		error_code  TEXT,
		response_ms INTEGER,
		context     TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activity_ts ON api_activity(ts);`,

	`CREATE TABLE IF NOT EXISTS users_cache (
		user_id     INTEGER PRIMARY KEY,
		access_hash INTEGER,
		first_name  TEXT,
		last_name   TEXT,
		username    TEXT,
		phone       TEXT,
		is_bot      INTEGER NOT NULL DEFAULT 0,
		is_contact  INTEGER NOT NULL DEFAULT 0,
		raw_json    TEXT,
		fetched_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_users_username ON users_cache(username);`,
	`CREATE INDEX IF NOT EXISTS idx_users_phone ON users_cache(phone);`,

	`CREATE TABLE IF NOT EXISTS chats_cache (
		chat_id      INTEGER PRIMARY KEY,
		chat_type    TEXT NOT NULL,
		title        TEXT,
		username     TEXT,
		access_hash  INTEGER,
		member_count INTEGER,
		raw_json     TEXT,
		fetched_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chats_username ON chats_cache(username);`,
}

// applySchema выполняет список DDL-запросов. Ошибки "duplicate column" от
// аддитивных ALTER TABLE игнорируются: так старые базы догоняют схему.
func applySchema(ctx context.Context, db *sql.DB, queries []string) error {
	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return errors.Wrapf(err, "apply schema statement %q", firstLine(query))
		}
	}
	return nil
}

// firstLine обрезает DDL до первой строки для компактных сообщений об ошибках.
func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i > 0 {
		return q[:i]
	}
	return q
}
