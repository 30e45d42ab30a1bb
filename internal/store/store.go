// Пакет store — слой персистентности демона поверх двух встраиваемых SQLite-баз:
//  1. data.db — реестр аккаунтов (учётки, сессии, метаданные входа),
//  2. cache.db — зеркало сообщений, состояние синхронизации чатов, очередь
//     джоб, окна rate-limit, журнал API-вызовов и кеши пиров.
//
// Базы открываются в WAL-режиме, чтобы realtime-обработчики и цикл демона
// могли писать конкурентно. Доступ — сырой database/sql поверх mattn/go-sqlite3,
// типизированные сервисы (JobService, MessageService и т. д.) инкапсулируют SQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/mattn/go-sqlite3"
)

// Store агрегирует соединения и типизированные сервисы. Создаётся один раз на
// процесс; сервисы разделяют соединения и общий источник времени.
type Store struct {
	data  *sql.DB
	cache *sql.DB

	// clock подменяется в тестах, чтобы фиксировать created_at/updated_at.
	clock func() time.Time

	Accounts   *AccountService
	Messages   *MessageService
	ChatSync   *ChatSyncService
	Jobs       *JobService
	RateLimits *RateLimitService
	Status     *StatusService
	Peers      *PeerCacheService
}

// Open открывает обе базы и собирает сервисы. Схема не создаётся здесь:
// вызов Init обязателен до первого обращения.
func Open(dataPath, cachePath string) (*Store, error) {
	data, err := openSQLite(dataPath)
	if err != nil {
		return nil, errors.Wrap(err, "open data db")
	}
	cache, err := openSQLite(cachePath)
	if err != nil {
		_ = data.Close()
		return nil, errors.Wrap(err, "open cache db")
	}

	s := &Store{
		data:  data,
		cache: cache,
		clock: time.Now,
	}
	s.Accounts = &AccountService{db: data, now: s.nowMS}
	s.Messages = &MessageService{db: cache, now: s.nowMS}
	s.ChatSync = &ChatSyncService{db: cache, now: s.nowMS}
	s.Jobs = &JobService{db: cache, now: s.nowMS}
	s.RateLimits = &RateLimitService{db: cache, now: s.nowMS}
	s.Status = &StatusService{db: cache, now: s.nowMS}
	s.Peers = &PeerCacheService{db: cache, now: s.nowMS}
	return s, nil
}

// openSQLite открывает файл SQLite в WAL-режиме. busy_timeout сглаживает
// конкуренцию писателей (цикл демона и realtime-обработчики), foreign_keys
// включён на будущее: сейчас схема без внешних ключей.
func openSQLite(path string) (*sql.DB, error) {
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// WithClock подменяет источник времени. Используется тестами; вызывать до
// начала работы с сервисами.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// nowMS возвращает текущее время в миллисекундах unix. Все собственные метки
// времени демона хранятся в этом формате; секунды остаются только у полей,
// пришедших с провода (date, edit_date).
func (s *Store) nowMS() int64 {
	return s.clock().UnixMilli()
}

// Init создаёт схему обеих баз. Идемпотентен: CREATE IF NOT EXISTS плюс
// аддитивные ALTER TABLE, ошибки "duplicate column" игнорируются, так что
// старые базы дозревают до текущей схемы без отдельного мигратора.
func (s *Store) Init(ctx context.Context) error {
	if err := applySchema(ctx, s.data, dataSchema); err != nil {
		return errors.Wrap(err, "init data schema")
	}
	if err := applySchema(ctx, s.cache, cacheSchema); err != nil {
		return errors.Wrap(err, "init cache schema")
	}
	return nil
}

// Close закрывает оба соединения. Ошибки объединяются: демон на выходе должен
// увидеть любую из них.
func (s *Store) Close() error {
	errData := s.data.Close()
	errCache := s.cache.Close()
	if errData != nil {
		return errors.Wrap(errData, "close data db")
	}
	if errCache != nil {
		return errors.Wrap(errCache, "close cache db")
	}
	return nil
}
