// Package session — bbolt-хранилище MTProto-сессий, по одному файлу на аккаунт.
//
// Реализует tdsession.Storage для клиента gotd. Помимо bucket-а в bbolt
// хранилище дублирует байты сессии в реестр аккаунтов: файл session_<id>.db
// можно потерять или удалить, и при следующем старте LoadSession посеет
// сессию обратно из session_data реестра.
package session

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
	"go.etcd.io/bbolt"

	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/store"
)

var (
	sessionBucket = []byte("session")
	sessionKey    = []byte("data")
)

// Storage хранит сессию одного аккаунта в выделенном bbolt-файле.
// Потокобезопасно: gotd может дёргать Load/Store из разных горутин.
type Storage struct {
	db        *bbolt.DB
	accounts  *store.AccountService
	accountID int64
	onStore   func()
	mux       sync.Mutex
}

// Проверка соответствия интерфейсу gotd на этапе компиляции.
var _ tdsession.Storage = (*Storage)(nil)

// New создаёт хранилище поверх уже открытого bbolt. accounts может быть nil —
// тогда посев и резервная копия в реестр отключены (так работают тесты).
func New(db *bbolt.DB, accounts *store.AccountService, accountID int64) *Storage {
	return &Storage{
		db:        db,
		accounts:  accounts,
		accountID: accountID,
	}
}

// OnStore регистрирует уведомление об успешной записи сессии. Супервизор
// подставляет сюда отметку трекера соединения: раз gotd сериализовал сессию,
// значит авторизация живая.
func (s *Storage) OnStore(fn func()) *Storage {
	s.onStore = fn
	return s
}

// LoadSession отдаёт байты сессии. Пустой bucket — не ошибка: сначала пробуем
// посев из реестра и только потом отвечаем tdsession.ErrNotFound, по которому
// gotd начинает новую авторизацию.
func (s *Storage) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil {
		return nil, errors.New("load session from nil storage")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(sessionKey); len(v) > 0 {
			// Срез валиден только внутри транзакции — копируем.
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "read session bucket")
	}
	if len(data) > 0 {
		return data, nil
	}

	seed, err := s.registrySeed(ctx)
	if err != nil {
		return nil, err
	}
	if len(seed) == 0 {
		return nil, tdsession.ErrNotFound
	}
	logger.Debugf("session[%d]: seeded %d bytes from registry", s.accountID, len(seed))
	return seed, nil
}

// StoreSession пишет байты в bucket и дублирует их в реестр. Ошибка резервной
// копии не валит запись: авторитетная копия уже лежит в bbolt.
func (s *Storage) StoreSession(ctx context.Context, data []byte) error {
	if s == nil {
		return errors.New("store session to nil storage")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}
		return b.Put(sessionKey, data)
	}); err != nil {
		return errors.Wrap(err, "write session bucket")
	}

	if s.accounts != nil {
		if err := s.accounts.SaveSessionData(ctx, s.accountID, data); err != nil {
			logger.Warnf("session[%d]: registry backup failed: %v", s.accountID, err)
		}
	}

	if s.onStore != nil {
		s.onStore()
	}
	return nil
}

// registrySeed достаёт session_data из строки реестра. Отсутствие строки или
// пустое поле — просто нет посева.
func (s *Storage) registrySeed(ctx context.Context) ([]byte, error) {
	if s.accounts == nil {
		return nil, nil
	}
	acc, err := s.accounts.GetByID(ctx, s.accountID)
	if err != nil {
		return nil, errors.Wrap(err, "load registry seed")
	}
	if acc == nil {
		return nil, nil
	}
	return acc.SessionData, nil
}
