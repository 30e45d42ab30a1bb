package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"
)

// placeholderPhonePrefix — форма телефона-заглушки "user:<id>", которую реестр
// получает, когда аккаунт был добавлен по user_id без настоящего номера.
// Supervisor при подключении схлопывает дубликаты, оставляя строку с
// настоящим номером.
const placeholderPhonePrefix = "user:"

// HasRealPhone сообщает, хранит ли строка реестра настоящий номер телефона,
// а не заглушку "user:<id>".
func (a *Account) HasRealPhone() bool {
	return a.Phone != "" && !strings.HasPrefix(a.Phone, placeholderPhonePrefix)
}

// AccountService — типизированный доступ к реестру аккаунтов (data.db).
type AccountService struct {
	db  *sql.DB
	now func() int64
}

const accountColumns = `id, phone, user_id, name, username, label, session_data, is_active, created_at, updated_at`

// scanAccount читает одну строку реестра; NULL-поля превращаются в нулевые значения.
func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a        Account
		userID   sql.NullInt64
		name     sql.NullString
		username sql.NullString
		label    sql.NullString
		session  []byte
	)
	if err := row.Scan(&a.ID, &a.Phone, &userID, &name, &username, &label, &session,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.UserID = userID.Int64
	a.Name = name.String
	a.Username = username.String
	a.Label = label.String
	a.SessionData = session
	return &a, nil
}

// Create заводит строку реестра. Демон сам аккаунтов не создаёт — это вход
// для внешнего инструментария авторизации; phone может быть заглушкой
// "user:<id>", пока настоящий номер не известен.
func (s *AccountService) Create(ctx context.Context, phone, label string) (*Account, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (phone, label, is_active, created_at, updated_at) VALUES (?, ?, 1, ?, ?)`,
		phone, nullableStr(label), now, now)
	if err != nil {
		return nil, errors.Wrap(err, "create account")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "create account id")
	}
	return &Account{
		ID:        id,
		Phone:     phone,
		Label:     label,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ListActive возвращает все активные аккаунты реестра в порядке добавления.
// Именно этот список демон поднимает при старте.
func (s *AccountService) ListActive(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list active accounts")
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		a, scanErr := scanAccount(rows)
		if scanErr != nil {
			return nil, errors.Wrap(scanErr, "scan account")
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// GetByID возвращает строку реестра по первичному ключу; nil — если строки нет.
func (s *AccountService) GetByID(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get account by id")
	}
	return a, nil
}

// FindDuplicate ищет другую строку реестра с тем же user_id. Используется
// supervisor-ом после логина: два ряда на одного пользователя Telegram —
// кандидаты на слияние.
func (s *AccountService) FindDuplicate(ctx context.Context, userID, excludeID int64) (*Account, error) {
	if userID == 0 {
		return nil, nil
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND id != ? ORDER BY id LIMIT 1`,
		userID, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find duplicate account")
	}
	return a, nil
}

// UpdateIdentity обновляет строку реестра после успешного логина: user_id,
// имя и username берутся из Self(). Телефон перезаписывается только настоящим
// номером — заглушку "user:<id>" реальный номер вытесняет, обратное запрещено.
func (s *AccountService) UpdateIdentity(ctx context.Context, id, userID int64, name, username, phone string) error {
	now := s.now()
	if phone != "" && !strings.HasPrefix(phone, placeholderPhonePrefix) {
		_, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET user_id = ?, name = ?, username = ?, phone = ?, updated_at = ? WHERE id = ?`,
			userID, nullableStr(name), nullableStr(username), phone, now, id)
		return errors.Wrap(err, "update account identity")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET user_id = ?, name = ?, username = ?, updated_at = ? WHERE id = ?`,
		userID, nullableStr(name), nullableStr(username), now, id)
	return errors.Wrap(err, "update account identity")
}

// Delete удаляет строку реестра. Применяется при слиянии дубликатов; сессия
// удаляемого аккаунта на диске остаётся за вызывающим.
func (s *AccountService) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return errors.Wrap(err, "delete account")
}

// SaveSessionData сохраняет сериализованную MTProto-сессию в реестр. Это
// резервная копия: рабочая сессия живёт в bbolt-файле аккаунта.
func (s *AccountService) SaveSessionData(ctx context.Context, id int64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET session_data = ?, updated_at = ? WHERE id = ?`,
		data, s.now(), id)
	return errors.Wrap(err, "save session data")
}

// Count возвращает число активных аккаунтов.
func (s *AccountService) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE is_active = 1`).Scan(&n)
	return n, errors.Wrap(err, "count accounts")
}
