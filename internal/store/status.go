package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

// StatusService — таблица daemon_status: плоские ключ-значение снимки
// состояния демона (run id, тики, счётчики джоб). Читается внешними
// инструментами, поэтому значения — строки.
type StatusService struct {
	db  *sql.DB
	now func() int64
}

// Set записывает один ключ.
func (s *StatusService) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemon_status (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, s.now())
	return errors.Wrapf(err, "set status %s", key)
}

// SetAll записывает несколько ключей одной транзакцией: снимок статуса
// либо виден целиком, либо не виден вовсе.
func (s *StatusService) SetAll(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin status tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daemon_status (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at`)
	if err != nil {
		return errors.Wrap(err, "prepare status upsert")
	}
	defer stmt.Close()

	now := s.now()
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, value, now); err != nil {
			return errors.Wrapf(err, "set status %s", key)
		}
	}
	return errors.Wrap(tx.Commit(), "commit status tx")
}

// Get возвращает значение ключа; второй результат false, если ключа нет.
func (s *StatusService) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM daemon_status WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get status %s", key)
	}
	return value, true, nil
}

// All возвращает весь снимок статуса.
func (s *StatusService) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM daemon_status`)
	if err != nil {
		return nil, errors.Wrap(err, "list status")
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrap(err, "scan status")
		}
		result[key] = value
	}
	return result, rows.Err()
}
