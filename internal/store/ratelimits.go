package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/go-faster/errors"
)

// rateWindowMS — ширина окна учёта вызовов. Окна фиксированные, выровнены по
// границе минуты unix-времени: два процесса подряд считают в одни и те же строки.
const rateWindowMS int64 = 60_000

// RateWindow — та же ширина окна для внешних потребителей (слой лимитера
// считает по ней остаток до конца текущего окна).
const RateWindow = time.Duration(rateWindowMS) * time.Millisecond

// RateLimitService — персистентный учёт API-вызовов: счётчики по окнам
// (method, window_start), отметки FLOOD_WAIT и журнал api_activity.
// Решения «пускать или ждать» принимает слой лимитера; здесь только хранение.
type RateLimitService struct {
	db  *sql.DB
	now func() int64
}

// windowStart выравнивает метку времени по началу её окна.
func windowStart(ts int64) int64 {
	return ts - ts%rateWindowMS
}

// RecordCall инкрементирует счётчик метода в текущем окне и возвращает новое
// значение. Инкремент и чтение — один UPSERT, гонки между воркерами не теряют
// вызовов.
func (s *RateLimitService) RecordCall(ctx context.Context, method string) (int, error) {
	now := s.now()
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (method, window_start, call_count, last_call_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (method, window_start) DO UPDATE SET
			call_count   = call_count + 1,
			last_call_at = excluded.last_call_at
		RETURNING call_count`,
		method, windowStart(now), now).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "record api call")
	}
	return count, nil
}

// CurrentWindowCount возвращает счётчик метода в текущем окне (0, если окно
// ещё не открывалось).
func (s *RateLimitService) CurrentWindowCount(ctx context.Context, method string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT call_count FROM rate_limits WHERE method = ? AND window_start = ?`,
		method, windowStart(s.now())).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "current window count")
	}
	return count, nil
}

// SetFloodWait фиксирует полученный FLOOD_WAIT: до until (unix-мс) метод
// трогать нельзя. Отметка живёт в строке текущего окна и переживает рестарт.
func (s *RateLimitService) SetFloodWait(ctx context.Context, method string, until int64) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (method, window_start, call_count, flood_wait_until)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (method, window_start) DO UPDATE SET
			flood_wait_until = MAX(COALESCE(flood_wait_until, 0), excluded.flood_wait_until)`,
		method, windowStart(now), until)
	return errors.Wrap(err, "set flood wait")
}

// FloodWaitUntil возвращает действующий дедлайн FLOOD_WAIT метода в unix-мс
// или 0, если ограничения нет. Смотрит по всем окнам: отметка могла быть
// поставлена до рестарта.
func (s *RateLimitService) FloodWaitUntil(ctx context.Context, method string) (int64, error) {
	var until sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(flood_wait_until) FROM rate_limits
		WHERE method = ? AND flood_wait_until > ?`,
		method, s.now()).Scan(&until)
	if err != nil {
		return 0, errors.Wrap(err, "flood wait until")
	}
	return until.Int64, nil
}

// LogActivity пишет одну попытку RPC в журнал api_activity.
func (s *RateLimitService) LogActivity(ctx context.Context, a APIActivity) error {
	ts := a.TS
	if ts == 0 {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_activity (ts, account_id, method, success, error_code, response_ms, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, nullable(a.AccountID), a.Method, boolToInt(a.Success),
		nullableStr(a.ErrorCode), nullable(a.ResponseMS), nullableStr(a.Context))
	return errors.Wrap(err, "log api activity")
}

// RecentActivity возвращает последние записи журнала, новые сверху.
func (s *RateLimitService) RecentActivity(ctx context.Context, limit int) ([]*APIActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, account_id, method, success, error_code, response_ms, context
		FROM api_activity ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent activity")
	}
	defer rows.Close()

	var result []*APIActivity
	for rows.Next() {
		var (
			a          APIActivity
			accountID  sql.NullInt64
			success    int
			errorCode  sql.NullString
			responseMS sql.NullInt64
			callCtx    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TS, &accountID, &a.Method,
			&success, &errorCode, &responseMS, &callCtx); err != nil {
			return nil, errors.Wrap(err, "scan activity")
		}
		a.AccountID = accountID.Int64
		a.Success = success != 0
		a.ErrorCode = errorCode.String
		a.ResponseMS = responseMS.Int64
		a.Context = callCtx.String
		result = append(result, &a)
	}
	return result, rows.Err()
}

// CleanupWindows удаляет окна учёта старше age. Строка с ещё действующим
// flood_wait_until не удаляется независимо от возраста: блокировка обязана
// пережить уборку. Отрицательный age означает «удалить все остывшие».
func (s *RateLimitService) CleanupWindows(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limits
		WHERE window_start < ? AND COALESCE(flood_wait_until, 0) <= ?`,
		s.cutoff(age), s.now())
	if err != nil {
		return 0, errors.Wrap(err, "cleanup rate windows")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "cleanup rate windows rows")
}

// CleanupActivity удаляет записи журнала старше age.
func (s *RateLimitService) CleanupActivity(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_activity WHERE ts < ?`, s.cutoff(age))
	if err != nil {
		return 0, errors.Wrap(err, "cleanup api activity")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "cleanup api activity rows")
}

func (s *RateLimitService) cutoff(age time.Duration) int64 {
	if age < 0 {
		return math.MaxInt64
	}
	return s.now() - age.Milliseconds()
}
