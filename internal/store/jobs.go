package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/go-faster/errors"
)

// crashRecoveryMessage — текст ошибки, который получают running-джобы,
// найденные при старте демона: их исполнение оборвал предыдущий процесс.
const crashRecoveryMessage = "Daemon crashed during execution"

// JobService — персистентная очередь sync_jobs с приоритетами.
//
// Конечный автомат строгий: pending → running → completed | failed.
// Любой другой переход — отвергаемый no-op (false/0 без мутации), чтобы
// вызывающий мог распознать проигранную гонку. Восстановительный переход
// running → pending разрешён только RecoverCrashed при старте демона.
type JobService struct {
	db  *sql.DB
	now func() int64
}

const jobColumns = `id, chat_id, job_type, priority, status, cursor_start, cursor_end,
	messages_fetched, error_message, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*SyncJob, error) {
	var (
		j         SyncJob
		jtype     string
		status    string
		curStart  sql.NullInt64
		curEnd    sql.NullInt64
		errMsg    sql.NullString
		started   sql.NullInt64
		completed sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.ChatID, &jtype, &j.Priority, &status,
		&curStart, &curEnd, &j.MessagesFetched, &errMsg,
		&j.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	j.Type = JobType(jtype)
	j.Status = JobStatus(status)
	j.CursorStart = int(curStart.Int64)
	j.CursorEnd = int(curEnd.Int64)
	j.ErrorMessage = errMsg.String
	j.StartedAt = started.Int64
	j.CompletedAt = completed.Int64
	return &j, nil
}

// Create ставит новую джобу в очередь со статусом pending.
func (s *JobService) Create(ctx context.Context, chatID int64, jobType JobType, priority Priority) (*SyncJob, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (chat_id, job_type, priority, status, created_at)
		VALUES (?, ?, ?, 'pending', ?)`,
		chatID, string(jobType), int(priority), now)
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "create job id")
	}
	return &SyncJob{
		ID:        id,
		ChatID:    chatID,
		Type:      jobType,
		Priority:  priority,
		Status:    JobPending,
		CreatedAt: now,
	}, nil
}

// Get возвращает джобу по id или nil, если такой нет.
func (s *JobService) Get(ctx context.Context, id int64) (*SyncJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// ClaimNext атомарно забирает самую срочную pending-джобу: минимальный
// priority, при равенстве — старейший created_at. Выбор и перевод в running
// выполняются одним UPDATE с подзапросом, так что два конкурентных вызова
// никогда не получат одну строку: проигравший увидит следующую либо nil.
func (s *JobService) ClaimNext(ctx context.Context) (*SyncJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE sync_jobs SET status = 'running', started_at = ?
		WHERE id = (
			SELECT id FROM sync_jobs WHERE status = 'pending'
			ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns, s.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim next job")
	}
	return j, nil
}

// MarkRunning переводит pending → running. false означает проигранную гонку
// (джобу уже забрал другой вызов) — вызывающий обязан выйти без мутаций.
func (s *JobService) MarkRunning(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'`, s.now(), id)
	if err != nil {
		return false, errors.Wrap(err, "mark job running")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "mark job running rows")
}

// MarkCompleted переводит running → completed. Другие исходные статусы не
// трогаются (false).
func (s *JobService) MarkCompleted(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'running'`, s.now(), id)
	if err != nil {
		return false, errors.Wrap(err, "mark job completed")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "mark job completed rows")
}

// MarkFailed переводит running → failed с текстом ошибки. Terminal-строка
// не ретраится воркером: новую попытку заводит планировщик отдельной джобой.
func (s *JobService) MarkFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'failed', error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`, errMsg, s.now(), id)
	if err != nil {
		return false, errors.Wrap(err, "mark job failed")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "mark job failed rows")
}

// Progress — дельта прогресса running-джобы. Нулевые курсоры означают «не
// менять» (настоящие message_id начинаются с 1); FetchedDelta прибавляется
// к накопленному messages_fetched.
type Progress struct {
	CursorStart  int
	CursorEnd    int
	FetchedDelta int
}

// UpdateProgress фиксирует границы обработанного батча и наращивает счётчик
// messages_fetched (+=, накапливается между батчами одной джобы).
func (s *JobService) UpdateProgress(ctx context.Context, id int64, p Progress) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			cursor_start     = COALESCE(?, cursor_start),
			cursor_end       = COALESCE(?, cursor_end),
			messages_fetched = messages_fetched + ?
		WHERE id = ?`,
		nullableInt(p.CursorStart), nullableInt(p.CursorEnd), p.FetchedDelta, id)
	return errors.Wrap(err, "update job progress")
}

// HasActiveForChat сообщает, есть ли у чата живая (pending или running)
// джоба данного типа. На этой проверке держится идемпотентность планировщика.
func (s *JobService) HasActiveForChat(ctx context.Context, chatID int64, jobType JobType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_jobs
		WHERE chat_id = ? AND job_type = ? AND status IN ('pending', 'running')`,
		chatID, string(jobType)).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "has active job for chat")
	}
	return n > 0, nil
}

// CancelPendingForChat удаляет все pending-джобы чата и возвращает их число.
// Running не трогаем: воркер уже исполняет их против API.
func (s *JobService) CancelPendingForChat(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE chat_id = ? AND status = 'pending'`, chatID)
	if err != nil {
		return 0, errors.Wrap(err, "cancel pending for chat")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "cancel pending rows")
}

// RecoverCrashed возвращает все running-джобы в pending: строка running при
// старте демона означает, что предыдущий процесс умер посреди исполнения.
// started_at очищается, error_message объясняет причину переноса. Вызывается
// ровно один раз на старте, до запуска воркеров; идемпотентен — второй вызов
// подряд восстановит 0 строк.
func (s *JobService) RecoverCrashed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', error_message = ?, started_at = NULL
		WHERE status = 'running'`, crashRecoveryMessage)
	if err != nil {
		return 0, errors.Wrap(err, "recover crashed jobs")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "recover crashed rows")
}

// CleanupCompleted удаляет completed-джобы старше age. Отрицательный age
// двигает порог в будущее и означает «удалить все завершённые».
func (s *JobService) CleanupCompleted(ctx context.Context, age time.Duration) (int64, error) {
	return s.cleanupTerminal(ctx, JobCompleted, age)
}

// CleanupFailed — то же для failed-джоб.
func (s *JobService) CleanupFailed(ctx context.Context, age time.Duration) (int64, error) {
	return s.cleanupTerminal(ctx, JobFailed, age)
}

func (s *JobService) cleanupTerminal(ctx context.Context, status JobStatus, age time.Duration) (int64, error) {
	cutoff := int64(math.MaxInt64)
	if age >= 0 {
		cutoff = s.now() - age.Milliseconds()
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_jobs
		WHERE status = ? AND COALESCE(completed_at, created_at) < ?`,
		string(status), cutoff)
	if err != nil {
		return 0, errors.Wrapf(err, "cleanup %s jobs", status)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrapf(err, "cleanup %s rows", status)
}

// CountByStatus возвращает число джоб в статусе — источник значений
// pending_jobs / running_jobs для daemon_status.
func (s *JobService) CountByStatus(ctx context.Context, status JobStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE status = ?`, string(status)).Scan(&n)
	return n, errors.Wrap(err, "count jobs by status")
}

// ListByChat возвращает джобы чата, новые сверху. Диагностический метод.
func (s *JobService) ListByChat(ctx context.Context, chatID int64) ([]*SyncJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE chat_id = ? ORDER BY id DESC`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs by chat")
	}
	defer rows.Close()

	var result []*SyncJob
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, errors.Wrap(scanErr, "scan job")
		}
		result = append(result, j)
	}
	return result, rows.Err()
}
