package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

// SyncDirection — направление последней успешной синхронизации чата.
type SyncDirection string

const (
	DirectionForward  SyncDirection = "forward"
	DirectionBackward SyncDirection = "backward"
)

// ChatSyncService — двухкурсорное состояние зеркала чата (chat_sync_state).
//
// Курсоры двигаются только наружу: forward_cursor монотонно растёт,
// backward_cursor монотонно убывает. Оба правила зашиты в SQL-условия,
// так что гонка «поздний апдейт со старым message_id» не откатывает курсор.
type ChatSyncService struct {
	db  *sql.DB
	now func() int64
}

const chatSyncColumns = `chat_id, chat_type, member_count, forward_cursor, backward_cursor,
	sync_priority, sync_enabled, history_complete, synced_messages,
	last_forward_sync, last_backward_sync, created_at, updated_at`

func scanChatSync(row interface{ Scan(...any) error }) (*ChatSyncState, error) {
	var (
		cs       ChatSyncState
		ctype    string
		members  sql.NullInt64
		fwd      sql.NullInt64
		back     sql.NullInt64
		lastFwd  sql.NullInt64
		lastBack sql.NullInt64
	)
	if err := row.Scan(&cs.ChatID, &ctype, &members, &fwd, &back,
		&cs.Priority, &cs.Enabled, &cs.HistoryComplete, &cs.SyncedMessages,
		&lastFwd, &lastBack, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		return nil, err
	}
	cs.ChatType = ChatType(ctype)
	cs.MemberCount = int(members.Int64)
	cs.ForwardCursor = int(fwd.Int64)
	cs.BackwardCursor = int(back.Int64)
	cs.LastForwardSync = lastFwd.Int64
	cs.LastBackwardSync = lastBack.Int64
	return &cs, nil
}

// Get возвращает состояние чата или nil, если чат ещё не наблюдался.
func (s *ChatSyncService) Get(ctx context.Context, chatID int64) (*ChatSyncState, error) {
	cs, err := scanChatSync(s.db.QueryRowContext(ctx,
		`SELECT `+chatSyncColumns+` FROM chat_sync_state WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get chat sync state")
	}
	return cs, nil
}

// Ensure создаёт строку состояния для впервые наблюдаемого чата с переданной
// политикой (приоритет + вкл/выкл). Существующую строку не трогает — политика
// назначается один раз при первом появлении чата, дальше ей управляет оператор.
func (s *ChatSyncService) Ensure(ctx context.Context, chatID int64, chatType ChatType,
	memberCount int, priority Priority, enabled bool) (*ChatSyncState, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sync_state (chat_id, chat_type, member_count, sync_priority, sync_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id) DO NOTHING`,
		chatID, string(chatType), nullableInt(memberCount), int(priority), boolToInt(enabled), now, now)
	if err != nil {
		return nil, errors.Wrap(err, "ensure chat sync state")
	}
	return s.Get(ctx, chatID)
}

// UpdateMembership обновляет сведения о размере чата: политика пересчитывается
// планировщиком, когда меняется member_count.
func (s *ChatSyncService) UpdateMembership(ctx context.Context, chatID int64, memberCount int,
	priority Priority, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sync_state
		SET member_count = ?, sync_priority = ?, sync_enabled = ?, updated_at = ?
		WHERE chat_id = ?`,
		nullableInt(memberCount), int(priority), boolToInt(enabled), s.now(), chatID)
	return errors.Wrap(err, "update chat membership")
}

// ListEnabled возвращает все включённые чаты в порядке приоритета.
// Запрос обслуживается частичным индексом (sync_enabled, sync_priority).
func (s *ChatSyncService) ListEnabled(ctx context.Context) ([]*ChatSyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatSyncColumns+` FROM chat_sync_state WHERE sync_enabled = 1 ORDER BY sync_priority, chat_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled chats")
	}
	defer rows.Close()

	var result []*ChatSyncState
	for rows.Next() {
		cs, scanErr := scanChatSync(rows)
		if scanErr != nil {
			return nil, errors.Wrap(scanErr, "scan chat sync state")
		}
		result = append(result, cs)
	}
	return result, rows.Err()
}

// AdvanceForward двигает forward_cursor вверх до messageID. Откат запрещён:
// если курсор уже не меньше, строка не меняется и метод возвращает false.
func (s *ChatSyncService) AdvanceForward(ctx context.Context, chatID int64, messageID int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sync_state SET forward_cursor = ?, updated_at = ?
		WHERE chat_id = ? AND (forward_cursor IS NULL OR forward_cursor < ?)`,
		messageID, s.now(), chatID, messageID)
	if err != nil {
		return false, errors.Wrap(err, "advance forward cursor")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "advance forward cursor rows")
}

// AdvanceBackward двигает backward_cursor вниз до messageID (только наружу).
func (s *ChatSyncService) AdvanceBackward(ctx context.Context, chatID int64, messageID int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sync_state SET backward_cursor = ?, updated_at = ?
		WHERE chat_id = ? AND (backward_cursor IS NULL OR backward_cursor > ?)`,
		messageID, s.now(), chatID, messageID)
	if err != nil {
		return false, errors.Wrap(err, "advance backward cursor")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "advance backward cursor rows")
}

// SeedCursors сажает оба курсора по границам батча первичной загрузки.
// В обычном режиме курсоры двигаются только наружу (initial_load после
// рестарта не сузит уже разросшийся диапазон); force затирает оба курсора
// безусловно — это режим принудительной пересинхронизации full_sync.
func (s *ChatSyncService) SeedCursors(ctx context.Context, chatID int64, forward, backward int, force bool) error {
	now := s.now()
	if force {
		_, err := s.db.ExecContext(ctx, `
			UPDATE chat_sync_state SET forward_cursor = ?, backward_cursor = ?, updated_at = ?
			WHERE chat_id = ?`,
			nullableInt(forward), nullableInt(backward), now, chatID)
		return errors.Wrap(err, "seed cursors")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sync_state
		SET forward_cursor  = MAX(COALESCE(forward_cursor, 0), ?),
		    backward_cursor = MIN(COALESCE(backward_cursor, ?), ?),
		    updated_at = ?
		WHERE chat_id = ?`,
		forward, backward, backward, now, chatID)
	return errors.Wrap(err, "seed cursors")
}

// SetHistoryComplete ставит или снимает защёлку «история дочитана до начала».
// Поставленная защёлка запрещает планировщику новые backward_history джобы.
func (s *ChatSyncService) SetHistoryComplete(ctx context.Context, chatID int64, complete bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sync_state SET history_complete = ?, updated_at = ? WHERE chat_id = ?`,
		boolToInt(complete), s.now(), chatID)
	return errors.Wrap(err, "set history complete")
}

// IncrementSynced прибавляет n к монотонному счётчику синхронизированных
// сообщений чата.
func (s *ChatSyncService) IncrementSynced(ctx context.Context, chatID int64, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sync_state SET synced_messages = synced_messages + ?, updated_at = ? WHERE chat_id = ?`,
		n, s.now(), chatID)
	return errors.Wrap(err, "increment synced messages")
}

// TouchLastSync фиксирует время последней успешной синхронизации в заданном
// направлении.
func (s *ChatSyncService) TouchLastSync(ctx context.Context, chatID int64, dir SyncDirection) error {
	now := s.now()
	column := "last_forward_sync"
	if dir == DirectionBackward {
		column = "last_backward_sync"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sync_state SET `+column+` = ?, updated_at = ? WHERE chat_id = ?`,
		now, now, chatID)
	return errors.Wrap(err, "touch last sync")
}

// SumSyncedMessages возвращает суммарный счётчик по всем чатам — значение
// ключа messages_synced в daemon_status.
func (s *ChatSyncService) SumSyncedMessages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(synced_messages), 0) FROM chat_sync_state`).Scan(&n)
	return n, errors.Wrap(err, "sum synced messages")
}
