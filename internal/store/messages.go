package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"
)

// MessageService — типизированный доступ к зеркалу сообщений (messages_cache).
//
// Ключевые инварианты слоя:
//   - created_at неизменен: повторный upsert той же пары (chat_id, message_id)
//     обновляет содержимое и updated_at, но не время первого появления строки;
//   - is_deleted «липкий»: однажды помеченное удалённым сообщение обычный
//     upsert не воскрешает (пометка ставится только realtime-обработчиком
//     удалений, история может прийти и после неё).
type MessageService struct {
	db  *sql.DB
	now func() int64
}

const upsertMessageSQL = `
INSERT INTO messages_cache (
	chat_id, message_id, from_id, reply_to_id, forward_from_id, text,
	message_type, has_media, is_outgoing, is_edited, is_pinned, is_deleted,
	edit_date, date, fetched_at, raw_json, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (chat_id, message_id) DO UPDATE SET
	from_id         = excluded.from_id,
	reply_to_id     = excluded.reply_to_id,
	forward_from_id = excluded.forward_from_id,
	text            = excluded.text,
	message_type    = excluded.message_type,
	has_media       = excluded.has_media,
	is_outgoing     = excluded.is_outgoing,
	is_edited       = excluded.is_edited,
	is_pinned       = excluded.is_pinned,
	is_deleted      = CASE WHEN messages_cache.is_deleted = 1 THEN 1 ELSE excluded.is_deleted END,
	edit_date       = excluded.edit_date,
	date            = excluded.date,
	fetched_at      = excluded.fetched_at,
	raw_json        = excluded.raw_json,
	updated_at      = excluded.updated_at`

// Upsert записывает одно сообщение. Для батчей истории предпочтителен
// UpsertBatch: одна транзакция на весь ответ messages.getHistory.
func (s *MessageService) Upsert(ctx context.Context, m *Message) error {
	return s.UpsertBatch(ctx, []*Message{m})
}

// UpsertBatch атомарно записывает батч сообщений одного ответа API.
// Либо весь батч в зеркале, либо ничего: частично записанная история ломала бы
// инварианты курсоров (курсор двигается по (minId, maxId) всего батча).
func (s *MessageService) UpsertBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin upsert batch")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertMessageSQL)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()

	now := s.now()
	for _, m := range msgs {
		if _, err = stmt.ExecContext(ctx,
			m.ChatID, m.MessageID,
			nullable(m.FromID), nullableInt(m.ReplyToID), nullable(m.ForwardFromID),
			nullableStr(m.Text), string(m.Type),
			boolToInt(m.HasMedia), boolToInt(m.IsOutgoing), boolToInt(m.IsEdited),
			boolToInt(m.IsPinned), boolToInt(m.IsDeleted),
			nullable(m.EditDate), m.Date, m.FetchedAt, nullableStr(m.RawJSON),
			now, now,
		); err != nil {
			return errors.Wrapf(err, "upsert message %d:%d", m.ChatID, m.MessageID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit upsert batch")
}

// Get возвращает сообщение зеркала или nil, если такой пары ключей нет.
func (s *MessageService) Get(ctx context.Context, chatID int64, messageID int) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, message_id, from_id, reply_to_id, forward_from_id, text,
		       message_type, has_media, is_outgoing, is_edited, is_pinned, is_deleted,
		       edit_date, date, fetched_at, raw_json, created_at, updated_at
		FROM messages_cache WHERE chat_id = ? AND message_id = ?`, chatID, messageID)

	var (
		m       Message
		fromID  sql.NullInt64
		replyTo sql.NullInt64
		fwdFrom sql.NullInt64
		text    sql.NullString
		mtype   string
		edit    sql.NullInt64
		raw     sql.NullString
	)
	err := row.Scan(&m.ChatID, &m.MessageID, &fromID, &replyTo, &fwdFrom, &text,
		&mtype, &m.HasMedia, &m.IsOutgoing, &m.IsEdited, &m.IsPinned, &m.IsDeleted,
		&edit, &m.Date, &m.FetchedAt, &raw, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	m.FromID = fromID.Int64
	m.ReplyToID = int(replyTo.Int64)
	m.ForwardFromID = fwdFrom.Int64
	m.Text = text.String
	m.Type = MessageType(mtype)
	m.EditDate = edit.Int64
	m.RawJSON = raw.String
	return &m, nil
}

// ApplyEdit переписывает текст отредактированного сообщения, ставит is_edited
// и фиксирует edit_date (секунды провода). Возвращает false, если строки нет —
// тогда обработчик правок делает полный upsert.
func (s *MessageService) ApplyEdit(ctx context.Context, chatID int64, messageID int, text string, editDate int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages_cache
		SET text = ?, is_edited = 1, edit_date = ?, updated_at = ?
		WHERE chat_id = ? AND message_id = ?`,
		nullableStr(text), nullable(editDate), s.now(), chatID, messageID)
	if err != nil {
		return false, errors.Wrap(err, "apply edit")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "apply edit rows")
	}
	return n > 0, nil
}

// MarkDeleted помечает удалёнными сообщения чата с данными id. Возвращает
// точное число строк, переключённых из 0 в 1: уже удалённые и отсутствующие
// строки в счёт не входят.
func (s *MessageService) MarkDeleted(ctx context.Context, chatID int64, messageIDs []int) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	args := []any{s.now(), chatID}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages_cache SET is_deleted = 1, updated_at = ?
		WHERE chat_id = ? AND message_id IN (`+placeholders(len(messageIDs), &args, messageIDs)+`)
		AND is_deleted = 0`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "mark deleted")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "mark deleted rows")
}

// MarkDeletedByMessageIDs — DM/basic-group вариант удаления: апдейт без
// channel_id не говорит, из какого чата пришли id, поэтому ищем по индексу
// message_id во всех чатах. Возвращает число переключённых строк.
func (s *MessageService) MarkDeletedByMessageIDs(ctx context.Context, messageIDs []int) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	args := []any{s.now()}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages_cache SET is_deleted = 1, updated_at = ?
		WHERE message_id IN (`+placeholders(len(messageIDs), &args, messageIDs)+`)
		AND is_deleted = 0`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "mark deleted by ids")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "mark deleted by ids rows")
}

// CountByChat возвращает число строк зеркала для чата (включая удалённые).
func (s *MessageService) CountByChat(ctx context.Context, chatID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages_cache WHERE chat_id = ?`, chatID).Scan(&n)
	return n, errors.Wrap(err, "count by chat")
}

// placeholders дописывает ids в args и возвращает строку "?, ?, ..." нужной длины.
func placeholders(n int, args *[]any, ids []int) string {
	marks := make([]string, n)
	for i, id := range ids {
		marks[i] = "?"
		*args = append(*args, id)
	}
	return strings.Join(marks, ", ")
}

// boolToInt — SQLite хранит булевы флаги как INTEGER 0/1.
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
