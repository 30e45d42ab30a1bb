package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

// PeerCacheService — кэш сущностей users_cache / chats_cache. Сюда складываются
// юзеры и чаты из ответов API и апдейтов; отсюда воркер берёт access_hash
// для сборки InputPeer без лишних resolve-запросов.
//
// Апсерты бережные: NULL в новых данных (min-конструкторы без access_hash,
// пустые username) не затирает уже известные значения.
type PeerCacheService struct {
	db  *sql.DB
	now func() int64
}

const upsertUserSQL = `
	INSERT INTO users_cache (user_id, access_hash, first_name, last_name,
		username, phone, is_bot, is_contact, raw_json, fetched_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		access_hash = COALESCE(excluded.access_hash, users_cache.access_hash),
		first_name  = COALESCE(excluded.first_name, users_cache.first_name),
		last_name   = COALESCE(excluded.last_name, users_cache.last_name),
		username    = COALESCE(excluded.username, users_cache.username),
		phone       = COALESCE(excluded.phone, users_cache.phone),
		is_bot      = excluded.is_bot,
		is_contact  = excluded.is_contact,
		raw_json    = COALESCE(excluded.raw_json, users_cache.raw_json),
		fetched_at  = excluded.fetched_at,
		updated_at  = excluded.updated_at`

const upsertChatSQL = `
	INSERT INTO chats_cache (chat_id, chat_type, title, username, access_hash,
		member_count, raw_json, fetched_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (chat_id) DO UPDATE SET
		chat_type    = excluded.chat_type,
		title        = COALESCE(excluded.title, chats_cache.title),
		username     = COALESCE(excluded.username, chats_cache.username),
		access_hash  = COALESCE(excluded.access_hash, chats_cache.access_hash),
		member_count = COALESCE(excluded.member_count, chats_cache.member_count),
		raw_json     = COALESCE(excluded.raw_json, chats_cache.raw_json),
		fetched_at   = excluded.fetched_at,
		updated_at   = excluded.updated_at`

func (s *PeerCacheService) userArgs(u *CachedUser, now int64) []any {
	return []any{
		u.UserID, nullable(u.AccessHash), nullableStr(u.FirstName), nullableStr(u.LastName),
		nullableStr(u.Username), nullableStr(u.Phone), boolToInt(u.IsBot), boolToInt(u.IsContact),
		nullableStr(u.RawJSON), now, now,
	}
}

func (s *PeerCacheService) chatArgs(c *CachedChat, now int64) []any {
	return []any{
		c.ChatID, string(c.ChatType), nullableStr(c.Title), nullableStr(c.Username),
		nullable(c.AccessHash), nullableInt(c.MemberCount), nullableStr(c.RawJSON), now, now,
	}
}

// UpsertUser сохраняет одного юзера.
func (s *PeerCacheService) UpsertUser(ctx context.Context, u *CachedUser) error {
	_, err := s.db.ExecContext(ctx, upsertUserSQL, s.userArgs(u, s.now())...)
	return errors.Wrapf(err, "upsert user %d", u.UserID)
}

// UpsertUsers сохраняет пачку юзеров одной транзакцией.
func (s *PeerCacheService) UpsertUsers(ctx context.Context, users []*CachedUser) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin users tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertUserSQL)
	if err != nil {
		return errors.Wrap(err, "prepare user upsert")
	}
	defer stmt.Close()

	now := s.now()
	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, s.userArgs(u, now)...); err != nil {
			return errors.Wrapf(err, "upsert user %d", u.UserID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit users tx")
}

// UpsertChat сохраняет один чат.
func (s *PeerCacheService) UpsertChat(ctx context.Context, c *CachedChat) error {
	_, err := s.db.ExecContext(ctx, upsertChatSQL, s.chatArgs(c, s.now())...)
	return errors.Wrapf(err, "upsert chat %d", c.ChatID)
}

// UpsertChats сохраняет пачку чатов одной транзакцией.
func (s *PeerCacheService) UpsertChats(ctx context.Context, chats []*CachedChat) error {
	if len(chats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin chats tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertChatSQL)
	if err != nil {
		return errors.Wrap(err, "prepare chat upsert")
	}
	defer stmt.Close()

	now := s.now()
	for _, c := range chats {
		if _, err := stmt.ExecContext(ctx, s.chatArgs(c, now)...); err != nil {
			return errors.Wrapf(err, "upsert chat %d", c.ChatID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit chats tx")
}

// GetUser возвращает юзера из кэша или nil, если его там нет.
func (s *PeerCacheService) GetUser(ctx context.Context, userID int64) (*CachedUser, error) {
	var (
		u          CachedUser
		accessHash sql.NullInt64
		firstName  sql.NullString
		lastName   sql.NullString
		username   sql.NullString
		phone      sql.NullString
		isBot      int
		isContact  int
		rawJSON    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, access_hash, first_name, last_name, username, phone,
			is_bot, is_contact, raw_json, fetched_at, updated_at
		FROM users_cache WHERE user_id = ?`, userID).Scan(
		&u.UserID, &accessHash, &firstName, &lastName, &username, &phone,
		&isBot, &isContact, &rawJSON, &u.FetchedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get user %d", userID)
	}
	u.AccessHash = accessHash.Int64
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.Username = username.String
	u.Phone = phone.String
	u.IsBot = isBot != 0
	u.IsContact = isContact != 0
	u.RawJSON = rawJSON.String
	return &u, nil
}

// GetChat возвращает чат из кэша или nil, если его там нет. chatID канонический.
func (s *PeerCacheService) GetChat(ctx context.Context, chatID int64) (*CachedChat, error) {
	var (
		c           CachedChat
		chatType    string
		title       sql.NullString
		username    sql.NullString
		accessHash  sql.NullInt64
		memberCount sql.NullInt64
		rawJSON     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, chat_type, title, username, access_hash, member_count,
			raw_json, fetched_at, updated_at
		FROM chats_cache WHERE chat_id = ?`, chatID).Scan(
		&c.ChatID, &chatType, &title, &username, &accessHash, &memberCount,
		&rawJSON, &c.FetchedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chat %d", chatID)
	}
	c.ChatType = ChatType(chatType)
	c.Title = title.String
	c.Username = username.String
	c.AccessHash = accessHash.Int64
	c.MemberCount = int(memberCount.Int64)
	c.RawJSON = rawJSON.String
	return &c, nil
}

// AccessHashByChat возвращает access_hash чата (false — чат неизвестен или
// хэш не сохранён).
func (s *PeerCacheService) AccessHashByChat(ctx context.Context, chatID int64) (int64, bool, error) {
	var hash sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT access_hash FROM chats_cache WHERE chat_id = ?`, chatID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "access hash for chat %d", chatID)
	}
	return hash.Int64, hash.Valid, nil
}

// AccessHashByUser возвращает access_hash юзера (false — юзер неизвестен или
// хэш не сохранён).
func (s *PeerCacheService) AccessHashByUser(ctx context.Context, userID int64) (int64, bool, error) {
	var hash sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT access_hash FROM users_cache WHERE user_id = ?`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "access hash for user %d", userID)
	}
	return hash.Int64, hash.Valid, nil
}

// SaveChannelHash сохраняет access_hash канала, заводя минимальную строку,
// если канал ещё не встречался. chatID канонический (отрицательный для каналов).
func (s *PeerCacheService) SaveChannelHash(ctx context.Context, chatID, hash int64) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats_cache (chat_id, chat_type, access_hash, fetched_at, updated_at)
		VALUES (?, 'channel', ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			access_hash = excluded.access_hash,
			updated_at  = excluded.updated_at`,
		chatID, hash, now, now)
	return errors.Wrapf(err, "save channel hash %d", chatID)
}
