package parser

import (
	"time"

	"github.com/gotd/td/tg"

	"telegram-syncd/internal/store"
)

// CachedUserFrom нормализует пользователя провода в строку users_cache.
// Access hash сохраняется: без него не построить InputPeer приватного диалога.
func CachedUserFrom(u *tg.User, now time.Time) *store.CachedUser {
	row := &store.CachedUser{
		UserID:    u.ID,
		IsBot:     u.Bot,
		IsContact: u.Contact,
		RawJSON:   rawJSON(u),
		FetchedAt: now.UnixMilli(),
	}
	row.AccessHash, _ = u.GetAccessHash()
	row.FirstName, _ = u.GetFirstName()
	row.LastName, _ = u.GetLastName()
	row.Username, _ = u.GetUsername()
	row.Phone, _ = u.GetPhone()
	return row
}

// CachedChatFrom нормализует диалог провода в строку chats_cache с каноническим
// id. Супергруппа отличается от канала только флагом Megagroup. Возвращает nil
// для пустых записей: кэшировать в них нечего. Запретные (forbidden) варианты
// кэшируются ради access hash — он нужен воркеру даже без доступа к содержимому.
func CachedChatFrom(c tg.ChatClass, now time.Time) *store.CachedChat {
	switch chat := c.(type) {
	case *tg.Chat:
		return &store.CachedChat{
			ChatID:      GroupChatID(chat.ID),
			ChatType:    store.ChatGroup,
			Title:       chat.Title,
			MemberCount: chat.ParticipantsCount,
			RawJSON:     rawJSON(chat),
			FetchedAt:   now.UnixMilli(),
		}
	case *tg.ChatForbidden:
		return &store.CachedChat{
			ChatID:    GroupChatID(chat.ID),
			ChatType:  store.ChatGroup,
			Title:     chat.Title,
			RawJSON:   rawJSON(chat),
			FetchedAt: now.UnixMilli(),
		}
	case *tg.Channel:
		row := &store.CachedChat{
			ChatID:    ChannelChatID(chat.ID),
			ChatType:  store.ChatChannel,
			Title:     chat.Title,
			RawJSON:   rawJSON(chat),
			FetchedAt: now.UnixMilli(),
		}
		if chat.Megagroup {
			row.ChatType = store.ChatSupergroup
		}
		row.AccessHash, _ = chat.GetAccessHash()
		row.Username, _ = chat.GetUsername()
		row.MemberCount, _ = chat.GetParticipantsCount()
		return row
	case *tg.ChannelForbidden:
		row := &store.CachedChat{
			ChatID:     ChannelChatID(chat.ID),
			ChatType:   store.ChatChannel,
			Title:      chat.Title,
			AccessHash: chat.AccessHash,
			RawJSON:    rawJSON(chat),
			FetchedAt:  now.UnixMilli(),
		}
		if chat.Megagroup {
			row.ChatType = store.ChatSupergroup
		}
		return row
	default:
		return nil
	}
}

// FoldUsers нормализует пользователей из ответа API (messages.getHistory и родня).
func FoldUsers(users []tg.UserClass, now time.Time) []*store.CachedUser {
	rows := make([]*store.CachedUser, 0, len(users))
	for _, u := range users {
		if full, ok := u.(*tg.User); ok {
			rows = append(rows, CachedUserFrom(full, now))
		}
	}
	return rows
}

// FoldChats — то же для диалогов ответа.
func FoldChats(chats []tg.ChatClass, now time.Time) []*store.CachedChat {
	rows := make([]*store.CachedChat, 0, len(chats))
	for _, c := range chats {
		if row := CachedChatFrom(c, now); row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// FoldEntities собирает карты сущностей апдейта в строки кэша пиров.
func FoldEntities(e tg.Entities, now time.Time) ([]*store.CachedUser, []*store.CachedChat) {
	users := make([]*store.CachedUser, 0, len(e.Users))
	for _, u := range e.Users {
		users = append(users, CachedUserFrom(u, now))
	}
	chats := make([]*store.CachedChat, 0, len(e.Chats)+len(e.Channels))
	for _, c := range e.Chats {
		if row := CachedChatFrom(c, now); row != nil {
			chats = append(chats, row)
		}
	}
	for _, c := range e.Channels {
		if row := CachedChatFrom(c, now); row != nil {
			chats = append(chats, row)
		}
	}
	return users, chats
}

// ChatTypeFor определяет тип диалога по каноническому id и сущностям апдейта.
// Для id канального вида без записи в сущностях возвращает channel: отличить
// супергруппу без метаданных нельзя, а политика канала консервативнее.
func ChatTypeFor(chatID int64, e tg.Entities) store.ChatType {
	kind, raw := Split(chatID)
	switch kind {
	case KindUser:
		return store.ChatPrivate
	case KindGroup:
		return store.ChatGroup
	default:
		if ch, ok := e.Channels[raw]; ok && ch.Megagroup {
			return store.ChatSupergroup
		}
		return store.ChatChannel
	}
}

// MemberCountFor извлекает число участников из сущностей апдейта; 0 — неизвестно.
func MemberCountFor(chatID int64, e tg.Entities) int {
	kind, raw := Split(chatID)
	switch kind {
	case KindGroup:
		if c, ok := e.Chats[raw]; ok {
			return c.ParticipantsCount
		}
	case KindChannel:
		if ch, ok := e.Channels[raw]; ok {
			if n, ok := ch.GetParticipantsCount(); ok {
				return n
			}
		}
	}
	return 0
}
