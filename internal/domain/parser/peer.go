// Package parser нормализует сырые объекты MTProto в строки зеркала:
// сообщения messages_cache, записи users_cache/chats_cache и канонические
// идентификаторы диалогов. Парсер не ходит в сеть и не пишет в БД —
// только чистые преобразования поверх типов gotd.
package parser

import "github.com/gotd/td/tg"

// channelIDOffset — смещение канальных идентификаторов: канонический id
// канала и супергруппы равен -(1e12 + channel_id). Базовым группам остаётся
// диапазон малых отрицательных значений, пользователям — положительные.
const channelIDOffset int64 = 1_000_000_000_000

// Kind — разновидность peer на проводе, восстановленная из канонического id.
// Не путать с store.ChatType: канал и супергруппа — один Kind, но разные типы.
type Kind int

const (
	KindUser Kind = iota
	KindGroup
	KindChannel
)

// PeerID приводит peer провода к каноническому знаковому идентификатору:
// пользователь → user_id, базовая группа → -chat_id,
// канал/супергруппа → -(1e12 + channel_id). Для неизвестного peer возвращает 0.
func PeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return GroupChatID(p.ChatID)
	case *tg.PeerChannel:
		return ChannelChatID(p.ChannelID)
	default:
		return 0
	}
}

// UserChatID — канонический id приватного диалога с пользователем.
func UserChatID(userID int64) int64 { return userID }

// GroupChatID — канонический id базовой группы.
func GroupChatID(chatID int64) int64 { return -chatID }

// ChannelChatID — канонический id канала или супергруппы.
func ChannelChatID(channelID int64) int64 { return -(channelIDOffset + channelID) }

// Split раскладывает канонический id обратно на разновидность peer и «сырой»
// идентификатор провода. Неотрицательные id считаются пользовательскими:
// это же правило применяет воркер при построении InputPeer для неизвестного
// положительного диалога.
func Split(chatID int64) (Kind, int64) {
	switch {
	case chatID >= 0:
		return KindUser, chatID
	case -chatID > channelIDOffset:
		return KindChannel, -chatID - channelIDOffset
	default:
		return KindGroup, -chatID
	}
}
