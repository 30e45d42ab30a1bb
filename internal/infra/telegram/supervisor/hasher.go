package supervisor

import (
	"context"

	tgupdates "github.com/gotd/td/telegram/updates"

	"telegram-syncd/internal/domain/parser"
	"telegram-syncd/internal/store"
)

// channelHasher отдаёт менеджеру апдейтов access hash каналов из общего кэша
// чатов. Кэш один на все аккаунты и ключуется каноническим chat_id, поэтому
// userID из сигнатуры gotd игнорируется.
type channelHasher struct {
	peers *store.PeerCacheService
}

var _ tgupdates.ChannelAccessHasher = (*channelHasher)(nil)

func (h *channelHasher) SetChannelAccessHash(ctx context.Context, userID, channelID, accessHash int64) error {
	return h.peers.SaveChannelHash(ctx, parser.ChannelChatID(channelID), accessHash)
}

func (h *channelHasher) GetChannelAccessHash(ctx context.Context, userID, channelID int64) (int64, bool, error) {
	return h.peers.AccessHashByChat(ctx, parser.ChannelChatID(channelID))
}
