// Package updates содержит обработчики входящих событий Telegram и связывает
// транспортный слой (tg.* updates) с зеркалом сообщений. В рамках пакета
// решаются задачи:
//  1. нормализация новых сообщений в строки messages_cache (domain/parser),
//  2. заведение chat_sync_state для впервые наблюдаемых чатов по политике,
//  3. продвижение forward-курсора вслед за живым потоком,
//  4. применение правок и пометка удалённых без потери строк зеркала,
//  5. защита от повторной обработки (Deduplicator по chatID/msgID/editDate),
//  6. прогрев кэша пиров сущностями апдейта (access hash для воркеров).
//
// Ошибки внутри обработчиков логируются и не поднимаются наверх: один кривой
// апдейт не должен ронять engine апдейтов и, тем более, демон целиком.
package updates

import (
	"context"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-syncd/internal/domain/parser"
	"telegram-syncd/internal/domain/sync"
	"telegram-syncd/internal/infra/concurrency"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/store"
	"telegram-syncd/internal/support/debug"
)

// Handlers осаждает realtime-поток одного аккаунта в общее зеркало. Несколько
// аккаунтов могут состоять в одном чате: первичный ключ (chat_id, message_id)
// и дедупликатор превращают их параллельные потоки в одну строку.
type Handlers struct {
	st    *store.Store
	dedup *concurrency.Deduplicator
	clock func() time.Time
}

// NewHandlers собирает обработчики поверх общего хранилища. Дедупликатор
// передаётся снаружи: его фоновую очистку запускает и останавливает владелец.
func NewHandlers(st *store.Store, dedup *concurrency.Deduplicator) *Handlers {
	return &Handlers{st: st, dedup: dedup, clock: time.Now}
}

// WithClock подменяет источник времени (метки fetched_at в тестах).
func (h *Handlers) WithClock(clock func() time.Time) *Handlers {
	h.clock = clock
	return h
}

// Attach вешает обработчики на диспетчер gotd.
func (h *Handlers) Attach(d *tg.UpdateDispatcher) {
	d.OnNewMessage(h.OnNewMessage)
	d.OnNewChannelMessage(h.OnNewChannelMessage)
	d.OnEditMessage(h.OnEditMessage)
	d.OnEditChannelMessage(h.OnEditChannelMessage)
	d.OnDeleteMessages(h.OnDeleteMessages)
	d.OnDeleteChannelMessages(h.OnDeleteChannelMessages)
}

// OnNewMessage обрабатывает входящее личное или групповое сообщение.
func (h *Handlers) OnNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	h.handleNew(ctx, e, u.Message)
	return nil
}

// OnNewChannelMessage обрабатывает сообщение канала или супергруппы.
func (h *Handlers) OnNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	h.handleNew(ctx, e, u.Message)
	return nil
}

// handleNew — общий пайплайн нового сообщения: парсинг, дедупликация, прогрев
// кэша пиров, заведение чата по политике, апсерт и продвижение forward-курсора.
func (h *Handlers) handleNew(ctx context.Context, e tg.Entities, mc tg.MessageClass) {
	peer, ok := messagePeer(mc)
	if !ok {
		return
	}
	chatID := parser.PeerID(peer)
	if chatID == 0 {
		return
	}
	now := h.clock()
	row, ok := parser.Parse(mc, chatID, now)
	if !ok {
		return
	}
	debug.Message("new", chatID, row.MessageID, row.Text)
	// Повтор апдейта (переподключение, догон состояния) не должен второй раз
	// наращивать счётчики.
	if h.dedup.DedupSeen(chatID, row.MessageID, int(row.EditDate)) {
		return
	}

	h.foldEntities(ctx, e, now)
	if !h.ensureChat(ctx, chatID, e) {
		return
	}

	if err := h.st.Messages.Upsert(ctx, row); err != nil {
		logger.Error("realtime upsert failed",
			zap.Int64("chat_id", chatID), zap.Int("message_id", row.MessageID), zap.Error(err))
		return
	}
	advanced, err := h.st.ChatSync.AdvanceForward(ctx, chatID, row.MessageID)
	if err != nil {
		logger.Error("forward cursor advance failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	if err := h.st.ChatSync.IncrementSynced(ctx, chatID, 1); err != nil {
		logger.Error("synced counter failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if err := h.st.ChatSync.TouchLastSync(ctx, chatID, store.DirectionForward); err != nil {
		logger.Error("last sync touch failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	logger.Debug("realtime message stored",
		zap.Int64("chat_id", chatID), zap.Int("message_id", row.MessageID), zap.Bool("advanced", advanced))
}

// OnEditMessage применяет правку личного или группового сообщения.
func (h *Handlers) OnEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	h.handleEdit(ctx, e, u.Message)
	return nil
}

// OnEditChannelMessage применяет правку сообщения канала.
func (h *Handlers) OnEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	h.handleEdit(ctx, e, u.Message)
	return nil
}

// handleEdit обновляет текст и метки правки. Если зеркало ещё не видело
// сообщение (правка пришла раньше, чем история дошла до него), сохраняем
// полную строку — правка несёт всё, что нужно.
func (h *Handlers) handleEdit(ctx context.Context, e tg.Entities, mc tg.MessageClass) {
	peer, ok := messagePeer(mc)
	if !ok {
		return
	}
	chatID := parser.PeerID(peer)
	if chatID == 0 {
		return
	}
	now := h.clock()
	row, ok := parser.Parse(mc, chatID, now)
	if !ok {
		return
	}
	debug.Message("edit", chatID, row.MessageID, row.Text)
	// Правка меняет editDate — сигнатура дедупликации другая, чем у оригинала.
	if h.dedup.DedupSeen(chatID, row.MessageID, int(row.EditDate)) {
		return
	}

	h.foldEntities(ctx, e, now)

	applied, err := h.st.Messages.ApplyEdit(ctx, chatID, row.MessageID, row.Text, row.EditDate)
	if err != nil {
		logger.Error("edit apply failed",
			zap.Int64("chat_id", chatID), zap.Int("message_id", row.MessageID), zap.Error(err))
		return
	}
	if !applied {
		if !h.ensureChat(ctx, chatID, e) {
			return
		}
		if err := h.st.Messages.Upsert(ctx, row); err != nil {
			logger.Error("edit upsert failed",
				zap.Int64("chat_id", chatID), zap.Int("message_id", row.MessageID), zap.Error(err))
			return
		}
	}
	logger.Debug("edit stored",
		zap.Int64("chat_id", chatID), zap.Int("message_id", row.MessageID), zap.Bool("in_place", applied))
}

// OnDeleteMessages — удаление в личках и базовых группах: апдейт не несёт
// chat_id, id ищутся по всем чатам через индекс message_id.
func (h *Handlers) OnDeleteMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
	if len(u.Messages) == 0 {
		return nil
	}
	n, err := h.st.Messages.MarkDeletedByMessageIDs(ctx, u.Messages)
	if err != nil {
		logger.Error("delete marks failed", zap.Ints("message_ids", u.Messages), zap.Error(err))
		return nil
	}
	logger.Debug("messages marked deleted", zap.Int("requested", len(u.Messages)), zap.Int64("marked", n))
	return nil
}

// OnDeleteChannelMessages — удаление в канале: адресное, по каноническому id.
func (h *Handlers) OnDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	if len(u.Messages) == 0 {
		return nil
	}
	chatID := parser.ChannelChatID(u.ChannelID)
	n, err := h.st.Messages.MarkDeleted(ctx, chatID, u.Messages)
	if err != nil {
		logger.Error("channel delete marks failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	logger.Debug("channel messages marked deleted",
		zap.Int64("chat_id", chatID), zap.Int("requested", len(u.Messages)), zap.Int64("marked", n))
	return nil
}

// ensureChat заводит строку состояния для впервые наблюдаемого чата. Политика
// (приоритет, вкл/выкл) назначается по типу и численности; каналы по умолчанию
// выключены. Существующую строку Ensure не трогает.
func (h *Handlers) ensureChat(ctx context.Context, chatID int64, e tg.Entities) bool {
	chatType := parser.ChatTypeFor(chatID, e)
	members := parser.MemberCountFor(chatID, e)
	prio, enabled := sync.PolicyFor(chatType, members)
	if _, err := h.st.ChatSync.Ensure(ctx, chatID, chatType, members, prio, enabled); err != nil {
		logger.Error("chat state ensure failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return false
	}
	return true
}

// foldEntities осаждает карты сущностей апдейта в кэш пиров: отсюда воркеры
// берут access hash для InputPeer.
func (h *Handlers) foldEntities(ctx context.Context, e tg.Entities, now time.Time) {
	users, chats := parser.FoldEntities(e, now)
	if err := h.st.Peers.UpsertUsers(ctx, users); err != nil {
		logger.Warn("users cache upsert failed", zap.Error(err))
	}
	if err := h.st.Peers.UpsertChats(ctx, chats); err != nil {
		logger.Warn("chats cache upsert failed", zap.Error(err))
	}
}

// messagePeer достаёт peer диалога из вариантов сообщения. У messageEmpty
// peer опционален и зеркалу не нужен.
func messagePeer(mc tg.MessageClass) (tg.PeerClass, bool) {
	switch m := mc.(type) {
	case *tg.Message:
		return m.PeerID, true
	case *tg.MessageService:
		return m.PeerID, true
	default:
		return nil, false
	}
}
