package parser

import (
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-syncd/internal/infra/codec"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/store"
)

// Parse нормализует сообщение провода в строку messages_cache.
// chatID — канонический id диалога, now — момент получения (часы демона).
// Возвращает (nil, false) для messageEmpty и незнакомых типов слоя: зеркалу
// такие записи не нужны. Служебные сообщения сохраняются с типом service —
// их наличие важно для полноты истории, даже без текста.
func Parse(m tg.MessageClass, chatID int64, now time.Time) (*store.Message, bool) {
	switch msg := m.(type) {
	case *tg.Message:
		return parseMessage(msg, chatID, now), true
	case *tg.MessageService:
		return parseService(msg, chatID, now), true
	default:
		return nil, false
	}
}

func parseMessage(msg *tg.Message, chatID int64, now time.Time) *store.Message {
	row := &store.Message{
		ChatID:     chatID,
		MessageID:  msg.ID,
		Text:       msg.Message,
		Type:       store.MessageText,
		IsOutgoing: msg.Out,
		IsPinned:   msg.Pinned,
		Date:       int64(msg.Date),
		FetchedAt:  now.UnixMilli(),
		RawJSON:    rawJSON(msg),
	}
	if from, ok := msg.GetFromID(); ok {
		row.FromID = PeerID(from)
	}
	if fwd, ok := msg.GetFwdFrom(); ok {
		if origin, ok := fwd.GetFromID(); ok {
			// Происхождение пересылки бывает всех трёх видов peer,
			// включая базовые группы.
			row.ForwardFromID = PeerID(origin)
		}
	}
	if reply, ok := msg.GetReplyTo(); ok {
		if header, ok := reply.(*tg.MessageReplyHeader); ok {
			if id, ok := header.GetReplyToMsgID(); ok {
				row.ReplyToID = id
			}
		}
	}
	if edit, ok := msg.GetEditDate(); ok && edit > 0 {
		row.IsEdited = true
		row.EditDate = int64(edit)
	}
	if media, ok := msg.GetMedia(); ok {
		if t, has := mediaType(media); has {
			row.Type = t
			row.HasMedia = true
		}
	}
	return row
}

func parseService(msg *tg.MessageService, chatID int64, now time.Time) *store.Message {
	row := &store.Message{
		ChatID:     chatID,
		MessageID:  msg.ID,
		Type:       store.MessageTypeService,
		IsOutgoing: msg.Out,
		Date:       int64(msg.Date),
		FetchedAt:  now.UnixMilli(),
		RawJSON:    rawJSON(msg),
	}
	if from, ok := msg.GetFromID(); ok {
		row.FromID = PeerID(from)
	}
	return row
}

// rawJSON сохраняет полный объект провода в переносимой JSON-модели:
// дегидрация помечает 64-битные значения и байтовые буферы маркерами,
// канонический маршал даёт детерминированную строку.
func rawJSON(v any) string {
	data, err := codec.MarshalCanonical(codec.Dehydrate(v))
	if err != nil {
		// Канонический маршал падает только на NaN/Inf; в объектах провода
		// таких значений не бывает, но строка зеркала важнее сырца.
		logger.Warn("raw payload marshal failed", zap.Error(err))
		return ""
	}
	return string(data)
}

// mediaType сводит объединение медиа провода к нормализованному типу.
// Второй результат false означает «медиа фактически нет» (messageMediaEmpty).
func mediaType(media tg.MessageMediaClass) (store.MessageType, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaEmpty:
		return store.MessageText, false
	case *tg.MessageMediaPhoto:
		return store.MessagePhoto, true
	case *tg.MessageMediaDocument:
		return documentType(m), true
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive:
		return store.MessageLocation, true
	case *tg.MessageMediaContact:
		return store.MessageContact, true
	case *tg.MessageMediaVenue:
		return store.MessageVenue, true
	case *tg.MessageMediaGame:
		return store.MessageGame, true
	case *tg.MessageMediaInvoice:
		return store.MessageInvoice, true
	case *tg.MessageMediaPoll:
		return store.MessagePoll, true
	case *tg.MessageMediaDice:
		return store.MessageDice, true
	case *tg.MessageMediaStory:
		return store.MessageStory, true
	case *tg.MessageMediaWebPage:
		return store.MessageWebpage, true
	default:
		return store.MessageUnknown, true
	}
}

// documentType уточняет тип документа по его атрибутам. Стикеры и GIF несут
// также видео-атрибут, поэтому они распознаются первыми, по мере обхода.
func documentType(m *tg.MessageMediaDocument) store.MessageType {
	docClass, ok := m.GetDocument()
	if !ok {
		return store.MessageDocument
	}
	doc, ok := docClass.(*tg.Document)
	if !ok {
		return store.MessageDocument
	}
	var video, audio, voice bool
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker:
			return store.MessageSticker
		case *tg.DocumentAttributeAnimated:
			return store.MessageGIF
		case *tg.DocumentAttributeVideo:
			video = true
		case *tg.DocumentAttributeAudio:
			audio = true
			voice = a.Voice
		}
	}
	switch {
	case voice:
		return store.MessageVoice
	case video:
		return store.MessageVideo
	case audio:
		return store.MessageAudio
	default:
		return store.MessageDocument
	}
}
