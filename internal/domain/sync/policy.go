package sync

import "telegram-syncd/internal/store"

// Пороги численности для групп: до smallGroupMax участников (не включая) чат
// считается маленьким, до mediumGroupMax включительно — средним.
const (
	smallGroupMax  = 20
	mediumGroupMax = 100
)

// PolicyFor назначает чату приоритет и флаг участия в синхронизации по его
// типу и численности:
//
//	private                — (High, включён);
//	group/supergroup <20   — (High, включён);
//	group/supergroup 20..100 — (Medium, включён);
//	group/supergroup >100  — (Low, выключен);
//	channel                — (Low, выключен).
//
// Политика применяется один раз при первом появлении чата; дальше строкой
// управляет оператор, и повторные апдейты её не перетирают.
func PolicyFor(chatType store.ChatType, memberCount int) (store.Priority, bool) {
	switch chatType {
	case store.ChatPrivate:
		return store.PriorityHigh, true
	case store.ChatGroup, store.ChatSupergroup:
		switch {
		case memberCount < smallGroupMax:
			return store.PriorityHigh, true
		case memberCount <= mediumGroupMax:
			return store.PriorityMedium, true
		default:
			return store.PriorityLow, false
		}
	default: // каналы и неизвестные типы наблюдаем, но не выкачиваем
		return store.PriorityLow, false
	}
}
