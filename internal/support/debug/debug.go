// Package debug — вспомогательные утилиты для отладки демона синхронизации.
// Здесь сосредоточены трассировка живого потока сообщений и развёрнутые дампы
// произвольных значений API поверх общего структурированного лога. Цели:
//   - быстро видеть в логе входящие события (чат, id, обрезанный текст);
//   - разворачивать редкие или неожиданные структуры gotd целиком;
//   - не выполнять ни байта форматирования, когда уровень debug выключен.
//
// Пакет не влияет на бизнес-логику: при уровне лога выше debug все функции
// молчат и стоят дёшево.
package debug

import (
	"fmt"
	"unicode/utf8"

	"github.com/kr/pretty"
	"go.uber.org/zap"

	"telegram-syncd/internal/infra/logger"
)

// textMaxLen — предел длины текста сообщения в трассировке.
const textMaxLen = 50

// Message пишет компактную строку о входящем сообщении: источник, адрес и
// текст. Считаем и режем по рунам, а не по байтам, чтобы не порвать UTF-8.
func Message(prefix string, chatID int64, messageID int, text string) {
	if !logger.IsDebugEnabled() {
		return
	}
	if utf8.RuneCountInString(text) > textMaxLen {
		runes := []rune(text)
		text = string(runes[:textMaxLen]) + "..."
	}
	logger.Debugf("[%s] chat %d msg %d: %s", prefix, chatID, messageID, text)
}

// Dump пишет запись уровня Debug с развёрнутым представлением значения.
// Форматирование дорогое, поэтому выполняется только под включённым debug.
func Dump(msg string, v any) {
	if !logger.IsDebugEnabled() {
		return
	}
	logger.Debug(msg, zap.String("dump", Pf(v)))
}

// Pf возвращает pretty-строку значения. Удобно для логов и тестов; помните
// про аллокации на горячих путях.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}
