package ratelimit

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/store"
)

// Error — отказ лимитера: метод заблокирован, вызов к серверу не выполнялся.
// Отличим от транзиентных ошибок через errors.As; воркер переводит его
// в кооперативный результат, а не в провал джобы с ретраем.
type Error struct {
	Method string
	Wait   time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s rate limited: wait %ds", e.Method, e.Seconds())
}

// Seconds — остаток ожидания в целых секундах, округлённый вверх.
func (e *Error) Seconds() int {
	return int(math.Ceil(e.Wait.Seconds()))
}

// guardKey помечает контекст вызова, уже прошедшего через лимитер: вложенная
// обёртка пропускает вызов без повторного учёта (двойное оборачивание — no-op).
type guardKey struct{}

// Middleware встраивает персистентный лимитер в цепочку клиента gotd:
// отклоняет заблокированные методы, учитывает попытки, меряет длительность,
// снимает FLOOD_WAIT из ошибок и пишет журнал api_activity.
type Middleware struct {
	limiter   *Limiter
	accountID int64
	runID     string
}

// NewMiddleware связывает лимитер с аккаунтом: журнал попыток подписывается
// его id.
func NewMiddleware(limiter *Limiter, accountID int64) *Middleware {
	return &Middleware{limiter: limiter, accountID: accountID}
}

// WithRunID подписывает записи журнала идентификатором запуска демона: по нему
// строки api_activity группируются в разрезе одного процесса.
func (m *Middleware) WithRunID(runID string) *Middleware {
	m.runID = runID
	return m
}

// Handle реализует telegram.Middleware.
func (m *Middleware) Handle(next tg.Invoker) telegram.InvokeFunc {
	return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
		if ctx.Value(guardKey{}) != nil {
			return next.Invoke(ctx, input, output)
		}
		ctx = context.WithValue(ctx, guardKey{}, struct{}{})

		method := methodName(input)
		if method == "" {
			// Не TL-запрос; учитывать нечего.
			return next.Invoke(ctx, input, output)
		}

		wait, err := m.limiter.WaitTime(ctx, method)
		if err != nil {
			// Недоступность учёта не повод ронять вызов: глобальный
			// RPS-лимитер и waiter в цепочке всё ещё действуют.
			logger.Warn("rate limiter check failed", zap.String("method", method), zap.Error(err))
		} else if wait > 0 {
			m.logAttempt(ctx, method, false, "RATE_LIMITED", 0)
			return &Error{Method: method, Wait: wait}
		}

		if _, err := m.limiter.RecordCall(ctx, method); err != nil {
			logger.Warn("rate limiter record failed", zap.String("method", method), zap.Error(err))
		}

		start := m.limiter.clock()
		callErr := next.Invoke(ctx, input, output)
		elapsed := m.limiter.clock().Sub(start)

		if callErr != nil {
			if wait, ok := floodWait(callErr); ok {
				if err := m.limiter.SetFloodWait(ctx, method, wait); err != nil {
					logger.Warn("flood wait persist failed",
						zap.String("method", method), zap.Error(err))
				} else {
					logger.Warn("flood wait received",
						zap.String("method", method), zap.Duration("wait", wait))
				}
			}
		}
		m.logAttempt(ctx, method, callErr == nil, errorCode(callErr), elapsed.Milliseconds())
		return callErr
	}
}

func (m *Middleware) logAttempt(ctx context.Context, method string, success bool, code string, responseMS int64) {
	err := m.limiter.LogActivity(ctx, store.APIActivity{
		AccountID:  m.accountID,
		Method:     method,
		Success:    success,
		ErrorCode:  code,
		ResponseMS: responseMS,
		Context:    m.runID,
	})
	if err != nil {
		logger.Warn("api activity log failed", zap.String("method", method), zap.Error(err))
	}
}

// methodName — TL-имя запроса; пустая строка для объектов без TypeName.
func methodName(input bin.Encoder) string {
	if named, ok := input.(interface{ TypeName() string }); ok {
		return named.TypeName()
	}
	return ""
}

var floodWaitPattern = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)

// floodWait извлекает длительность FLOOD_WAIT: сначала структурно через tgerr,
// затем по тексту FLOOD_WAIT_<N> — на случай ошибок, обёрнутых чужим текстом.
func floodWait(err error) (time.Duration, bool) {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return d, true
	}
	if m := floodWaitPattern.FindStringSubmatch(err.Error()); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// FloodWaitDuration — то же извлечение для потребителей вне цепочки: воркер
// по нему отличает кооперативный флуд-контроль от настоящего провала джобы.
func FloodWaitDuration(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	return floodWait(err)
}

// errorCode — тип RPC-ошибки для журнала (FLOOD_WAIT, AUTH_KEY_UNREGISTERED...),
// "ERROR" для прочих ошибок, пустая строка для успеха.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.Type
	}
	return "ERROR"
}
