// Package ratelimit — персистентный лимитер исходящих RPC. Счётчики и отметки
// FLOOD_WAIT живут в SQLite (store.RateLimitService) и переживают рестарт:
// демон, перезапущенный посреди окна, продолжает считать с того же места.
// Поверх лимитера работает Middleware, встраиваемый в цепочку клиента gotd.
package ratelimit

import (
	"context"
	"time"

	"telegram-syncd/internal/store"
)

// DefaultLimit — потолок вызовов метода в одном окне, если явного нет.
const DefaultLimit = 30

// defaultMethodLimits — потолки «горячих» методов: история и диалоги дороже
// для сервера и раньше приводят к FLOOD_WAIT.
var defaultMethodLimits = map[string]int{
	"messages.getHistory":      20,
	"messages.getDialogs":      10,
	"contacts.resolveUsername": 5,
}

// Limiter решает «пускать или ждать» для каждого метода API. Хранение —
// в store.RateLimitService, здесь только политика: лимиты на окно и учёт
// действующих FLOOD_WAIT.
type Limiter struct {
	rates  *store.RateLimitService
	limits map[string]int
	clock  func() time.Time
}

// NewLimiter создаёт лимитер с потолками по умолчанию.
func NewLimiter(rates *store.RateLimitService) *Limiter {
	limits := make(map[string]int, len(defaultMethodLimits))
	for method, n := range defaultMethodLimits {
		limits[method] = n
	}
	return &Limiter{rates: rates, limits: limits, clock: time.Now}
}

// WithClock подменяет источник времени. Часы должны совпадать с часами
// хранилища, иначе границы окон разойдутся.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// SetLimit задаёт потолок вызовов метода в одном окне.
func (l *Limiter) SetLimit(method string, n int) {
	l.limits[method] = n
}

func (l *Limiter) limitFor(method string) int {
	if n, ok := l.limits[method]; ok {
		return n
	}
	return DefaultLimit
}

// WaitTime возвращает, сколько осталось ждать до разблокировки метода:
// максимум из остатка FLOOD_WAIT и, при исчерпанном окне, остатка до его
// конца. Ноль — метод свободен.
func (l *Limiter) WaitTime(ctx context.Context, method string) (time.Duration, error) {
	nowMS := l.clock().UnixMilli()

	until, err := l.rates.FloodWaitUntil(ctx, method)
	if err != nil {
		return 0, err
	}
	var wait time.Duration
	if until > nowMS {
		wait = time.Duration(until-nowMS) * time.Millisecond
	}

	count, err := l.rates.CurrentWindowCount(ctx, method)
	if err != nil {
		return 0, err
	}
	if count >= l.limitFor(method) {
		if rem := windowRemaining(nowMS); rem > wait {
			wait = rem
		}
	}
	return wait, nil
}

// IsBlocked сообщает, заблокирован ли метод прямо сейчас.
func (l *Limiter) IsBlocked(ctx context.Context, method string) (bool, error) {
	wait, err := l.WaitTime(ctx, method)
	if err != nil {
		return false, err
	}
	return wait > 0, nil
}

// RecordCall учитывает одну попытку вызова метода в текущем окне.
func (l *Limiter) RecordCall(ctx context.Context, method string) (int, error) {
	return l.rates.RecordCall(ctx, method)
}

// SetFloodWait блокирует метод на wait от текущего момента.
func (l *Limiter) SetFloodWait(ctx context.Context, method string, wait time.Duration) error {
	return l.rates.SetFloodWait(ctx, method, l.clock().UnixMilli()+wait.Milliseconds())
}

// LogActivity пишет одну попытку RPC в журнал api_activity.
func (l *Limiter) LogActivity(ctx context.Context, a store.APIActivity) error {
	return l.rates.LogActivity(ctx, a)
}

// windowRemaining — время до конца окна, в котором находится nowMS.
func windowRemaining(nowMS int64) time.Duration {
	windowMS := store.RateWindow.Milliseconds()
	return time.Duration(windowMS-nowMS%windowMS) * time.Millisecond
}
