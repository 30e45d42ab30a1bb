// Package connstate — состояние MTProto-соединения одного аккаунта.
// Трекер даёт остальному коду три вещи:
//   - WaitOnline(ctx) — блокирует до восстановления связи, если клиент офлайн;
//   - MarkConnected/MarkDisconnected — явные переходы состояния (их зовут
//     OnDead клиента и ран-луп супервизора);
//   - классификацию сетевых ошибок для решения «переподключаться или падать».
//
// Самим восстановлением занимается супервизор; трекер только координирует
// ожидателей через «поколенческий» wait-канал: потеря связи открывает новое
// поколение, восстановление закрывает его и будит всех разом. Пробуждение по
// каналу устаревшего поколения не считается восстановлением — ожидатель
// сверяется со снимком актуального канала.
package connstate

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"

	"telegram-syncd/internal/infra/logger"
)

// Tracker — потокобезопасный трекер соединения одного аккаунта.
type Tracker struct {
	name string // метка аккаунта для журнала

	connected atomic.Bool

	mu     sync.RWMutex
	waitCh chan struct{}
}

// New создаёт трекер в состоянии online: ожидатели не должны блокироваться
// «на ровном месте» до первого зафиксированного разрыва.
func New(name string) *Tracker {
	t := &Tracker{name: name}
	t.connected.Store(true)
	ready := make(chan struct{})
	close(ready)
	t.waitCh = ready
	return t
}

// IsConnected сообщает текущее состояние.
func (t *Tracker) IsConnected() bool {
	return t.connected.Load()
}

// MarkConnected переводит трекер в online и закрывает канал текущего
// поколения, разблокируя всех ожидателей. Идемпотентен.
func (t *Tracker) MarkConnected() {
	if t.connected.Swap(true) {
		return
	}

	t.mu.Lock()
	ch := t.waitCh
	if ch == nil {
		ch = make(chan struct{})
		t.waitCh = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	t.mu.Unlock()

	logger.Infof("connstate[%s]: connection restored", t.name)
}

// MarkDisconnected атомарно переключает online → offline и открывает новое
// поколение канала ожидания. Идемпотентен: повторный разрыв не создаёт
// лишних поколений.
func (t *Tracker) MarkDisconnected() {
	if !t.connected.CompareAndSwap(true, false) {
		return
	}

	t.mu.Lock()
	t.waitCh = make(chan struct{})
	t.mu.Unlock()

	logger.Debugf("connstate[%s]: connection lost", t.name)
}

// WaitOnline блокирует до восстановления соединения или отмены контекста.
// Если уже online — возвращает сразу. Работает по снимкам канала: пробуждение
// по каналу старого поколения продолжает ожидание.
func (t *Tracker) WaitOnline(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if t.connected.Load() {
		return
	}

	for {
		ch := t.currentWaitCh()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if ch == t.currentWaitCh() {
				return
			}
			// Старое поколение; ждём актуальное.
		}
	}
}

// HandleError нормализует ошибку RPC-слоя: сетевые разрывы переводят трекер
// в offline, возвращается признак «это был разрыв».
func (t *Tracker) HandleError(err error) bool {
	if !IsNetworkError(err) {
		return false
	}
	t.MarkDisconnected()
	return true
}

// currentWaitCh возвращает снимок актуального канала ожидания; nil заменяется
// закрытым каналом, чтобы WaitOnline не завис по ошибке инициализации.
func (t *Tracker) currentWaitCh() <-chan struct{} {
	t.mu.RLock()
	ch := t.waitCh
	t.mu.RUnlock()
	if ch == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ch
}

// IsNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме.
// Сетевые: закрытия соединения/движка (pool.ErrConnDead, rpc.ErrEngineClosed),
// исчерпание ретраев, таймауты/дедлайны, EOF и net.Error. Контекстная отмена —
// не сетевая: это штатное завершение.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) {
		return true
	}
	if errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
