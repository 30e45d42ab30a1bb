// Пакет supervisor поднимает и держит онлайн MTProto-клиентов всех активных
// аккаунтов реестра. Обязанности:
//  1. сборка клиента на аккаунт: bbolt-сессия, floodwait, RPS-лимитер,
//     кооперативный лимитер методов, менеджер апдейтов с общим диспетчером;
//  2. подключение без интерактивного логина: пустая сессия — терминальный
//     отказ, демон никогда не спрашивает код;
//  3. сверка identity с реестром и слияние дубликатов (выживает строка
//     с настоящим номером телефона);
//  4. переподключение упавших сессий с экспоненциальной паузой и лимитом
//     попыток;
//  5. health-check по запросу демона и раздача воркерам ручек аккаунтов.
package supervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/telegram/ratelimit"
	"telegram-syncd/internal/store"
)

// Options — зависимости супервизора.
type Options struct {
	Env     config.EnvConfig
	Store   *store.Store
	Limiter *ratelimit.Limiter
	// RunID — идентификатор запуска демона; им подписывается журнал
	// api_activity всех аккаунтов.
	RunID string
	// Handler получает упорядоченные апдейты всех аккаунтов; обычно это общий
	// tg.UpdateDispatcher с доменными обработчиками.
	Handler telegram.UpdateHandler
	// OnStarted вызывается после выхода менеджера апдейтов аккаунта в рабочий
	// режим. Демон заводит отсюда forward-catchup по чатам с курсорами.
	OnStarted func(ctx context.Context, accountID int64)
}

// Supervisor владеет аккаунтами и их жизненным циклом.
type Supervisor struct {
	opts     Options
	accounts []*account
	results  chan accountResult
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type accountResult struct {
	id  int64
	res ConnectResult
}

// Summary — стартовый снимок подключения: по нему демон решает, с каким кодом
// выходить (нет аккаунтов, все провалились).
type Summary struct {
	Connected int
	Merged    int
	Failed    int
	Total     int
}

// Client — ручка аккаунта для воркеров синхронизации.
type Client struct {
	AccountID int64
	API       *tg.Client
	Online    func() bool
}

// New создаёт супервизор. Подключение начинается в ConnectAll.
func New(opts Options) *Supervisor {
	return &Supervisor{opts: opts}
}

// ConnectAll поднимает все активные аккаунты и блокируется, пока каждый не
// объявит исход первичного подключения. Провалившиеся продолжают попытки в
// фоне; сводка — снимок на момент старта.
func (s *Supervisor) ConnectAll(ctx context.Context) (Summary, error) {
	rows, err := s.opts.Store.Accounts.ListActive(ctx)
	if err != nil {
		return Summary{}, errors.Wrap(err, "list accounts")
	}

	sum := Summary{Total: len(rows)}
	if len(rows) == 0 {
		return sum, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.results = make(chan accountResult, len(rows))

	for _, row := range rows {
		acc, err := newAccount(s, row)
		if err != nil {
			logger.Errorf("account[%d]: init failed: %v", row.ID, err)
			sum.Failed++
			continue
		}
		s.accounts = append(s.accounts, acc)
		s.wg.Go(func() { acc.run(runCtx) })
	}

	for pending := len(s.accounts); pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		case r := <-s.results:
			switch r.res {
			case ResultConnected:
				sum.Connected++
			case ResultMerged:
				sum.Merged++
				logger.Infof("account[%d]: merged into duplicate registry row", r.id)
			case ResultFailed:
				sum.Failed++
				logger.Warnf("account[%d]: initial connect failed", r.id)
			}
		}
	}
	return sum, nil
}

// HealthCheck опрашивает подключённые аккаунты дешёвым identity-вызовом.
// Возвращает число живых. Упавшие переподключаются в фоне.
func (s *Supervisor) HealthCheck(ctx context.Context) int {
	alive := 0
	for _, acc := range s.accounts {
		if acc.checkAlive(ctx) {
			alive++
		}
	}
	return alive
}

// ConnectedCount — текущее число аккаунтов в состоянии connected.
func (s *Supervisor) ConnectedCount() int {
	n := 0
	for _, acc := range s.accounts {
		if acc.online() {
			n++
		}
	}
	return n
}

// Clients возвращает ручки поднятых аккаунтов в порядке возрастания ID.
// API валиден всё время жизни супервизора; Online отражает текущую сессию.
func (s *Supervisor) Clients() []Client {
	out := make([]Client, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, Client{
			AccountID: acc.row.ID,
			API:       acc.client.API(),
			Online:    acc.online,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Close останавливает циклы аккаунтов и закрывает их bbolt-файлы.
// Блокируется до полного выхода.
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	for _, acc := range s.accounts {
		if err := acc.db.Close(); err != nil {
			logger.Warnf("account[%d]: close session db: %v", acc.row.ID, err)
		}
	}
}
