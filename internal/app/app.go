// Пакет app — верхний уровень демона синхронизации. Здесь связываются
// конфигурация, хранилище, realtime-обработчики, супервизор аккаунтов и цикл
// раздачи джоб. Порядок старта:
//  1. захват pid-файла (второй экземпляр на каталоге данных не поднимется),
//  2. открытие и инициализация обеих баз,
//  3. восстановление осиротевших джоб и посев стартовой очереди,
//  4. параллельное подключение аккаунтов,
//  5. основной цикл тиков до сигнала остановки.
//
// Выход всегда через код процесса: 0 — штатно, 1 — ошибка или просроченный
// shutdown, 2 — демон уже работает, 3 — пустой реестр, 4 — ни один аккаунт
// не подключился.
package app

import (
	"context"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	domainsync "telegram-syncd/internal/domain/sync"
	domainupdates "telegram-syncd/internal/domain/updates"
	"telegram-syncd/internal/infra/concurrency"
	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/pidfile"
	"telegram-syncd/internal/infra/telegram/ratelimit"
	"telegram-syncd/internal/infra/telegram/supervisor"
	"telegram-syncd/internal/store"
	"telegram-syncd/internal/support/version"
)

// Коды выхода демона.
const (
	ExitSuccess           = 0
	ExitError             = 1
	ExitAlreadyRunning    = 2
	ExitNoAccounts        = 3
	ExitAllAccountsFailed = 4
)

// accountPool — срез супервизора, который нужен циклу демона. Интерфейс
// позволяет тестам подставлять пул без сети.
type accountPool interface {
	HealthCheck(ctx context.Context) int
	ConnectedCount() int
	Close()
}

// jobExecutor исполняет одну джобу синхронизации. Реализуется sync.Worker.
type jobExecutor interface {
	Run(ctx context.Context, job *store.SyncJob) (*domainsync.Result, error)
}

// accountExecutor — воркер одного аккаунта с признаком готовности к работе.
type accountExecutor struct {
	accountID int64
	online    func() bool
	exec      jobExecutor
}

// App агрегирует зависимости демона. Поля заполняются в run; тесты собирают
// урезанный App руками и дёргают методы цикла напрямую.
type App struct {
	env     config.EnvConfig
	runID   string
	started time.Time
	clock   func() time.Time

	st    *store.Store
	dedup *concurrency.Deduplicator
	sched *domainsync.Scheduler
	pool  accountPool

	executors []accountExecutor
}

// Run выполняет полный жизненный цикл демона и возвращает код выхода процесса.
// Блокируется до отмены ctx (сигнал) или фатальной ошибки старта.
func Run(ctx context.Context, env config.EnvConfig) int {
	a := &App{
		env:     env,
		runID:   uuid.NewString(),
		started: time.Now(),
		clock:   time.Now,
	}
	return a.run(ctx)
}

func (a *App) run(ctx context.Context) int {
	logger.Logger().Info("syncd starting",
		zap.String("version", version.Version),
		zap.String("run_id", a.runID),
		zap.Int("pid", os.Getpid()),
	)

	pid, err := pidfile.Acquire(a.env.PIDPath())
	if err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			logger.Errorf("%v", err)
			return ExitAlreadyRunning
		}
		logger.Errorf("acquire pid file: %v", err)
		return ExitError
	}
	defer func() {
		if err := pid.Release(); err != nil {
			logger.Warnf("release pid file: %v", err)
		}
	}()

	st, err := store.Open(a.env.DataDBPath(), a.env.CacheDBPath())
	if err != nil {
		logger.Errorf("open store: %v", err)
		return ExitError
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}()
	if err := st.Init(ctx); err != nil {
		logger.Errorf("init schema: %v", err)
		return ExitError
	}
	a.st = st

	// Очередь приводится в порядок до первого подключения: осиротевшие
	// running-джобы возвращаются в pending, включённым чатам сеются стартовые
	// джобы. Первый тик получает готовую очередь.
	a.sched = domainsync.NewScheduler(st)
	if err := a.sched.InitializeForStartup(ctx); err != nil {
		logger.Errorf("startup scheduling: %v", err)
		return ExitError
	}

	a.dedup = concurrency.NewDeduplicator(a.env.DedupWindowSec)
	a.dedup.Start(ctx)
	defer a.dedup.Stop()

	dispatcher := tg.NewUpdateDispatcher()
	domainupdates.NewHandlers(st, a.dedup).Attach(&dispatcher)

	limiter := ratelimit.NewLimiter(st.RateLimits)

	sup := supervisor.New(supervisor.Options{
		Env:       a.env,
		Store:     st,
		Limiter:   limiter,
		RunID:     a.runID,
		Handler:   dispatcher,
		OnStarted: a.queueCatchup,
	})
	a.pool = sup

	summary, err := sup.ConnectAll(ctx)
	if err != nil {
		sup.Close()
		if errors.Is(err, context.Canceled) {
			logger.Info("startup interrupted")
			return ExitSuccess
		}
		logger.Errorf("connect accounts: %v", err)
		return ExitError
	}
	logger.Logger().Info("accounts connected",
		zap.Int("connected", summary.Connected),
		zap.Int("merged", summary.Merged),
		zap.Int("failed", summary.Failed),
		zap.Int("total", summary.Total),
	)
	switch {
	case summary.Total == 0:
		logger.Error("registry has no active accounts, nothing to sync")
		return ExitNoAccounts
	case summary.Connected == 0:
		sup.Close()
		logger.Error("no account could connect")
		return ExitAllAccountsFailed
	}

	for _, c := range sup.Clients() {
		w := domainsync.NewWorker(c.AccountID, c.API, limiter, st).
			WithBatchSize(a.env.SyncBatchSize)
		a.executors = append(a.executors, accountExecutor{
			accountID: c.AccountID,
			online:    c.Online,
			exec:      w,
		})
	}

	a.flushStatus(ctx, daemonStatusRunning)
	return a.loop(ctx)
}

// queueCatchup заводит forward-догон всем включённым чатам с курсором. Демон
// вызывает его после выхода realtime-потока аккаунта в рабочий режим: всё, что
// случилось между сессиями, доберёт джоба. Постановка идемпотентна, повторный
// вызов от второго аккаунта дубликатов не создаёт.
func (a *App) queueCatchup(ctx context.Context, accountID int64) {
	chats, err := a.st.ChatSync.ListEnabled(ctx)
	if err != nil {
		logger.Warnf("account[%d]: list chats for catch-up: %v", accountID, err)
		return
	}
	queued := 0
	for _, chat := range chats {
		if chat.ForwardCursor == 0 {
			continue
		}
		job, err := a.sched.QueueForwardCatchup(ctx, chat.ChatID)
		if err != nil {
			logger.Warnf("queue forward catch-up for chat %d: %v", chat.ChatID, err)
			continue
		}
		if job != nil {
			queued++
		}
	}
	if queued > 0 {
		logger.Infof("account[%d]: queued %d forward catch-up jobs", accountID, queued)
	}
}
