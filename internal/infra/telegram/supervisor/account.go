package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	tgratelimit "github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/telegram/connstate"
	"telegram-syncd/internal/infra/telegram/ratelimit"
	"telegram-syncd/internal/infra/telegram/recorder"
	"telegram-syncd/internal/infra/telegram/session"
	"telegram-syncd/internal/store"
	"telegram-syncd/internal/support/debug"
	"telegram-syncd/internal/support/version"
)

// Политика переподключения: стартовая пауза 5 секунд, удвоение до потолка
// в 5 минут, не более 10 попыток подряд. Счётчик попыток сбрасывается после
// успешного подключения.
const (
	reconnectInitial  = 5 * time.Second
	reconnectMax      = 5 * time.Minute
	reconnectAttempts = 10

	healthCheckTimeout = 5 * time.Second
)

// Состояния аккаунта внутри супервизора.
const (
	stateConnecting int32 = iota
	stateConnected
	stateReconnecting
	stateMerged
	stateFailed
)

// ConnectResult — исход первичного подключения аккаунта.
type ConnectResult int

const (
	// ResultConnected — сессия авторизована, менеджер апдейтов запущен.
	ResultConnected ConnectResult = iota
	// ResultMerged — строка реестра оказалась дублем и была слита; подключение
	// этого аккаунта не нужно.
	ResultMerged
	// ResultFailed — подключиться не удалось: нет авторизации или сеть.
	ResultFailed
)

var (
	// errNotAuthorized: в bbolt и реестре нет живой сессии. Демон не умеет
	// интерактивный логин, поэтому исход терминальный.
	errNotAuthorized = errors.New("account is not authorized")
	// errMergedAway: строка с телефоном-заглушкой проиграла дублю с настоящим
	// номером и удалена из реестра.
	errMergedAway = errors.New("account row merged into duplicate")
)

// account держит MTProto-клиента одного аккаунта и его жизненный цикл.
type account struct {
	row *store.Account
	sup *Supervisor

	tracker *connstate.Tracker
	waiter  *floodwait.Waiter
	client  *telegram.Client
	mgr     *tgupdates.Manager
	db      *bbolt.DB

	state atomic.Int32

	mu         sync.Mutex
	sessCancel context.CancelFunc

	announce sync.Once
}

// newAccount собирает клиента аккаунта: bbolt-файл сессии (он же хранилище
// состояния апдейтов), floodwait, RPS-лимитер транспорта, кооперативный
// лимитер методов и менеджер апдейтов с общим диспетчером. Сеть здесь не
// трогается — подключение начинается в run.
func newAccount(sup *Supervisor, row *store.Account) (*account, error) {
	env := sup.opts.Env

	db, err := bbolt.Open(env.SessionDBPath(row.ID), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open session db")
	}

	a := &account{
		row:     row,
		sup:     sup,
		tracker: connstate.New(fmt.Sprintf("account-%d", row.ID)),
		waiter:  floodwait.NewWaiter(),
		db:      db,
	}

	sessStorage := session.New(db, sup.opts.Store.Accounts, row.ID).
		OnStore(a.tracker.MarkConnected)

	middlewares := []telegram.Middleware{
		a.waiter,
		tgratelimit.New(rate.Limit(env.ThrottleRPS), env.ThrottleRPS*2),
		ratelimit.NewMiddleware(sup.opts.Limiter, row.ID).WithRunID(sup.opts.RunID),
	}
	if mode := recorderMode(env); mode != recorder.ModeOff {
		middlewares = append(middlewares, recorder.New(mode, env.FixturesDir, row.ID))
	}

	a.mgr = tgupdates.New(tgupdates.Config{
		Handler:      sup.opts.Handler,
		Storage:      boltstor.NewStateStorage(db),
		AccessHasher: &channelHasher{peers: sup.opts.Store.Peers},
	})

	options := telegram.Options{
		SessionStorage:      sessStorage,
		UpdateHandler:       a.mgr,
		Middlewares:         middlewares,
		OnDead:              a.tracker.MarkDisconnected,
		ReconnectionBackoff: reconnectionPolicy,
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}
	if env.TestDC {
		options.DCList = dcs.Test()
	}
	a.client = telegram.NewClient(env.APIID, env.APIHash, options)

	return a, nil
}

// reconnectionPolicy настраивает backoff реконнекта внутри gotd-клиента.
func reconnectionPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.Multiplier = 2
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	return backoff.WithMaxRetries(bo, reconnectAttempts)
}

// recorderMode выбирает режим фикстур; replay сильнее record.
func recorderMode(env config.EnvConfig) recorder.Mode {
	switch {
	case env.ReplayAPI:
		return recorder.ModeReplay
	case env.RecordAPI:
		return recorder.ModeRecord
	default:
		return recorder.ModeOff
	}
}

// run держит аккаунт онлайн до отмены ctx. Упавшие сессии поднимаются заново
// с экспоненциальной паузой; после reconnectAttempts неудач подряд аккаунт
// помечается failed. Отсутствие авторизации и слияние дубля терминальны.
func (a *account) run(ctx context.Context) {
	delay := reconnectInitial
	failures := 0

	for {
		established, err := a.runSession(ctx)
		if established {
			failures = 0
			delay = reconnectInitial
		}

		switch {
		case ctx.Err() != nil:
			a.announceResult(ResultFailed)
			return
		case errors.Is(err, errMergedAway):
			a.state.Store(stateMerged)
			a.announceResult(ResultMerged)
			return
		case errors.Is(err, errNotAuthorized):
			a.state.Store(stateFailed)
			a.announceResult(ResultFailed)
			logger.Warnf("account[%d]: not authorized, giving up", a.row.ID)
			return
		}

		// Сессия упала по восстановимой причине. Исход для стартовой сводки
		// объявляем сразу, попытки продолжаем в фоне.
		a.announceResult(ResultFailed)
		a.tracker.MarkDisconnected()

		failures++
		if failures >= reconnectAttempts {
			a.state.Store(stateFailed)
			logger.Errorf("account[%d]: %d reconnect attempts failed, giving up: %v", a.row.ID, failures, err)
			return
		}

		a.state.Store(stateReconnecting)
		logger.Warnf("account[%d]: session lost (%v), reconnect in %s", a.row.ID, err, delay)
		select {
		case <-ctx.Done():
			a.announceResult(ResultFailed)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// runSession проживает одну MTProto-сессию: подключение, проверка авторизации,
// сверка identity, запуск менеджера апдейтов и блокировка до падения сессии
// или отмены ctx. established=true означает, что аккаунт успел выйти в онлайн.
func (a *account) runSession(ctx context.Context) (established bool, err error) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.setSessionCancel(cancel)

	err = a.waiter.Run(sessCtx, func(ctx context.Context) error {
		return a.client.Run(ctx, func(ctx context.Context) error {
			self, err := a.establish(ctx)
			if err != nil {
				return err
			}
			established = true

			a.state.Store(stateConnected)
			a.tracker.MarkConnected()
			a.announceResult(ResultConnected)
			logger.Logger().Info("account online",
				zap.Int64("account_id", a.row.ID),
				zap.Int64("user_id", self.ID),
				zap.String("username", self.Username),
			)

			return a.watchUpdates(ctx, self.ID)
		})
	})
	return established, err
}

// establish проверяет авторизацию и сверяет identity сессии с реестром.
// Интерактивного логина нет: без готовой сессии аккаунт неавторизован.
func (a *account) establish(ctx context.Context) (*tg.User, error) {
	status, err := a.client.Auth().Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		return nil, errNotAuthorized
	}

	self, err := a.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load self")
	}
	debug.Dump("session self", self)

	if err := reconcileIdentity(ctx, a.sup.opts.Store.Accounts, a.row, self); err != nil {
		return nil, err
	}
	return self, nil
}

// reconcileIdentity обновляет строку реестра фактическим пользователем сессии
// и схлопывает дубликаты по user_id. Выживает строка с настоящим номером
// телефона: если им владеет дубль, собственная строка удаляется и аккаунт
// снимается с подключения через errMergedAway.
func reconcileIdentity(ctx context.Context, accounts *store.AccountService, row *store.Account, self *tg.User) error {
	dup, err := accounts.FindDuplicate(ctx, self.ID, row.ID)
	if err != nil {
		return errors.Wrap(err, "find duplicate")
	}
	if dup != nil {
		if dup.HasRealPhone() && !row.HasRealPhone() {
			if err := accounts.Delete(ctx, row.ID); err != nil {
				return errors.Wrap(err, "drop merged row")
			}
			logger.Warnf("account[%d]: duplicate of account %d (user %d), row removed", row.ID, dup.ID, self.ID)
			return errMergedAway
		}
		if err := accounts.Delete(ctx, dup.ID); err != nil {
			return errors.Wrap(err, "drop duplicate row")
		}
		logger.Warnf("account[%d]: absorbed duplicate account %d (user %d)", row.ID, dup.ID, self.ID)
	}

	name := strings.TrimSpace(self.FirstName + " " + self.LastName)
	if err := accounts.UpdateIdentity(ctx, row.ID, self.ID, name, self.Username, self.Phone); err != nil {
		return errors.Wrap(err, "update identity")
	}
	return nil
}

// watchUpdates запускает менеджер апдейтов и блокируется до конца сессии.
// Падение менеджера рушит сессию целиком: пропущенное восстановится на
// следующем запуске через state storage.
func (a *account) watchUpdates(ctx context.Context, selfID int64) error {
	updCtx, updCancel := context.WithCancel(ctx)
	defer updCancel()

	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Go(func() {
		errCh <- a.mgr.Run(updCtx, a.client.API(), selfID, tgupdates.AuthOptions{
			Forget:  false,
			OnStart: a.handleUpdatesStart,
		})
	})

	select {
	case <-ctx.Done():
		updCancel()
		wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		wg.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "updates manager")
		}
		return errors.New("updates manager stopped")
	}
}

// handleUpdatesStart вызывается менеджером апдейтов при выходе в рабочий
// режим. Отсюда демон узнаёт, что по чатам аккаунта пора заводить catch-up.
func (a *account) handleUpdatesStart(ctx context.Context) {
	a.tracker.MarkConnected()
	if cb := a.sup.opts.OnStarted; cb != nil {
		cb(ctx, a.row.ID)
	}
	logger.Debugf("account[%d]: updates manager started", a.row.ID)
}

// announceResult объявляет исход первичного подключения ровно один раз.
func (a *account) announceResult(res ConnectResult) {
	a.announce.Do(func() {
		a.sup.results <- accountResult{id: a.row.ID, res: res}
	})
}

func (a *account) setSessionCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.sessCancel = cancel
	a.mu.Unlock()
}

// dropSession рвёт текущую сессию; цикл run поднимет новую.
func (a *account) dropSession() {
	a.mu.Lock()
	cancel := a.sessCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// online сообщает, готов ли аккаунт исполнять джобы.
func (a *account) online() bool {
	return a.state.Load() == stateConnected && a.tracker.IsConnected()
}

// checkAlive дешёвым identity-вызовом проверяет, что сессия отвечает. Сетевой
// провал роняет сессию, цикл run переподключает аккаунт. Прочие ошибки
// (например, кооперативный флуд-контроль) живость не опровергают.
func (a *account) checkAlive(ctx context.Context) bool {
	if a.state.Load() != stateConnected {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, err := a.client.Self(callCtx); err != nil {
		if connstate.IsNetworkError(err) {
			logger.Warnf("account[%d]: health check failed: %v", a.row.ID, err)
			a.tracker.MarkDisconnected()
			a.dropSession()
			return false
		}
		logger.Debugf("account[%d]: health check soft error: %v", a.row.ID, err)
	}
	return true
}
