// Package sync — ядро синхронизации: политика наблюдения чатов, планировщик
// джоб и воркер, исполняющий их против Telegram API. В рамках пакета решаются
// задачи:
//  1. назначение приоритета и флага участия впервые наблюдаемому чату (policy),
//  2. посев стартовых джоб из состояния чатов и восстановление после падения,
//  3. идемпотентная постановка джоб и продолжений (scheduler),
//  4. исполнение одной джобы: батч истории, нормализация, курсоры (worker).
//
// Пакет не держит собственных горутин: планировщик и воркеры дёргает цикл
// демона, realtime-события пишут в то же зеркало через domain/updates.
package sync

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/store"
)

// Scheduler переводит состояние чатов в джобы и ведёт их очередь. Все методы
// идемпотентны относительно живых (pending/running) джоб чата: повторный вызов
// не плодит дубликатов.
type Scheduler struct {
	jobs  *store.JobService
	chats *store.ChatSyncService
}

// NewScheduler собирает планировщик поверх общего хранилища.
func NewScheduler(st *store.Store) *Scheduler {
	return &Scheduler{jobs: st.Jobs, chats: st.ChatSync}
}

// InitializeForStartup — посев очереди при старте демона: сначала возврат
// осиротевших running-джоб в pending, затем initial_load всем включённым чатам
// без forward-курсора и backward_history всем с недочитанной историей.
// Вызывается один раз, до первого тика воркеров.
func (s *Scheduler) InitializeForStartup(ctx context.Context) error {
	recovered, err := s.jobs.RecoverCrashed(ctx)
	if err != nil {
		return errors.Wrap(err, "recover crashed jobs")
	}
	if recovered > 0 {
		logger.Warnf("recovered %d jobs interrupted by previous crash", recovered)
	}

	chats, err := s.chats.ListEnabled(ctx)
	if err != nil {
		return errors.Wrap(err, "list enabled chats")
	}

	seededInitial, seededBackward := 0, 0
	for _, chat := range chats {
		if chat.ForwardCursor == 0 {
			job, err := s.QueueInitialLoad(ctx, chat.ChatID)
			if err != nil {
				return err
			}
			if job != nil {
				seededInitial++
			}
		}
		if !chat.HistoryComplete {
			job, err := s.QueueBackwardHistory(ctx, chat.ChatID)
			if err != nil {
				return err
			}
			if job != nil {
				seededBackward++
			}
		}
	}
	logger.Infof("startup scheduling: %d chats enabled, %d initial load, %d backward history",
		len(chats), seededInitial, seededBackward)
	return nil
}

// QueueForwardCatchup ставит джобу догона пропущенного после forward-курсора.
// nil без ошибки — чат не отслеживается, выключен или джоба уже в очереди.
func (s *Scheduler) QueueForwardCatchup(ctx context.Context, chatID int64) (*store.SyncJob, error) {
	return s.queue(ctx, chatID, store.JobForwardCatchup)
}

// QueueBackwardHistory ставит джобу углубления в историю. Чату с защёлкой
// history_complete джоба не полагается.
func (s *Scheduler) QueueBackwardHistory(ctx context.Context, chatID int64) (*store.SyncJob, error) {
	return s.queue(ctx, chatID, store.JobBackwardHistory)
}

// QueueInitialLoad ставит джобу первичной загрузки (посев обоих курсоров).
func (s *Scheduler) QueueInitialLoad(ctx context.Context, chatID int64) (*store.SyncJob, error) {
	return s.queue(ctx, chatID, store.JobInitialLoad)
}

// queue — общий идемпотентный путь постановки: чат должен отслеживаться и быть
// включённым, живой дубликат того же типа блокирует новую джобу.
func (s *Scheduler) queue(ctx context.Context, chatID int64, jobType store.JobType) (*store.SyncJob, error) {
	state, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "load chat sync state")
	}
	if state == nil || !state.Enabled {
		return nil, nil
	}
	if jobType == store.JobBackwardHistory && state.HistoryComplete {
		return nil, nil
	}
	active, err := s.jobs.HasActiveForChat(ctx, chatID, jobType)
	if err != nil {
		return nil, errors.Wrap(err, "check active jobs")
	}
	if active {
		return nil, nil
	}
	job, err := s.jobs.Create(ctx, chatID, jobType, state.Priority)
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	logger.Debugf("queued %s for chat %d (priority %d)", jobType, chatID, state.Priority)
	return job, nil
}

// QueueFullSync — принудительная пересинхронизация по требованию оператора:
// запланированная очередь чата отменяется, защёлка history_complete и флаг
// sync_enabled игнорируются — воркер пересеет состояние заново.
func (s *Scheduler) QueueFullSync(ctx context.Context, chatID int64) (*store.SyncJob, error) {
	state, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "load chat sync state")
	}
	if state == nil {
		return nil, errors.Errorf("chat %d is not tracked", chatID)
	}
	active, err := s.jobs.HasActiveForChat(ctx, chatID, store.JobFullSync)
	if err != nil {
		return nil, errors.Wrap(err, "check active jobs")
	}
	if active {
		return nil, nil
	}
	cancelled, err := s.jobs.CancelPendingForChat(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "cancel pending jobs")
	}
	if cancelled > 0 {
		logger.Debugf("full sync for chat %d: cancelled %d pending jobs", chatID, cancelled)
	}
	job, err := s.jobs.Create(ctx, chatID, store.JobFullSync, state.Priority)
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	return job, nil
}

// NextJob атомарно забирает самую срочную pending-джобу (она возвращается уже
// в статусе running). nil — очередь пуста.
func (s *Scheduler) NextJob(ctx context.Context) (*store.SyncJob, error) {
	return s.jobs.ClaimNext(ctx)
}

// EnqueueFollowUp ставит продолжение после успешного прогона с остатком
// работы. Догон продолжается догоном; посевные джобы (initial_load, full_sync)
// продолжаются вниз backward_history-джобой — сам посев не умеет углубляться.
func (s *Scheduler) EnqueueFollowUp(ctx context.Context, job *store.SyncJob, res *Result) (*store.SyncJob, error) {
	if res == nil || res.Outcome != OutcomeCompleted || !res.HasMore {
		return nil, nil
	}
	if job.Type == store.JobForwardCatchup {
		return s.QueueForwardCatchup(ctx, job.ChatID)
	}
	return s.QueueBackwardHistory(ctx, job.ChatID)
}

// Cleanup удаляет терминальные джобы старше age. Дёргается редким тиком
// демона; отрицательный age означает «удалить все терминальные».
func (s *Scheduler) Cleanup(ctx context.Context, age time.Duration) error {
	done, err := s.jobs.CleanupCompleted(ctx, age)
	if err != nil {
		return errors.Wrap(err, "cleanup completed jobs")
	}
	failed, err := s.jobs.CleanupFailed(ctx, age)
	if err != nil {
		return errors.Wrap(err, "cleanup failed jobs")
	}
	if done+failed > 0 {
		logger.Debugf("job cleanup: removed %d completed, %d failed", done, failed)
	}
	return nil
}
