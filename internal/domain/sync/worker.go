package sync

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-syncd/internal/domain/parser"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/telegram/ratelimit"
	"telegram-syncd/internal/store"
	"telegram-syncd/internal/support/debug"
)

// methodGetHistory — метод, которым воркер ходит за историей. Его лимит
// проверяется до захода в сеть, чтобы не жечь попытки об заведомый отказ.
const methodGetHistory = "messages.getHistory"

// DefaultBatchSize — сколько сообщений запрашивается за один вызов истории.
const DefaultBatchSize = 100

// HistoryClient — минимальный срез Telegram API, нужный воркеру. *tg.Client
// реализует его напрямую; тесты подставляют заглушку с готовыми ответами.
type HistoryClient interface {
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Outcome — исход одного прогона воркера.
type Outcome int

const (
	// OutcomeCompleted — джоба дошла до конца и переведена в completed.
	OutcomeCompleted Outcome = iota
	// OutcomeSkipped — джобу успел забрать другой воркер; состояние не менялось.
	OutcomeSkipped
	// OutcomeRateLimited — кооперативный отказ флуд-контроля: джоба помечена
	// failed, зеркало не менялось, новую попытку заведёт планировщик.
	OutcomeRateLimited
	// OutcomeFailed — терминальный провал, текст ошибки в строке джобы.
	OutcomeFailed
)

// Result — итог исполнения джобы. HasMore подсказывает циклу демона, что по
// чату осталась работа и нужна джоба-продолжение.
type Result struct {
	Outcome     Outcome
	JobID       int64
	ChatID      int64
	Fetched     int
	HasMore     bool
	WaitSeconds int
}

// Worker исполняет джобы синхронизации от имени одного аккаунта: берёт строку
// из очереди, строит InputPeer из кэша пиров, выкачивает батч истории,
// нормализует его в зеркало и двигает курсоры чата. Воркеры разных аккаунтов
// делят одну очередь и одно зеркало; сериализацию обеспечивает SQLite.
type Worker struct {
	accountID int64
	api       HistoryClient
	limiter   *ratelimit.Limiter
	st        *store.Store
	batch     int
	clock     func() time.Time
}

// NewWorker собирает воркер аккаунта поверх общего хранилища и лимитера.
func NewWorker(accountID int64, api HistoryClient, limiter *ratelimit.Limiter, st *store.Store) *Worker {
	return &Worker{
		accountID: accountID,
		api:       api,
		limiter:   limiter,
		st:        st,
		batch:     DefaultBatchSize,
		clock:     time.Now,
	}
}

// WithBatchSize меняет размер батча истории. Значения вне 1..100 не имеют
// смысла: сервер всё равно обрежет до сотни.
func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batch = n
	}
	return w
}

// WithClock подменяет источник времени (метки fetched_at в тестах).
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Run исполняет джобу. Pending-джоба сначала захватывается; отказ MarkRunning
// означает проигранную гонку с другим воркером — выходим, ничего не трогая.
// Джоба, уже захваченная планировщиком (ClaimNext), исполняется как есть.
func (w *Worker) Run(ctx context.Context, job *store.SyncJob) (*Result, error) {
	if job.Status == store.JobPending {
		claimed, err := w.st.Jobs.MarkRunning(ctx, job.ID)
		if err != nil {
			return nil, errors.Wrap(err, "mark job running")
		}
		if !claimed {
			return &Result{Outcome: OutcomeSkipped, JobID: job.ID, ChatID: job.ChatID}, nil
		}
	}
	return w.run(ctx, job)
}

// errNoInputPeer — по отрицательному chat_id нет access_hash в кэше; без него
// канал недостижим, джоба проваливается до обновления метаданных чата.
var errNoInputPeer = errors.New("no cached access hash")

// run исполняет уже захваченную (running) джобу.
func (w *Worker) run(ctx context.Context, job *store.SyncJob) (*Result, error) {
	log := logger.Logger().With(
		zap.Int64("account_id", w.accountID),
		zap.Int64("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int64("chat_id", job.ChatID),
	)

	// Флуд-контроль до сети: заблокированный метод проваливает джобу сразу,
	// не трогая ни зеркало, ни курсоры.
	wait, err := w.limiter.WaitTime(ctx, methodGetHistory)
	if err != nil {
		return nil, w.abort(ctx, job.ID, err, "rate limit check")
	}
	if wait > 0 {
		secs := ceilSeconds(wait)
		log.Warn("job rejected by rate limiter", zap.Int("wait_seconds", secs))
		return w.failRateLimited(ctx, job, secs)
	}

	state, err := w.st.ChatSync.Get(ctx, job.ChatID)
	if err != nil {
		return nil, w.abort(ctx, job.ID, err, "load chat sync state")
	}
	if state == nil {
		return w.fail(ctx, job, "Unknown chat: sync state missing")
	}

	// Дочитанная история — защёлка: backward-джоба по такому чату пустая.
	if job.Type == store.JobBackwardHistory && state.HistoryComplete {
		if _, err := w.st.Jobs.MarkCompleted(ctx, job.ID); err != nil {
			return nil, errors.Wrap(err, "mark job completed")
		}
		log.Debug("history already complete")
		return &Result{Outcome: OutcomeCompleted, JobID: job.ID, ChatID: job.ChatID}, nil
	}

	peer, err := w.inputPeer(ctx, job.ChatID)
	if err != nil {
		if errors.Is(err, errNoInputPeer) {
			log.Warn("input peer unavailable")
			return w.fail(ctx, job, "Could not build InputPeer")
		}
		return nil, w.abort(ctx, job.ID, err, "build input peer")
	}

	req := &tg.MessagesGetHistoryRequest{Peer: peer, Limit: w.batch}
	switch job.Type {
	case store.JobForwardCatchup:
		// Всё новее forward-курсора; для свежего чата MinID=0 даст просто
		// новейший батч.
		req.MinID = state.ForwardCursor
	case store.JobBackwardHistory:
		// Всё старше backward-курсора; OffsetID=0 начинает с верхушки.
		req.OffsetID = state.BackwardCursor
	case store.JobInitialLoad, store.JobFullSync:
		// Новейший батч, посев обоих курсоров.
	}

	resp, callErr := w.api.MessagesGetHistory(ctx, req)
	if callErr != nil {
		return w.handleCallError(ctx, job, log, callErr)
	}

	msgs, users, chats := historyParts(resp)
	now := w.clock()

	rows := make([]*store.Message, 0, len(msgs))
	minID, maxID := 0, 0
	for _, m := range msgs {
		row, ok := parser.Parse(m, job.ChatID, now)
		if !ok {
			// Нераспознанное сообщение не валит батч: пропускаем и идём дальше.
			continue
		}
		rows = append(rows, row)
		if minID == 0 || row.MessageID < minID {
			minID = row.MessageID
		}
		if row.MessageID > maxID {
			maxID = row.MessageID
		}
	}

	if err := w.st.Messages.UpsertBatch(ctx, rows); err != nil {
		return nil, w.abort(ctx, job.ID, err, "upsert message batch")
	}
	if err := w.st.Peers.UpsertUsers(ctx, parser.FoldUsers(users, now)); err != nil {
		return nil, w.abort(ctx, job.ID, err, "upsert users cache")
	}
	if err := w.st.Peers.UpsertChats(ctx, parser.FoldChats(chats, now)); err != nil {
		return nil, w.abort(ctx, job.ID, err, "upsert chats cache")
	}

	fetched := len(rows)
	batchFull := len(msgs) >= w.batch
	hasMore := false
	dir := store.DirectionBackward

	switch job.Type {
	case store.JobForwardCatchup:
		dir = store.DirectionForward
		if maxID > 0 {
			if _, err := w.st.ChatSync.AdvanceForward(ctx, job.ChatID, maxID); err != nil {
				return nil, w.abort(ctx, job.ID, err, "advance forward cursor")
			}
		}
		hasMore = batchFull

	case store.JobBackwardHistory:
		if minID > 0 {
			if _, err := w.st.ChatSync.AdvanceBackward(ctx, job.ChatID, minID); err != nil {
				return nil, w.abort(ctx, job.ID, err, "advance backward cursor")
			}
		}
		// Дно истории: первый message_id, неполный батч или пустой ответ.
		complete := fetched == 0 || !batchFull || minID == 1
		if complete {
			if err := w.st.ChatSync.SetHistoryComplete(ctx, job.ChatID, true); err != nil {
				return nil, w.abort(ctx, job.ID, err, "latch history complete")
			}
		}
		hasMore = !complete

	case store.JobInitialLoad:
		if maxID > 0 {
			if err := w.st.ChatSync.SeedCursors(ctx, job.ChatID, maxID, minID, false); err != nil {
				return nil, w.abort(ctx, job.ID, err, "seed cursors")
			}
		}
		if !batchFull {
			// Вся история уместилась в первый батч.
			if err := w.st.ChatSync.SetHistoryComplete(ctx, job.ChatID, true); err != nil {
				return nil, w.abort(ctx, job.ID, err, "latch history complete")
			}
		}
		hasMore = batchFull

	case store.JobFullSync:
		// Принудительный пересев: курсоры затираются границами свежего батча,
		// защёлка выставляется заново по его полноте. HasMore всегда true —
		// продолжение вниз решит планировщик по защёлке.
		if maxID > 0 {
			if err := w.st.ChatSync.SeedCursors(ctx, job.ChatID, maxID, minID, true); err != nil {
				return nil, w.abort(ctx, job.ID, err, "reseed cursors")
			}
		}
		if err := w.st.ChatSync.SetHistoryComplete(ctx, job.ChatID, !batchFull); err != nil {
			return nil, w.abort(ctx, job.ID, err, "reset history complete")
		}
		hasMore = true
	}

	if fetched > 0 {
		prog := store.Progress{FetchedDelta: fetched}
		if dir == store.DirectionForward {
			prog.CursorStart, prog.CursorEnd = minID, maxID
		} else {
			prog.CursorStart, prog.CursorEnd = maxID, minID
		}
		if err := w.st.Jobs.UpdateProgress(ctx, job.ID, prog); err != nil {
			return nil, w.abort(ctx, job.ID, err, "update job progress")
		}
		if err := w.st.ChatSync.IncrementSynced(ctx, job.ChatID, fetched); err != nil {
			return nil, w.abort(ctx, job.ID, err, "increment synced counter")
		}
	}
	if err := w.st.ChatSync.TouchLastSync(ctx, job.ChatID, dir); err != nil {
		return nil, w.abort(ctx, job.ID, err, "touch last sync")
	}
	if _, err := w.st.Jobs.MarkCompleted(ctx, job.ID); err != nil {
		return nil, errors.Wrap(err, "mark job completed")
	}

	log.Info("job completed",
		zap.Int("fetched", fetched), zap.Bool("has_more", hasMore))
	return &Result{
		Outcome: OutcomeCompleted,
		JobID:   job.ID,
		ChatID:  job.ChatID,
		Fetched: fetched,
		HasMore: hasMore,
	}, nil
}

// handleCallError разбирает ошибку вызова истории. FLOOD_WAIT и отказ
// собственной обёртки лимитера — кооперативные исходы; остальное — терминальный
// провал джобы с текстом ошибки.
func (w *Worker) handleCallError(ctx context.Context, job *store.SyncJob, log *zap.Logger, callErr error) (*Result, error) {
	if wait, ok := ratelimit.FloodWaitDuration(callErr); ok {
		if err := w.limiter.SetFloodWait(ctx, methodGetHistory, wait); err != nil {
			logger.Warn("flood wait persist failed", zap.Error(err))
		}
		secs := ceilSeconds(wait)
		log.Warn("flood wait during history fetch", zap.Int("wait_seconds", secs))
		return w.failRateLimited(ctx, job, secs)
	}

	var rlErr *ratelimit.Error
	if errors.As(callErr, &rlErr) {
		// Блокировку поймала обёртка клиента уже после нашей предпроверки.
		return w.failRateLimited(ctx, job, rlErr.Seconds())
	}

	log.Warn("history fetch failed", zap.Error(callErr))
	return w.fail(ctx, job, callErr.Error())
}

// fail переводит джобу в failed с операторским текстом ошибки.
func (w *Worker) fail(ctx context.Context, job *store.SyncJob, msg string) (*Result, error) {
	if _, err := w.st.Jobs.MarkFailed(ctx, job.ID, msg); err != nil {
		return nil, errors.Wrap(err, "mark job failed")
	}
	return &Result{Outcome: OutcomeFailed, JobID: job.ID, ChatID: job.ChatID}, nil
}

// failRateLimited — кооперативный исход: джоба failed с текстом про лимит,
// WaitSeconds подсказывает циклу демона паузу.
func (w *Worker) failRateLimited(ctx context.Context, job *store.SyncJob, secs int) (*Result, error) {
	msg := fmt.Sprintf("Rate limited: wait %ds", secs)
	if _, err := w.st.Jobs.MarkFailed(ctx, job.ID, msg); err != nil {
		return nil, errors.Wrap(err, "mark job failed")
	}
	return &Result{
		Outcome:     OutcomeRateLimited,
		JobID:       job.ID,
		ChatID:      job.ChatID,
		WaitSeconds: secs,
	}, nil
}

// abort — провал на инфраструктурной ошибке: лучшее, что можно сделать, это
// записать её в строку джобы и отдать наверх.
func (w *Worker) abort(ctx context.Context, jobID int64, err error, msg string) error {
	wrapped := errors.Wrap(err, msg)
	if _, markErr := w.st.Jobs.MarkFailed(ctx, jobID, wrapped.Error()); markErr != nil {
		logger.Warnf("job %d: abort not recorded: %v", jobID, markErr)
	}
	return wrapped
}

// inputPeer восстанавливает InputPeer из кэша пиров по каноническому chat_id.
// Для неизвестного положительного id допустим голый user-peer (сервер
// принимает нулевой access_hash для себя и взаимных контактов); неизвестный
// канал без access_hash недостижим.
func (w *Worker) inputPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	kind, raw := parser.Split(chatID)
	switch kind {
	case parser.KindUser:
		user, err := w.st.Peers.GetUser(ctx, raw)
		if err != nil {
			return nil, errors.Wrap(err, "peer cache lookup")
		}
		if user == nil {
			return &tg.InputPeerUser{UserID: raw}, nil
		}
		return &tg.InputPeerUser{UserID: raw, AccessHash: user.AccessHash}, nil
	case parser.KindGroup:
		return &tg.InputPeerChat{ChatID: raw}, nil
	default:
		hash, ok, err := w.st.Peers.AccessHashByChat(ctx, chatID)
		if err != nil {
			return nil, errors.Wrap(err, "peer cache lookup")
		}
		if !ok {
			return nil, errNoInputPeer
		}
		return &tg.InputPeerChannel{ChannelID: raw, AccessHash: hash}, nil
	}
}

// historyParts разбирает варианты ответа messages.getHistory на общие части.
// messages.messagesNotModified трактуем как пустой батч.
func historyParts(resp tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, []tg.ChatClass) {
	switch v := resp.(type) {
	case *tg.MessagesMessages:
		return v.Messages, v.Users, v.Chats
	case *tg.MessagesMessagesSlice:
		return v.Messages, v.Users, v.Chats
	case *tg.MessagesChannelMessages:
		return v.Messages, v.Users, v.Chats
	default:
		debug.Dump("unexpected history response", resp)
		return nil, nil, nil
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
