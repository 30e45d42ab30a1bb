// Файл daemon.go — цикл тиков демона: раздача джоб воркерам, периодический
// health-check, публикация статуса и уборка терминальных джоб. Цикл
// однопоточный, воркеры зовутся по одному; параллелизм существует только
// между аккаунтами на уровне их клиентов и между тиком и realtime-потоком.
package app

import (
	"context"
	"os"
	"strconv"
	"time"

	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/store"
)

// Периоды обслуживания в тиках и возрасты данных для уборки.
const (
	healthEveryTicks  = 10
	cleanupEveryTicks = 300
	cleanupAge        = 24 * time.Hour
	activityAge       = 7 * 24 * time.Hour

	statusFlushTimeout = 5 * time.Second
)

// Значения ключа daemon_status.
const (
	daemonStatusRunning = "running"
	daemonStatusStopped = "stopped"
)

// loop крутит тики до отмены ctx. Каждый тик — раздача джоб; каждый десятый —
// health-check и срез статуса; каждый трёхсотый — уборка. Возвращает код
// выхода процесса.
func (a *App) loop(ctx context.Context) int {
	interval := time.Duration(a.env.TickIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Infof("daemon loop started: tick %s, %d workers", interval, len(a.executors))

	for tick := 0; ; {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-ticker.C:
			tick++
			a.processJobs(ctx)
			if tick%healthEveryTicks == 0 {
				a.pool.HealthCheck(ctx)
				a.flushStatus(ctx, daemonStatusRunning)
			}
			if tick%cleanupEveryTicks == 0 {
				a.cleanup(ctx)
			}
		}
	}
}

// processJobs раздаёт не больше одной джобы на онлайн-аккаунт за тик. Очередь
// общая, порядок решают priority и created_at; офлайн-аккаунты пропускаются
// без захвата джобы. Между запусками выдерживается пауза JOB_SPACING_MS.
func (a *App) processJobs(ctx context.Context) {
	ran := 0
	for _, ex := range a.executors {
		if ctx.Err() != nil {
			return
		}
		if !ex.online() {
			continue
		}
		if ran > 0 && !waitSpacing(ctx, a.env.JobSpacingMS) {
			return
		}

		job, err := a.sched.NextJob(ctx)
		if err != nil {
			logger.Warnf("claim next job: %v", err)
			return
		}
		if job == nil {
			return
		}

		res, err := ex.exec.Run(ctx, job)
		ran++
		if err != nil {
			logger.Errorf("job %d (%s, chat %d) on account %d: %v",
				job.ID, job.Type, job.ChatID, ex.accountID, err)
			continue
		}
		if _, err := a.sched.EnqueueFollowUp(ctx, job, res); err != nil {
			logger.Warnf("enqueue follow-up for chat %d: %v", job.ChatID, err)
		}
	}
}

// cleanup — редкий тик обслуживания: терминальные джобы старше суток,
// остывшие окна rate_limits (действующие FLOOD_WAIT переживают уборку) и
// журнал api_activity старше недели.
func (a *App) cleanup(ctx context.Context) {
	if err := a.sched.Cleanup(ctx, cleanupAge); err != nil {
		logger.Warnf("job cleanup: %v", err)
	}
	if _, err := a.st.RateLimits.CleanupWindows(ctx, cleanupAge); err != nil {
		logger.Warnf("rate window cleanup: %v", err)
	}
	if _, err := a.st.RateLimits.CleanupActivity(ctx, activityAge); err != nil {
		logger.Warnf("api activity cleanup: %v", err)
	}
}

// waitSpacing выдерживает паузу между джобами одного тика. false — демон
// остановлен во время ожидания.
func waitSpacing(ctx context.Context, ms int) bool {
	if ms <= 0 {
		return true
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// flushStatus публикует снимок состояния демона в daemon_status. Снимок —
// best effort: провал отдельного подсчёта не мешает записи остального.
func (a *App) flushStatus(ctx context.Context, status string) {
	pending, err := a.st.Jobs.CountByStatus(ctx, store.JobPending)
	if err != nil {
		logger.Warnf("status: count pending jobs: %v", err)
	}
	running, err := a.st.Jobs.CountByStatus(ctx, store.JobRunning)
	if err != nil {
		logger.Warnf("status: count running jobs: %v", err)
	}
	synced, err := a.st.ChatSync.SumSyncedMessages(ctx)
	if err != nil {
		logger.Warnf("status: sum synced messages: %v", err)
	}
	total, err := a.st.Accounts.Count(ctx)
	if err != nil {
		logger.Warnf("status: count accounts: %v", err)
	}

	values := map[string]string{
		"daemon_pid":         strconv.Itoa(os.Getpid()),
		"daemon_run_id":      a.runID,
		"daemon_started_at":  strconv.FormatInt(a.started.UnixMilli(), 10),
		"daemon_status":      status,
		"connected_accounts": strconv.Itoa(a.pool.ConnectedCount()),
		"total_accounts":     strconv.Itoa(total),
		"last_update":        strconv.FormatInt(a.clock().UnixMilli(), 10),
		"messages_synced":    strconv.FormatInt(synced, 10),
		"pending_jobs":       strconv.FormatInt(pending, 10),
		"running_jobs":       strconv.FormatInt(running, 10),
	}
	if err := a.st.Status.SetAll(ctx, values); err != nil {
		logger.Warnf("status flush: %v", err)
	}
}

// shutdown — graceful-остановка: гасим клиентов, объявляем stopped и должны
// уложиться в SHUTDOWN_TIMEOUT_SEC. Просроченный дедлайн — принудительный
// выход с кодом 1; зависшие running-джобы вернёт RecoverCrashed на следующем
// старте.
func (a *App) shutdown() int {
	timeout := time.Duration(a.env.ShutdownTimeoutSec) * time.Second
	logger.Infof("shutting down, deadline %s", timeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.pool.Close()

		flushCtx, cancel := context.WithTimeout(context.Background(), statusFlushTimeout)
		defer cancel()
		a.flushStatus(flushCtx, daemonStatusStopped)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return ExitSuccess
	case <-time.After(timeout):
		logger.Error("shutdown deadline exceeded, forcing exit")
		return ExitError
	}
}
