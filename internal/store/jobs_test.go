package store_test

import (
	"context"
	"testing"
	"time"

	"telegram-syncd/internal/store"
)

func TestJobs_ClaimOrder(t *testing.T) {
	t.Parallel()

	st, clk := newTestStore(t)
	ctx := context.Background()

	// A — низкий приоритет, создан первым; B и C — высокий, в порядке создания.
	a, err := st.Jobs.Create(ctx, 10, store.JobBackwardHistory, store.PriorityLow)
	if err != nil {
		t.Fatalf("Create(A) error: %v", err)
	}
	clk.Advance(time.Second)
	b, err := st.Jobs.Create(ctx, 20, store.JobForwardCatchup, store.PriorityHigh)
	if err != nil {
		t.Fatalf("Create(B) error: %v", err)
	}
	clk.Advance(time.Second)
	c, err := st.Jobs.Create(ctx, 30, store.JobForwardCatchup, store.PriorityHigh)
	if err != nil {
		t.Fatalf("Create(C) error: %v", err)
	}

	wantOrder := []int64{b.ID, c.ID, a.ID}
	for i, wantID := range wantOrder {
		got, err := st.Jobs.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext() #%d error: %v", i, err)
		}
		if got == nil || got.ID != wantID {
			t.Fatalf("ClaimNext() #%d = %#v, want id %d", i, got, wantID)
		}
		if got.Status != store.JobRunning || got.StartedAt == 0 {
			t.Fatalf("claimed job not running: %#v", got)
		}
	}
	if got, _ := st.Jobs.ClaimNext(ctx); got != nil {
		t.Fatalf("ClaimNext() on empty queue = %#v, want nil", got)
	}
}

func TestJobs_StateMachine(t *testing.T) {
	t.Parallel()

	st, _ := newTestStore(t)
	ctx := context.Background()

	j, err := st.Jobs.Create(ctx, 10, store.JobInitialLoad, store.PriorityHigh)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// completed/failed из pending — нелегальны.
	if ok, _ := st.Jobs.MarkCompleted(ctx, j.ID); ok {
		t.Fatal("MarkCompleted() from pending succeeded")
	}
	if ok, _ := st.Jobs.MarkFailed(ctx, j.ID, "boom"); ok {
		t.Fatal("MarkFailed() from pending succeeded")
	}

	if ok, err := st.Jobs.MarkRunning(ctx, j.ID); err != nil || !ok {
		t.Fatalf("MarkRunning() = %v, %v; want true", ok, err)
	}
	// Повторный running — проигранная гонка.
	if ok, _ := st.Jobs.MarkRunning(ctx, j.ID); ok {
		t.Fatal("MarkRunning() twice succeeded")
	}

	if ok, err := st.Jobs.MarkCompleted(ctx, j.ID); err != nil || !ok {
		t.Fatalf("MarkCompleted() = %v, %v; want true", ok, err)
	}
	// Терминальный статус не перезаписывается.
	if ok, _ := st.Jobs.MarkFailed(ctx, j.ID, "late"); ok {
		t.Fatal("MarkFailed() after completion succeeded")
	}

	got, err := st.Jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != store.JobCompleted || got.CompletedAt == 0 || got.ErrorMessage != "" {
		t.Fatalf("final job = %#v", got)
	}
}

func TestJobs_FailedKeepsError(t *testing.T) {
	t.Parallel()

	st, _ := newTestStore(t)
	ctx := context.Background()

	j, _ := st.Jobs.Create(ctx, 10, store.JobForwardCatchup, store.PriorityHigh)
	if _, err := st.Jobs.MarkRunning(ctx, j.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}
	if ok, err := st.Jobs.MarkFailed(ctx, j.ID, "PEER_ID_INVALID"); err != nil || !ok {
		t.Fatalf("MarkFailed() = %v, %v; want true", ok, err)
	}

	got, _ := st.Jobs.Get(ctx, j.ID)
	if got.Status != store.JobFailed || got.ErrorMessage != "PEER_ID_INVALID" {
		t.Fatalf("failed job = %#v", got)
	}
}

func TestJobs_RecoverCrashed(t *testing.T) {
	t.Parallel()

	st, _ := newTestStore(t)
	ctx := context.Background()

	running1, _ := st.Jobs.Create(ctx, 10, store.JobBackwardHistory, store.PriorityMedium)
	running2, _ := st.Jobs.Create(ctx, 20, store.JobForwardCatchup, store.PriorityHigh)
	pending, _ := st.Jobs.Create(ctx, 30, store.JobInitialLoad, store.PriorityHigh)
	done, _ := st.Jobs.Create(ctx, 40, store.JobFullSync, store.PriorityLow)
	for _, id := range []int64{running1.ID, running2.ID} {
		if _, err := st.Jobs.MarkRunning(ctx, id); err != nil {
			t.Fatalf("MarkRunning() error: %v", err)
		}
	}
	if _, err := st.Jobs.MarkRunning(ctx, done.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}
	if _, err := st.Jobs.MarkCompleted(ctx, done.ID); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}

	n, err := st.Jobs.RecoverCrashed(ctx)
	if err != nil {
		t.Fatalf("RecoverCrashed() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("RecoverCrashed() = %d, want 2", n)
	}

	for _, id := range []int64{running1.ID, running2.ID} {
		got, _ := st.Jobs.Get(ctx, id)
		if got.Status != store.JobPending {
			t.Fatalf("job %d status = %s, want pending", id, got.Status)
		}
		if got.ErrorMessage != "Daemon crashed during execution" {
			t.Fatalf("job %d error = %q", id, got.ErrorMessage)
		}
		if got.StartedAt != 0 {
			t.Fatalf("job %d kept started_at", id)
		}
	}
	// Нетронутые статусы сохранились; повторный вызов ничего не находит.
	if got, _ := st.Jobs.Get(ctx, pending.ID); got.Status != store.JobPending || got.ErrorMessage != "" {
		t.Fatalf("pending job mutated: %#v", got)
	}
	if got, _ := st.Jobs.Get(ctx, done.ID); got.Status != store.JobCompleted {
		t.Fatalf("completed job mutated: %#v", got)
	}
	if n, _ := st.Jobs.RecoverCrashed(ctx); n != 0 {
		t.Fatalf("second RecoverCrashed() = %d, want 0", n)
	}
}

func TestJobs_ProgressAccumulates(t *testing.T) {
	t.Parallel()

	st, _ := newTestStore(t)
	ctx := context.Background()

	j, _ := st.Jobs.Create(ctx, 10, store.JobBackwardHistory, store.PriorityMedium)
	if _, err := st.Jobs.MarkRunning(ctx, j.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}

	if err := st.Jobs.UpdateProgress(ctx, j.ID, store.Progress{
		CursorStart: 500, CursorEnd: 401, FetchedDelta: 100,
	}); err != nil {
		t.Fatalf("UpdateProgress() error: %v", err)
	}
	// Нулевые курсоры означают «не менять».
	if err := st.Jobs.UpdateProgress(ctx, j.ID, store.Progress{
		CursorEnd: 301, FetchedDelta: 100,
	}); err != nil {
		t.Fatalf("UpdateProgress() error: %v", err)
	}

	got, _ := st.Jobs.Get(ctx, j.ID)
	if got.CursorStart != 500 || got.CursorEnd != 301 || got.MessagesFetched != 200 {
		t.Fatalf("progress = start %d, end %d, fetched %d", got.CursorStart, got.CursorEnd, got.MessagesFetched)
	}
}

func TestJobs_ActiveAndCancel(t *testing.T) {
	t.Parallel()

	st, _ := newTestStore(t)
	ctx := context.Background()

	p1, _ := st.Jobs.Create(ctx, 10, store.JobBackwardHistory, store.PriorityMedium)
	if _, err := st.Jobs.Create(ctx, 10, store.JobBackwardHistory, store.PriorityMedium); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	r, _ := st.Jobs.Create(ctx, 10, store.JobForwardCatchup, store.PriorityHigh)
	if _, err := st.Jobs.MarkRunning(ctx, r.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}

	if ok, _ := st.Jobs.HasActiveForChat(ctx, 10, store.JobBackwardHistory); !ok {
		t.Fatal("HasActiveForChat(backward) = false, want true")
	}
	if ok, _ := st.Jobs.HasActiveForChat(ctx, 10, store.JobFullSync); ok {
		t.Fatal("HasActiveForChat(full_sync) = true, want false")
	}
	if ok, _ := st.Jobs.HasActiveForChat(ctx, 99, store.JobBackwardHistory); ok {
		t.Fatal("HasActiveForChat(other chat) = true, want false")
	}

	// Отмена снимает только pending; running продолжает жить.
	n, err := st.Jobs.CancelPendingForChat(ctx, 10)
	if err != nil {
		t.Fatalf("CancelPendingForChat() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("CancelPendingForChat() = %d, want 2", n)
	}
	if got, _ := st.Jobs.Get(ctx, p1.ID); got != nil {
		t.Fatalf("cancelled job still present: %#v", got)
	}
	if got, _ := st.Jobs.Get(ctx, r.ID); got == nil || got.Status != store.JobRunning {
		t.Fatalf("running job = %#v, want running", got)
	}
}

func TestJobs_CleanupTerminal(t *testing.T) {
	t.Parallel()

	st, clk := newTestStore(t)
	ctx := context.Background()

	old, _ := st.Jobs.Create(ctx, 10, store.JobInitialLoad, store.PriorityHigh)
	if _, err := st.Jobs.MarkRunning(ctx, old.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}
	if _, err := st.Jobs.MarkCompleted(ctx, old.ID); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}

	clk.Advance(48 * time.Hour)
	fresh, _ := st.Jobs.Create(ctx, 20, store.JobForwardCatchup, store.PriorityHigh)
	if _, err := st.Jobs.MarkRunning(ctx, fresh.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}
	if _, err := st.Jobs.MarkFailed(ctx, fresh.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}

	// Суточный порог снимает только старую completed-джобу.
	n, err := st.Jobs.CleanupCompleted(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupCompleted() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("CleanupCompleted() = %d, want 1", n)
	}
	if n, _ := st.Jobs.CleanupFailed(ctx, 24*time.Hour); n != 0 {
		t.Fatalf("CleanupFailed(24h) = %d, want 0", n)
	}
	// Отрицательный возраст означает «все».
	if n, _ := st.Jobs.CleanupFailed(ctx, -1); n != 1 {
		t.Fatalf("CleanupFailed(-1) = %d, want 1", n)
	}

	if n, _ := st.Jobs.CountByStatus(ctx, store.JobCompleted); n != 0 {
		t.Fatalf("CountByStatus(completed) = %d, want 0", n)
	}
}
