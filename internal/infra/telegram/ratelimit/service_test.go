package ratelimit_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"telegram-syncd/internal/infra/telegram/ratelimit"
	"telegram-syncd/internal/store"
)

// testClock — общий управляемый источник времени для хранилища и лимитера:
// границы окон у них обязаны совпадать.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

// База — 20 секунд после начала минутного окна: остаток до конца окна 40с.
func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T) (*ratelimit.Limiter, *store.Store, *testClock) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := newTestClock()
	st.WithClock(clk.Now)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return ratelimit.NewLimiter(st.RateLimits).WithClock(clk.Now), st, clk
}

func TestLimiter_WindowExhaustion(t *testing.T) {
	t.Parallel()

	lim, _, clk := newTestLimiter(t)
	ctx := context.Background()
	lim.SetLimit("messages.getHistory", 3)

	for i := 0; i < 3; i++ {
		if _, err := lim.RecordCall(ctx, "messages.getHistory"); err != nil {
			t.Fatalf("RecordCall() error: %v", err)
		}
	}

	blocked, err := lim.IsBlocked(ctx, "messages.getHistory")
	if err != nil || !blocked {
		t.Fatalf("IsBlocked() = (%v, %v), want (true, nil)", blocked, err)
	}
	wait, err := lim.WaitTime(ctx, "messages.getHistory")
	if err != nil {
		t.Fatalf("WaitTime() error: %v", err)
	}
	if wait != 40*time.Second {
		t.Fatalf("WaitTime() = %v, want 40s (остаток окна)", wait)
	}

	// Другой метод не задет.
	if blocked, _ := lim.IsBlocked(ctx, "users.getUsers"); blocked {
		t.Fatal("users.getUsers blocked by foreign window")
	}

	// Новое окно — счётчик с нуля.
	clk.Advance(40 * time.Second)
	if blocked, _ := lim.IsBlocked(ctx, "messages.getHistory"); blocked {
		t.Fatal("method still blocked in a fresh window")
	}
}

func TestLimiter_FloodWaitDominates(t *testing.T) {
	t.Parallel()

	lim, _, clk := newTestLimiter(t)
	ctx := context.Background()

	if err := lim.SetFloodWait(ctx, "messages.getHistory", 42*time.Second); err != nil {
		t.Fatalf("SetFloodWait() error: %v", err)
	}

	wait, err := lim.WaitTime(ctx, "messages.getHistory")
	if err != nil {
		t.Fatalf("WaitTime() error: %v", err)
	}
	if wait != 42*time.Second {
		t.Fatalf("WaitTime() = %v, want 42s", wait)
	}

	// FLOOD_WAIT длиннее остатка окна и определяет ответ даже при
	// исчерпанном счётчике.
	lim.SetLimit("messages.getHistory", 1)
	if _, err := lim.RecordCall(ctx, "messages.getHistory"); err != nil {
		t.Fatalf("RecordCall() error: %v", err)
	}
	wait, err = lim.WaitTime(ctx, "messages.getHistory")
	if err != nil {
		t.Fatalf("WaitTime() error: %v", err)
	}
	if wait != 42*time.Second {
		t.Fatalf("WaitTime() = %v, want 42s", wait)
	}

	clk.Advance(43 * time.Second)
	if blocked, _ := lim.IsBlocked(ctx, "messages.getHistory"); blocked {
		t.Fatal("flood wait survived its deadline")
	}
}

// FLOOD_WAIT переживает рестарт: новое хранилище поверх тех же файлов
// видит отметку.
func TestLimiter_FloodWaitSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.db")
	cachePath := filepath.Join(dir, "cache.db")
	ctx := context.Background()
	clk := newTestClock()

	st, err := store.Open(dataPath, cachePath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	st.WithClock(clk.Now)
	if err := st.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	lim := ratelimit.NewLimiter(st.RateLimits).WithClock(clk.Now)
	if err := lim.SetFloodWait(ctx, "messages.getHistory", 5*time.Minute); err != nil {
		t.Fatalf("SetFloodWait() error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	st2, err := store.Open(dataPath, cachePath)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	t.Cleanup(func() { _ = st2.Close() })
	st2.WithClock(clk.Now)
	if err := st2.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	clk.Advance(2 * time.Minute)
	lim2 := ratelimit.NewLimiter(st2.RateLimits).WithClock(clk.Now)
	wait, err := lim2.WaitTime(ctx, "messages.getHistory")
	if err != nil {
		t.Fatalf("WaitTime() error: %v", err)
	}
	if wait != 3*time.Minute {
		t.Fatalf("WaitTime() after restart = %v, want 3m", wait)
	}
}

func TestLimiter_DefaultLimit(t *testing.T) {
	t.Parallel()

	lim, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.DefaultLimit; i++ {
		if _, err := lim.RecordCall(ctx, "help.getConfig"); err != nil {
			t.Fatalf("RecordCall() error: %v", err)
		}
	}
	blocked, err := lim.IsBlocked(ctx, "help.getConfig")
	if err != nil || !blocked {
		t.Fatalf("IsBlocked() = (%v, %v), want (true, nil)", blocked, err)
	}
}
