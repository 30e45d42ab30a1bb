package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/tg"

	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/telegram/ratelimit"
	"telegram-syncd/internal/infra/telegram/recorder"
	"telegram-syncd/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return st
}

func testEnv(t *testing.T) config.EnvConfig {
	t.Helper()

	return config.EnvConfig{
		APIID:       17349,
		APIHash:     "0123456789abcdef0123456789abcdef",
		DataDir:     t.TempDir(),
		ThrottleRPS: 1,
	}
}

func selfUser(id int64, first, username, phone string) *tg.User {
	u := &tg.User{ID: id}
	u.SetFirstName(first)
	u.SetUsername(username)
	u.SetPhone(phone)
	return u
}

func TestReconcileIdentity_RefreshesRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStore(t)

	row, err := st.Accounts.Create(ctx, "+15551234567", "primary")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := reconcileIdentity(ctx, st.Accounts, row, selfUser(777, "Alice", "alice", "15551234567")); err != nil {
		t.Fatalf("reconcileIdentity() error: %v", err)
	}

	got, err := st.Accounts.GetByID(ctx, row.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.UserID != 777 || got.Name != "Alice" || got.Username != "alice" {
		t.Fatalf("identity = (%d, %q, %q), want (777, Alice, alice)", got.UserID, got.Name, got.Username)
	}
	if got.Phone != "15551234567" {
		t.Fatalf("Phone = %q, want real phone from session", got.Phone)
	}
}

func TestReconcileIdentity_PlaceholderMergedAway(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStore(t)

	real, err := st.Accounts.Create(ctx, "+15551234567", "primary")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := st.Accounts.UpdateIdentity(ctx, real.ID, 777, "Alice", "alice", "+15551234567"); err != nil {
		t.Fatalf("UpdateIdentity() error: %v", err)
	}
	placeholder, err := st.Accounts.Create(ctx, "user:777", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Обе строки указывают на user 777; с настоящим номером — чужая,
	// значит собственная строка-заглушка должна исчезнуть.
	err = reconcileIdentity(ctx, st.Accounts, placeholder, selfUser(777, "Alice", "alice", "15551234567"))
	if !errors.Is(err, errMergedAway) {
		t.Fatalf("reconcileIdentity() error = %v, want errMergedAway", err)
	}

	if got, _ := st.Accounts.GetByID(ctx, placeholder.ID); got != nil {
		t.Fatalf("placeholder row survived merge: %+v", got)
	}
	if got, _ := st.Accounts.GetByID(ctx, real.ID); got == nil {
		t.Fatal("real-phone row must survive merge")
	}
}

func TestReconcileIdentity_AbsorbsDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStore(t)

	own, err := st.Accounts.Create(ctx, "+15551234567", "primary")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	dup, err := st.Accounts.Create(ctx, "user:777", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := st.Accounts.UpdateIdentity(ctx, dup.ID, 777, "", "", ""); err != nil {
		t.Fatalf("UpdateIdentity() error: %v", err)
	}

	if err := reconcileIdentity(ctx, st.Accounts, own, selfUser(777, "Alice", "alice", "15551234567")); err != nil {
		t.Fatalf("reconcileIdentity() error: %v", err)
	}

	if got, _ := st.Accounts.GetByID(ctx, dup.ID); got != nil {
		t.Fatalf("duplicate row survived: %+v", got)
	}
	got, err := st.Accounts.GetByID(ctx, own.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil || got.UserID != 777 {
		t.Fatalf("own row = %+v, want user_id 777", got)
	}
}

func TestChannelHasher_SharedCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStore(t)
	h := &channelHasher{peers: st.Peers}

	if err := h.SetChannelAccessHash(ctx, 1, 500, 987654321); err != nil {
		t.Fatalf("SetChannelAccessHash() error: %v", err)
	}

	// Хэш лежит в кэше под каноническим chat_id канала.
	hash, ok, err := st.Peers.AccessHashByChat(ctx, -1_000_000_000_500)
	if err != nil || !ok || hash != 987654321 {
		t.Fatalf("AccessHashByChat() = (%d, %v, %v), want (987654321, true, nil)", hash, ok, err)
	}

	// Другой userID читает тот же хэш: кэш общий для всех аккаунтов.
	hash, ok, err = h.GetChannelAccessHash(ctx, 2, 500)
	if err != nil || !ok || hash != 987654321 {
		t.Fatalf("GetChannelAccessHash() = (%d, %v, %v), want (987654321, true, nil)", hash, ok, err)
	}

	if _, ok, _ := h.GetChannelAccessHash(ctx, 1, 9999); ok {
		t.Fatal("GetChannelAccessHash() found hash for unknown channel")
	}
}

func TestRecorderMode_Precedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		record bool
		replay bool
		want   recorder.Mode
	}{
		{"off", false, false, recorder.ModeOff},
		{"record", true, false, recorder.ModeRecord},
		{"replay", false, true, recorder.ModeReplay},
		{"replay wins", true, true, recorder.ModeReplay},
	}
	for _, tc := range cases {
		env := config.EnvConfig{RecordAPI: tc.record, ReplayAPI: tc.replay}
		if got := recorderMode(env); got != tc.want {
			t.Errorf("%s: recorderMode() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestReconnectionPolicy_Sequence(t *testing.T) {
	t.Parallel()

	bo := reconnectionPolicy()
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w {
			t.Fatalf("attempt %d: NextBackOff() = %s, want %s", i+1, got, w)
		}
	}
	if got := bo.NextBackOff(); got != backoff.Stop {
		t.Fatalf("attempt 11: NextBackOff() = %s, want Stop", got)
	}
}

func TestConnectAll_EmptyRegistry(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	s := New(Options{
		Env:     testEnv(t),
		Store:   st,
		Limiter: ratelimit.NewLimiter(st.RateLimits),
	})

	sum, err := s.ConnectAll(context.Background())
	if err != nil {
		t.Fatalf("ConnectAll() error: %v", err)
	}
	if sum != (Summary{}) {
		t.Fatalf("Summary = %+v, want zero", sum)
	}
	if n := s.ConnectedCount(); n != 0 {
		t.Fatalf("ConnectedCount() = %d, want 0", n)
	}
	if cl := s.Clients(); len(cl) != 0 {
		t.Fatalf("Clients() = %d entries, want 0", len(cl))
	}
	s.Close()
}

func TestNewAccount_Assembly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStore(t)
	env := testEnv(t)

	row, err := st.Accounts.Create(ctx, "+15550000001", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	s := New(Options{
		Env:     env,
		Store:   st,
		Limiter: ratelimit.NewLimiter(st.RateLimits),
		Handler: dispatcher,
	})

	acc, err := newAccount(s, row)
	if err != nil {
		t.Fatalf("newAccount() error: %v", err)
	}
	t.Cleanup(func() { _ = acc.db.Close() })

	if _, err := os.Stat(env.SessionDBPath(row.ID)); err != nil {
		t.Fatalf("session db file missing: %v", err)
	}
	if acc.online() {
		t.Fatal("fresh account reports online before connect")
	}

	s.accounts = append(s.accounts, acc)
	clients := s.Clients()
	if len(clients) != 1 {
		t.Fatalf("Clients() = %d entries, want 1", len(clients))
	}
	c := clients[0]
	if c.AccountID != row.ID || c.API == nil {
		t.Fatalf("Client = %+v, want account %d with API", c, row.ID)
	}
	if c.Online() {
		t.Fatal("Client.Online() = true before connect")
	}
}
