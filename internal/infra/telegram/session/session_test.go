package session_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	tdsession "github.com/gotd/td/session"
	"go.etcd.io/bbolt"

	"telegram-syncd/internal/infra/telegram/session"
	"telegram-syncd/internal/store"
)

func openBolt(t *testing.T) *bbolt.DB {
	t.Helper()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "session_1.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openRegistry(t *testing.T) *store.Store {
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

func TestStorage_EmptyIsNotFound(t *testing.T) {
	t.Parallel()

	s := session.New(openBolt(t), nil, 1)
	if _, err := s.LoadSession(context.Background()); err != tdsession.ErrNotFound {
		t.Fatalf("LoadSession() error = %v, want tdsession.ErrNotFound", err)
	}
}

func TestStorage_StoreLoadRoundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	notified := 0
	s := session.New(openBolt(t), nil, 1).OnStore(func() { notified++ })

	want := []byte(`{"dc": 2, "auth_key": "abc"}`)
	if err := s.StoreSession(ctx, want); err != nil {
		t.Fatalf("StoreSession() error: %v", err)
	}
	got, err := s.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("LoadSession() = %q, want %q", got, want)
	}
	if notified != 1 {
		t.Fatalf("onStore fired %d times, want 1", notified)
	}
}

func TestStorage_SeedsFromRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openRegistry(t)

	acc, err := st.Accounts.Create(ctx, "+10000000001", "seeded")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	seed := []byte("registry-session-bytes")
	if err := st.Accounts.SaveSessionData(ctx, acc.ID, seed); err != nil {
		t.Fatalf("SaveSessionData() error: %v", err)
	}

	// Свежий bbolt-файл пуст — LoadSession обязан отдать посев из реестра.
	s := session.New(openBolt(t), st.Accounts, acc.ID)
	got, err := s.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if !bytes.Equal(got, seed) {
		t.Fatalf("LoadSession() = %q, want seed %q", got, seed)
	}
}

func TestStorage_BucketWinsOverSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openRegistry(t)

	acc, err := st.Accounts.Create(ctx, "+10000000002", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := st.Accounts.SaveSessionData(ctx, acc.ID, []byte("stale-registry-copy")); err != nil {
		t.Fatalf("SaveSessionData() error: %v", err)
	}

	s := session.New(openBolt(t), st.Accounts, acc.ID)
	fresh := []byte("fresh-bucket-copy")
	if err := s.StoreSession(ctx, fresh); err != nil {
		t.Fatalf("StoreSession() error: %v", err)
	}
	got, err := s.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if !bytes.Equal(got, fresh) {
		t.Fatalf("LoadSession() = %q, want bucket copy %q", got, fresh)
	}
}

func TestStorage_BacksUpToRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openRegistry(t)

	acc, err := st.Accounts.Create(ctx, "+10000000003", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	s := session.New(openBolt(t), st.Accounts, acc.ID)
	data := []byte("session-after-login")
	if err := s.StoreSession(ctx, data); err != nil {
		t.Fatalf("StoreSession() error: %v", err)
	}

	row, err := st.Accounts.GetByID(ctx, acc.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if row == nil || !bytes.Equal(row.SessionData, data) {
		t.Fatalf("registry session_data = %q, want %q", row.SessionData, data)
	}
}
