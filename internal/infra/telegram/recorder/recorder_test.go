package recorder_test

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"

	"telegram-syncd/internal/infra/telegram/recorder"
)

// stubInvoker заполняет ответ заготовкой; в режиме replay до него доходить
// нельзя.
type stubInvoker struct {
	calls int
	fill  func(output bin.Decoder)
	err   error
}

func (s *stubInvoker) Invoke(_ context.Context, _ bin.Encoder, output bin.Decoder) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.fill != nil {
		s.fill(output)
	}
	return nil
}

func listFixtures(t *testing.T, root string) []string {
	t.Helper()

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("walk fixtures: %v", err)
	}
	return files
}

func TestRecorder_RecordThenReplay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	request := &tg.UsersGetUsersRequest{ID: []tg.InputUserClass{
		&tg.InputUser{UserID: 777, AccessHash: 111222333},
	}}

	live := &stubInvoker{fill: func(output bin.Decoder) {
		output.(*tg.AccountDaysTTL).Days = 30
	}}
	record := recorder.New(recorder.ModeRecord, dir, 5).Handle(live)

	var got tg.AccountDaysTTL
	if err := record(ctx, request, &got); err != nil {
		t.Fatalf("record invoke error: %v", err)
	}
	if live.calls != 1 || got.Days != 30 {
		t.Fatalf("record pass = (calls=%d, days=%d), want (1, 30)", live.calls, got.Days)
	}

	files := listFixtures(t, dir)
	if len(files) != 1 {
		t.Fatalf("fixtures = %d, want 1: %v", len(files), files)
	}
	if !strings.Contains(files[0], filepath.Join("account-5", "users_getUsers")) {
		t.Fatalf("fixture path = %s", files[0])
	}

	// Воспроизведение: та же просьба, клиент-заглушка падает при касании.
	dead := &stubInvoker{err: errors.New("network must not be touched")}
	replay := recorder.New(recorder.ModeReplay, dir, 5).Handle(dead)

	var replayed tg.AccountDaysTTL
	if err := replay(ctx, request, &replayed); err != nil {
		t.Fatalf("replay invoke error: %v", err)
	}
	if replayed.Days != 30 {
		t.Fatalf("replayed days = %d, want 30", replayed.Days)
	}
	if dead.calls != 0 {
		t.Fatalf("underlying client touched %d times", dead.calls)
	}
}

func TestRecorder_ReplayMiss(t *testing.T) {
	t.Parallel()

	dead := &stubInvoker{err: errors.New("no network")}
	replay := recorder.New(recorder.ModeReplay, t.TempDir(), 1).Handle(dead)

	var out tg.AccountDaysTTL
	err := replay(context.Background(), &tg.UsersGetUsersRequest{}, &out)
	if !errors.Is(err, recorder.ErrNoFixture) {
		t.Fatalf("error = %v, want ErrNoFixture", err)
	}
	if dead.calls != 0 {
		t.Fatal("replay miss fell through to the network")
	}
}

// Ключ детерминирован: повторная запись того же запроса перезаписывает файл,
// другой запрос даёт другой файл.
func TestRecorder_KeyStability(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	live := &stubInvoker{fill: func(output bin.Decoder) {
		output.(*tg.AccountDaysTTL).Days = 7
	}}
	record := recorder.New(recorder.ModeRecord, dir, 2).Handle(live)

	reqA := &tg.UsersGetUsersRequest{ID: []tg.InputUserClass{&tg.InputUser{UserID: 1}}}
	reqB := &tg.UsersGetUsersRequest{ID: []tg.InputUserClass{&tg.InputUser{UserID: 2}}}

	var out tg.AccountDaysTTL
	if err := record(ctx, reqA, &out); err != nil {
		t.Fatalf("invoke A error: %v", err)
	}
	if err := record(ctx, reqA, &out); err != nil {
		t.Fatalf("invoke A again error: %v", err)
	}
	if got := listFixtures(t, dir); len(got) != 1 {
		t.Fatalf("fixtures after same request twice = %d, want 1", len(got))
	}

	if err := record(ctx, reqB, &out); err != nil {
		t.Fatalf("invoke B error: %v", err)
	}
	if got := listFixtures(t, dir); len(got) != 2 {
		t.Fatalf("fixtures after distinct request = %d, want 2", len(got))
	}
}

func TestRecorder_OffPassesThrough(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := &stubInvoker{fill: func(output bin.Decoder) {
		output.(*tg.AccountDaysTTL).Days = 1
	}}
	off := recorder.New(recorder.ModeOff, dir, 3).Handle(live)

	var out tg.AccountDaysTTL
	if err := off(context.Background(), &tg.UsersGetUsersRequest{}, &out); err != nil {
		t.Fatalf("invoke error: %v", err)
	}
	if live.calls != 1 || out.Days != 1 {
		t.Fatalf("off mode = (calls=%d, days=%d), want (1, 1)", live.calls, out.Days)
	}
	if got := listFixtures(t, dir); len(got) != 0 {
		t.Fatalf("off mode wrote %d fixtures", len(got))
	}
}

func TestRecorder_ErrorsNotRecorded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	wantErr := errors.New("FLOOD_WAIT_9")
	live := &stubInvoker{err: wantErr}
	record := recorder.New(recorder.ModeRecord, dir, 4).Handle(live)

	var out tg.AccountDaysTTL
	if err := record(context.Background(), &tg.UsersGetUsersRequest{}, &out); !errors.Is(err, wantErr) {
		t.Fatalf("invoke error = %v, want %v", err, wantErr)
	}
	if got := listFixtures(t, dir); len(got) != 0 {
		t.Fatalf("error exchange produced %d fixtures", len(got))
	}
}
