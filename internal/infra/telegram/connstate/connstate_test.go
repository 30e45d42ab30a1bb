package connstate_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"

	"telegram-syncd/internal/infra/telegram/connstate"
)

func TestTracker_StartsOnline(t *testing.T) {
	t.Parallel()

	tr := connstate.New("acc-1")
	if !tr.IsConnected() {
		t.Fatal("new tracker must start online")
	}

	// WaitOnline в онлайне не блокирует.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.WaitOnline(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitOnline blocked while online")
	}
}

func TestTracker_WaitersWakeOnReconnect(t *testing.T) {
	t.Parallel()

	tr := connstate.New("acc-1")
	tr.MarkDisconnected()
	if tr.IsConnected() {
		t.Fatal("tracker online after MarkDisconnected")
	}

	woke := make(chan struct{})
	go func() {
		tr.WaitOnline(context.Background())
		close(woke)
	}()

	// Ожидатель не должен проснуться до восстановления.
	select {
	case <-woke:
		t.Fatal("waiter woke while offline")
	case <-time.After(50 * time.Millisecond):
	}

	tr.MarkConnected()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake after MarkConnected")
	}
}

func TestTracker_TransitionsIdempotent(t *testing.T) {
	t.Parallel()

	tr := connstate.New("acc-1")
	// Повторные переходы не паникуют и не меняют состояние.
	tr.MarkConnected()
	tr.MarkConnected()
	tr.MarkDisconnected()
	tr.MarkDisconnected()
	if tr.IsConnected() {
		t.Fatal("tracker online after double disconnect")
	}
	tr.MarkConnected()
	if !tr.IsConnected() {
		t.Fatal("tracker offline after reconnect")
	}
}

func TestTracker_WaitOnlineHonorsContext(t *testing.T) {
	t.Parallel()

	tr := connstate.New("acc-1")
	tr.MarkDisconnected()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.WaitOnline(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitOnline ignored context cancellation")
	}
}

func TestTracker_HandleError(t *testing.T) {
	t.Parallel()

	tr := connstate.New("acc-1")
	if tr.HandleError(errors.New("PEER_ID_INVALID")) {
		t.Fatal("logical error classified as network")
	}
	if !tr.IsConnected() {
		t.Fatal("logical error dropped the connection state")
	}

	if !tr.HandleError(io.EOF) {
		t.Fatal("EOF not classified as network error")
	}
	if tr.IsConnected() {
		t.Fatal("network error did not mark tracker offline")
	}
}

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "wrappedCanceled", err: fmt.Errorf("run: %w", context.Canceled), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "connDead", err: pool.ErrConnDead, want: true},
		{name: "engineClosed", err: rpc.ErrEngineClosed, want: true},
		{name: "retryLimit", err: &rpc.RetryLimitReachedErr{Retries: 5}, want: true},
		{name: "netError", err: &net.DNSError{IsTimeout: true}, want: true},
		{name: "logical", err: errors.New("FLOOD_WAIT_10"), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := connstate.IsNetworkError(tc.err); got != tc.want {
				t.Fatalf("IsNetworkError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
