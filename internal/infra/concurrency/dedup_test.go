package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestDedupSeen_Signatures(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(60)

	if d.DedupSeen(100, 1, 0) {
		t.Fatal("first event must not be a repeat")
	}
	if !d.DedupSeen(100, 1, 0) {
		t.Fatal("identical event within window must be a repeat")
	}

	// Правка меняет editDate — это новая сигнатура, не повтор оригинала.
	if d.DedupSeen(100, 1, 1700000000) {
		t.Fatal("edit with new editDate must not be a repeat")
	}
	if !d.DedupSeen(100, 1, 1700000000) {
		t.Fatal("repeated edit must be a repeat")
	}

	// Другой чат и другое сообщение живут независимо.
	if d.DedupSeen(200, 1, 0) {
		t.Fatal("same message id in another chat must not be a repeat")
	}
	if d.DedupSeen(100, 2, 0) {
		t.Fatal("next message in the same chat must not be a repeat")
	}
}

func TestDedupCleanup_DropsExpiredOnly(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(60)
	now := time.Now()
	d.seen["expired"] = now.Add(-time.Second)
	d.seen["live"] = now.Add(time.Minute)

	d.DedupCleanup()

	if _, ok := d.seen["expired"]; ok {
		t.Error("expired entry must be removed")
	}
	if _, ok := d.seen["live"]; !ok {
		t.Error("live entry must survive cleanup")
	}
}

func TestDeduplicator_StartStop(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)
	d.Start(ctx) // повторный старт игнорируется
	d.Stop()
	d.Stop() // повторная остановка безопасна

	// После остановки кэш продолжает работать синхронно.
	if d.DedupSeen(1, 1, 0) {
		t.Fatal("fresh event after Stop must not be a repeat")
	}
}
