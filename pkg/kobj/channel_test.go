package kobj

import (
	"errors"
	"testing"
	"time"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/pmm"
	"github.com/vkern/viper/pkg/slab"
	"github.com/vkern/viper/pkg/verr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	var p pmm.Manager
	p.Init(0x5000_0000, 64*archutil.PageSize, 0, 0)
	table := slab.NewTable(&p)
	return NewRegistry(table.Cache("channel"))
}

func TestSendRecvRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ch, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ch.Close()

	if err := ch.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := ch.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}
}

func TestTryRecvWouldBlockOnEmpty(t *testing.T) {
	r := newTestRegistry(t)
	ch, _ := r.Create()
	defer ch.Close()

	_, err := ch.TryRecv()
	if !errors.Is(err, verr.New(verr.WouldBlock)) {
		t.Fatalf("expected WouldBlock, got %v", err)
	}
}

func TestTrySendWouldBlockWhenFull(t *testing.T) {
	r := newTestRegistry(t)
	ch, _ := r.Create()
	defer ch.Close()

	for i := 0; i < MaxQueueDepth; i++ {
		if err := ch.TrySend([]byte{byte(i)}); err != nil {
			t.Fatalf("unexpected error filling queue at %d: %v", i, err)
		}
	}
	if err := ch.TrySend([]byte{0}); !errors.Is(err, verr.New(verr.WouldBlock)) {
		t.Fatalf("expected WouldBlock once full, got %v", err)
	}
}

func TestHasMessageReflectsQueueState(t *testing.T) {
	r := newTestRegistry(t)
	ch, _ := r.Create()
	defer ch.Close()

	if ch.HasMessage() {
		t.Fatal("new channel should have no message")
	}
	ch.TrySend([]byte("x"))
	if !ch.HasMessage() {
		t.Fatal("expected HasMessage true after send")
	}
}

func TestWrapSharesUnderlyingCore(t *testing.T) {
	r := newTestRegistry(t)
	creator, _ := r.Create()
	defer creator.Close()

	recvEnd, err := r.Wrap(creator.ID(), false)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	defer recvEnd.Close()

	if err := creator.Send([]byte("via wrap")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := recvEnd.Recv()
	if err != nil {
		t.Fatalf("recv on wrapped endpoint: %v", err)
	}
	if string(got) != "via wrap" {
		t.Fatalf("got %q", got)
	}
}

func TestCloseWakesBlockedReceiver(t *testing.T) {
	r := newTestRegistry(t)
	ch, _ := r.Create()

	done := make(chan error, 1)
	go func() {
		_, err := ch.Recv()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-done:
		if !errors.Is(err, verr.New(verr.Connection)) {
			t.Fatalf("expected Connection error on close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked receiver was not woken by Close")
	}
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	r := newTestRegistry(t)
	ch, _ := r.Create()
	defer ch.Close()

	big := make([]byte, MaxMessageSize+1)
	if err := ch.Send(big); !errors.Is(err, verr.New(verr.InvalidArg)) {
		t.Fatalf("expected InvalidArg, got %v", err)
	}
}
