package ws

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistryTracksLifecycle(t *testing.T) {
	r := NewRegistry()
	opts := r.Hooks(SessionOptions{})

	s, _ := activeSession(t, opts)
	if r.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", r.Len())
	}
	if got, ok := r.Get(s.ID()); !ok || got != s {
		t.Fatal("session lookup failed")
	}

	s.Close(nil)
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryHooksChain(t *testing.T) {
	var activated, closed int
	r := NewRegistry()
	opts := r.Hooks(SessionOptions{
		OnActive: func(*Session) { activated++ },
		OnClose:  func(*Session, error) { closed++ },
	})

	s, _ := activeSession(t, opts)
	s.Close(nil)
	if activated != 1 || closed != 1 {
		t.Fatalf("expected chained callbacks, got %d/%d", activated, closed)
	}
}

func TestRegistryBroadcastSkipsSender(t *testing.T) {
	r := NewRegistry()
	opts := r.Hooks(SessionOptions{})

	sender, senderSock := activeSession(t, opts)
	_, sock2 := activeSession(t, opts)
	_, sock3 := activeSession(t, opts)

	sent, err := r.Broadcast("fan out", sender.ID())
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 recipients, got %d", sent)
	}

	want := mustEncode(t, "fan out")
	for i, sock := range []*fakeSocket{sock2, sock3} {
		waitFor(t, fmt.Sprintf("recipient %d frame", i), func() bool {
			return bytes.Equal(sock.written(), want)
		})
	}
	if len(senderSock.written()) != 0 {
		t.Fatal("sender must be skipped")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	opts := r.Hooks(SessionOptions{})

	a, _ := activeSession(t, opts)
	b, _ := activeSession(t, opts)
	r.CloseAll(nil)

	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatal("expected all sessions closed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryBroadcastDoesNotWaitForStalledRecipient(t *testing.T) {
	r := NewRegistry()
	opts := r.Hooks(SessionOptions{SendQueueSize: 1})

	sender, _ := activeSession(t, opts)
	stalled, stalledSock := activeSession(t, opts)
	_, healthySock := activeSession(t, opts)
	stalledSock.stall()

	msgs := []string{"m0", "m1", "m2"}
	var want []byte
	for _, msg := range msgs {
		want = append(want, mustEncode(t, msg)...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, msg := range msgs {
			if _, err := r.Broadcast(msg, sender.ID()); err != nil {
				t.Errorf("broadcast %s: %v", msg, err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast waited on a stalled recipient")
	}

	waitFor(t, "healthy recipient frames", func() bool {
		return bytes.Equal(healthySock.written(), want)
	})
	waitFor(t, "stalled recipient close", func() bool {
		return stalled.State() == StateClosed
	})
	if !errors.Is(stalled.Err(), ErrSendQueueFull) || ErrorKind(stalled.Err()) != KindBackpressure {
		t.Fatalf("expected backpressure close, got %v", stalled.Err())
	}
	if _, ok := r.Get(stalled.ID()); ok {
		t.Fatal("stalled session must leave the registry")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 remaining sessions, got %d", r.Len())
	}
}

func TestRegistryNeverKeepsSessionClosedDuringActivation(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	closed := make(chan struct{})
	opts := r.Hooks(SessionOptions{
		OnActive: func(s *Session) {
			go s.Close(nil)
			time.Sleep(50 * time.Millisecond)
			record("active")
		},
		OnClose: func(*Session, error) {
			record("close")
			close(closed)
		},
	})

	s := NewSession(&fakeSocket{}, opts)
	_ = s.OnData([]byte(upgradeRequest(testKey)))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("session never closed")
	}
	mu.Lock()
	got := append([]string(nil), events...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "active" || got[1] != "close" {
		t.Fatalf("expected active before close, got %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("closed session left in registry: %d", r.Len())
	}
}
