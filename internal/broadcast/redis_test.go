package broadcast

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/socketcore/internal/ws"
)

type captureSocket struct {
	mu  sync.Mutex
	out bytes.Buffer
}

func (c *captureSocket) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *captureSocket) Close() error { return nil }

func (c *captureSocket) drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	return out
}

const upgradeRequest = "GET / HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"

func connect(t *testing.T, registry *ws.Registry) (*ws.Session, *captureSocket) {
	t.Helper()
	sock := &captureSocket{}
	s := ws.NewSession(sock, registry.Hooks(ws.SessionOptions{}))
	if err := s.OnData([]byte(upgradeRequest)); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	sock.drain()
	return s, sock
}

func newTestRelay(registry *ws.Registry) *RedisRelay {
	return NewRedisRelay(nil, registry, "", zerolog.Nop())
}

// waitForBytes drains sock until it has produced want or a second has passed.
func waitForBytes(t *testing.T, sock *captureSocket, want []byte) {
	t.Helper()
	var got []byte
	deadline := time.Now().Add(time.Second)
	for !bytes.Equal(got, want) {
		if time.Now().After(deadline) {
			t.Fatalf("expected %x, got %x", want, got)
		}
		time.Sleep(5 * time.Millisecond)
		got = append(got, sock.drain()...)
	}
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1, ContextTimeoutEnabled: true})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRelayFansOutToOtherSessions(t *testing.T) {
	registry := ws.NewRegistry()
	relay := newTestRelay(registry)
	sender, senderSock := connect(t, registry)
	_, peerSock := connect(t, registry)

	payload, err := encodeEnvelope(envelope{
		ID:         "msg-1",
		Origin:     "other-instance",
		Session:    sender.ID(),
		Text:       "relayed",
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := relay.process(payload); err != nil {
		t.Fatalf("process: %v", err)
	}

	want, _ := ws.EncodeText("relayed")
	waitForBytes(t, peerSock, want)
	if got := senderSock.drain(); len(got) != 0 {
		t.Fatal("sender must not receive its own message")
	}
}

func TestRelayDropsDuplicates(t *testing.T) {
	registry := ws.NewRegistry()
	relay := newTestRelay(registry)
	_, sock := connect(t, registry)

	payload, err := encodeEnvelope(envelope{ID: "dup", Session: "remote", Text: "once"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := relay.process(payload); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	want, _ := ws.EncodeText("once")
	waitForBytes(t, sock, want)
	time.Sleep(20 * time.Millisecond)
	if extra := sock.drain(); len(extra) != 0 {
		t.Fatalf("expected a single delivery, got %d extra bytes", len(extra))
	}
}

func TestRelayWrapDoesNotWaitForRedis(t *testing.T) {
	registry := ws.NewRegistry()
	relay := NewRedisRelay(unreachableRedis(t), registry, "", zerolog.Nop())
	relay.outbox = make(chan outbound, 1)
	relay.publishTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay.Start(ctx)

	var handled int
	h := relay.Wrap(ws.HandlerFunc(func(context.Context, *ws.Session, string) error {
		handled++
		return nil
	}))
	s, _ := connect(t, registry)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := h.HandleMessage(ctx, s, "hello"); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("handler waited %s on an unreachable relay", elapsed)
	}
	if handled != 5 {
		t.Fatalf("expected 5 local deliveries, got %d", handled)
	}
}

func TestRelayPublishStopsAtDeadline(t *testing.T) {
	relay := NewRedisRelay(unreachableRedis(t), ws.NewRegistry(), "", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := relay.Publish(ctx, "s1", "hello"); err == nil {
		t.Fatal("expected publish to fail")
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("publish retried past its deadline: %s", elapsed)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	in := envelope{ID: "a", Origin: "o", Session: "s", Text: "héllo", EnqueuedAt: at}

	data, err := encodeEnvelope(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != in.ID || out.Session != in.Session || out.Text != in.Text || !out.EnqueuedAt.Equal(at) {
		t.Fatalf("unexpected envelope %+v", out)
	}
}

func TestDecodeEnvelopeRejectsMissingID(t *testing.T) {
	data, err := encodeEnvelope(envelope{Text: "no id"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeEnvelope(data); err == nil {
		t.Fatal("expected error for envelope without id")
	}
	if _, err := decodeEnvelope([]byte{0xff, 0xff}); err == nil {
		t.Fatal("expected error for garbage payload")
	}
}
