package ws

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

var testMask = [4]byte{0x37, 0xfa, 0x21, 0x3d}

// fakeSocket records writes and close calls.
type fakeSocket struct {
	mu        sync.Mutex
	out       bytes.Buffer
	closed    int
	failWrite error
	// gate, when set, holds every Write until Close.
	gate chan struct{}
}

func (f *fakeSocket) Write(p []byte) (int, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
		return 0, net.ErrClosed
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite != nil {
		return 0, f.failWrite
	}
	return f.out.Write(p)
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil && f.closed == 0 {
		close(f.gate)
	}
	f.closed++
	return nil
}

// stall makes subsequent writes hang like a peer that stopped reading.
func (f *fakeSocket) stall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeSocket) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.out.Bytes()...)
}

func (f *fakeSocket) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.Reset()
}

func (f *fakeSocket) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// clientFrame builds a masked text frame the way a browser would send it.
func clientFrame(payload string, key [4]byte) []byte {
	var frame []byte
	switch n := len(payload); {
	case n <= 125:
		frame = []byte{0x81, 0x80 | byte(n)}
	case n <= 0xFFFF:
		frame = []byte{0x81, 0x80 | 126, 0, 0}
		binary.BigEndian.PutUint16(frame[2:], uint16(n))
	default:
		panic(fmt.Sprintf("clientFrame: %d bytes needs a 64-bit length", n))
	}
	frame = append(frame, key[:]...)
	return append(frame, Unmask([]byte(payload), key)...)
}

// remask turns an unmasked server frame into the equivalent client frame.
func remask(serverFrame []byte, key [4]byte) []byte {
	headerLen := 2
	if serverFrame[1]&lengthMask == lengthExtended16 {
		headerLen = 4
	}
	frame := append([]byte(nil), serverFrame[:headerLen]...)
	frame[1] |= maskBit
	frame = append(frame, key[:]...)
	return append(frame, Unmask(serverFrame[headerLen:], key)...)
}

func upgradeRequest(key string) string {
	req := "GET /chat HTTP/1.1\r\n" +
		"Host: localhost:1337\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: keep-alive, Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n"
	if key != "" {
		req += "Sec-WebSocket-Key: " + key + "\r\n"
	}
	return req + "\r\n"
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
