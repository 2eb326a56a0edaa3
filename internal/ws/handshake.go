package ws

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var headTerminator = []byte("\r\n\r\n")

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for a client key.
// The key is used verbatim.
func ComputeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// BuildHandshakeResponse returns the complete 101 response for accept,
// CRLF-terminated and ready for a single write.
func BuildHandshakeResponse(accept string) []byte {
	lines := []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + accept,
		"",
	}
	var b bytes.Buffer
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

// ParseUpgradeRequest parses the HTTP request head at the start of buf. It
// returns ErrIncomplete until the blank line ending the head has arrived. rest
// holds any bytes that followed the head, which belong to the frame stream.
func ParseUpgradeRequest(buf []byte) (req *http.Request, rest []byte, err error) {
	idx := bytes.Index(buf, headTerminator)
	if idx < 0 {
		return nil, nil, ErrIncomplete
	}
	end := idx + len(headTerminator)

	req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:end])))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed request: %v", ErrHandshake, err)
	}
	if end < len(buf) {
		rest = append([]byte(nil), buf[end:]...)
	}
	return req, rest, nil
}

// CheckUpgrade returns the handshake key of an upgrade request. Requests that
// do not ask for a websocket upgrade yield ErrNotUpgrade; upgrade requests
// without a key yield ErrHandshake.
func CheckUpgrade(r *http.Request) (string, error) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") || !headerContainsToken(r.Header.Get("Connection"), "Upgrade") {
		return "", ErrNotUpgrade
	}
	if r.Method != http.MethodGet {
		return "", fmt.Errorf("%w: method %s", ErrHandshake, r.Method)
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrHandshake)
	}
	return key, nil
}

func headerContainsToken(value, token string) bool {
	if value == "" {
		return false
	}
	parts := strings.Split(value, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// PlainResponder answers HTTP requests that arrive on a raw socket without
// asking for an upgrade. The session closes the socket afterwards.
type PlainResponder interface {
	Respond(w *bufio.Writer, r *http.Request) error
}

// PlainResponderFunc adapts a function to PlainResponder.
type PlainResponderFunc func(w *bufio.Writer, r *http.Request) error

// Respond implements PlainResponder.
func (f PlainResponderFunc) Respond(w *bufio.Writer, r *http.Request) error {
	return f(w, r)
}

// AliveResponder answers every plain request with 200 "Server is alive".
var AliveResponder = PlainResponderFunc(func(w *bufio.Writer, _ *http.Request) error {
	return writeStatus(w, http.StatusOK, "Server is alive")
})

func writeStatus(w *bufio.Writer, code int, body string) error {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	fmt.Fprintf(w, "Content-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
	w.WriteString(body)
	return w.Flush()
}
