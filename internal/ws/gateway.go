package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// GatewayConfig controls the runtime behaviour of the net/http gateway.
type GatewayConfig struct {
	ReadBufferSize int
	WriteTimeout   time.Duration

	// Plain serves requests that do not ask for an upgrade. The default
	// answers 200 "Server is alive", like the raw socket engine.
	Plain http.Handler
}

// Gateway upgrades requests received by a net/http server and runs a Session
// on the hijacked connection. Each completed Read on the connection is one
// readiness notification for the session.
type Gateway struct {
	opts   SessionOptions
	logger zerolog.Logger
	cfg    GatewayConfig
}

// NewGateway creates a Gateway with sane defaults. opts is used as the
// template for every session it creates.
func NewGateway(opts SessionOptions, logger zerolog.Logger, cfg GatewayConfig) *Gateway {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Plain == nil {
		cfg.Plain = http.HandlerFunc(serveAlive)
	}
	return &Gateway{opts: opts, logger: logger, cfg: cfg}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := CheckUpgrade(r)
	switch {
	case errors.Is(err, ErrNotUpgrade):
		g.cfg.Plain.ServeHTTP(w, r)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := g.performUpgrade(w, r, key); err != nil {
		g.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
	}
}

func (g *Gateway) performUpgrade(w http.ResponseWriter, r *http.Request, key string) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return errors.New("hijacking not supported")
	}

	conn, buf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("hijack: %w", err)
	}
	// Deadlines left over from the HTTP server would end the read pump.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("clear deadlines: %w", err)
	}

	opts := g.opts
	opts.RemoteAddr = r.RemoteAddr
	session := NewSession(&deadlineSocket{conn: conn, timeout: g.cfg.WriteTimeout}, opts)
	if err := session.Accept(key); err != nil {
		return err
	}

	// The HTTP server may already have read the first frames.
	var pending []byte
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ = buf.Reader.Peek(n)
		pending = append([]byte(nil), pending...)
	}

	go g.pump(conn, session, pending)
	return nil
}

func (g *Gateway) pump(conn net.Conn, session *Session, pending []byte) {
	if len(pending) > 0 {
		if err := session.OnData(pending); err != nil {
			return
		}
	}

	buf := make([]byte, g.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if derr := session.OnData(buf[:n]); derr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			session.Close(err)
			return
		}
	}
}

type deadlineSocket struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineSocket) Write(p []byte) (int, error) {
	if d.timeout > 0 {
		if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
			return 0, err
		}
		defer d.conn.SetWriteDeadline(time.Time{})
	}
	return d.conn.Write(p)
}

func (d *deadlineSocket) Close() error { return d.conn.Close() }

func serveAlive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Server is alive"))
}
