// Package eventloop serves websocket sessions on raw TCP sockets driven by
// the nbio poller. The poller calls back once per read readiness; that
// callback is the session's notification. Session work runs on a per
// connection serial executor, so no goroutine is parked per idle connection
// and a slow handler never holds up the poller.
package eventloop

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/lesismal/nbio"
	"github.com/rs/zerolog"

	"github.com/example/socketcore/internal/ws"
)

const defaultMaxPendingBytes = 4 << 20

// ErrReadBacklog closes a connection whose unprocessed input exceeds
// Config.MaxPendingBytes.
var ErrReadBacklog = errors.New("eventloop: read backlog full")

// Config controls the poller.
type Config struct {
	Addr               string
	NPoller            int
	ReadBufferSize     int
	MaxWriteBufferSize int
	// MaxPendingBytes bounds input read from one connection but not yet
	// handled by its session.
	MaxPendingBytes int
}

// Server owns one nbio engine and creates a Session per accepted socket.
type Server struct {
	engine     *nbio.Engine
	opts       ws.SessionOptions
	logger     zerolog.Logger
	maxPending int64
}

// peer is the per-connection state stored on the nbio conn.
type peer struct {
	session *ws.Session
	exec    serialExecutor
	pending atomic.Int64
}

// New builds a server; opts is the template for each session.
func New(cfg Config, opts ws.SessionOptions, logger zerolog.Logger) *Server {
	engine := nbio.NewEngine(nbio.Config{
		Name:               "socketcore",
		Network:            "tcp",
		Addrs:              []string{cfg.Addr},
		NPoller:            cfg.NPoller,
		ReadBufferSize:     cfg.ReadBufferSize,
		MaxWriteBufferSize: cfg.MaxWriteBufferSize,
	})

	maxPending := cfg.MaxPendingBytes
	if maxPending <= 0 {
		maxPending = defaultMaxPendingBytes
	}
	s := &Server{engine: engine, opts: opts, logger: logger, maxPending: int64(maxPending)}

	engine.OnOpen(func(c *nbio.Conn) {
		remote := ""
		if addr := c.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		c.SetSession(&peer{session: s.open(c, remote)})
	})
	engine.OnData(func(c *nbio.Conn, data []byte) {
		p, ok := c.Session().(*peer)
		if !ok {
			_ = c.Close()
			return
		}
		s.enqueue(p, data)
	})
	engine.OnClose(func(c *nbio.Conn, err error) {
		if p, ok := c.Session().(*peer); ok {
			p.exec.submit(func() { s.closed(p.session, err) })
		}
	})

	return s
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if err := s.engine.Start(); err != nil {
		return err
	}
	s.logger.Info().Msg("raw socket engine started")
	return nil
}

// Stop closes the listeners and every open connection.
func (s *Server) Stop() {
	s.engine.Stop()
}

func (s *Server) open(sock ws.Socket, remote string) *ws.Session {
	opts := s.opts
	opts.RemoteAddr = remote
	session := ws.NewSession(sock, opts)
	s.logger.Debug().Str("session", session.ID()).Str("remote", remote).Msg("connection accepted")
	return session
}

// enqueue hands one notification to the peer's executor. nbio reuses data
// once the callback returns, so it is copied first.
func (s *Server) enqueue(p *peer, data []byte) {
	buf := append([]byte(nil), data...)
	n := int64(len(buf))
	if pending := p.pending.Add(n); pending > s.maxPending {
		p.pending.Add(-n)
		s.logger.Warn().Str("session", p.session.ID()).Int64("pending", pending).Msg("read backlog full; closing connection")
		p.session.Close(ErrReadBacklog)
		return
	}
	p.exec.submit(func() {
		defer p.pending.Add(-n)
		s.data(p.session, buf)
	})
}

// data runs one decode cycle.
func (s *Server) data(session *ws.Session, data []byte) {
	if err := session.OnData(data); err != nil && !errors.Is(err, ws.ErrClosed) {
		s.logger.Debug().Err(err).Str("session", session.ID()).Msg("session ended by decode cycle")
	}
}

func (s *Server) closed(session *ws.Session, err error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	session.Close(err)
}

// serialExecutor runs jobs one at a time in submission order. A goroutine
// exists only while jobs are pending.
type serialExecutor struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

func (e *serialExecutor) submit(job func()) {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.drain()
}

func (e *serialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.jobs) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		job := e.jobs[0]
		e.jobs[0] = nil
		e.jobs = e.jobs[1:]
		e.mu.Unlock()
		job()
	}
}
