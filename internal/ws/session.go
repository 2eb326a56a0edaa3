package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxHandshakeBytes = 8 << 10
	defaultSendQueueSize     = 64
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateAwaitingUpgrade State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingUpgrade:
		return "awaiting_upgrade"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Socket is the raw duplex stream a session runs on.
type Socket interface {
	Write(p []byte) (int, error)
	Close() error
}

// SessionOptions configures a Session. The zero value is usable: messages
// are discarded, plain requests get AliveResponder and nothing is logged.
type SessionOptions struct {
	Handler Handler
	Plain   PlainResponder

	// Logger receives lifecycle events. Trace receives one event per frame
	// and should stay disabled outside debugging.
	Logger zerolog.Logger
	Trace  zerolog.Logger

	RemoteAddr        string
	MaxHandshakeBytes int

	// SendQueueSize bounds the frames queued by Enqueue. A session whose
	// queue is full is closed with ErrSendQueueFull.
	SendQueueSize int

	// OnClose never runs before OnActive has returned, even when the
	// session is closed while OnActive is still running.
	OnActive func(*Session)
	OnClose  func(*Session, error)
}

// Session glues the handshake, decoder and encoder to one socket. The
// transport calls OnData once per readiness notification; calls are
// serialized so frames are dispatched strictly in arrival order.
type Session struct {
	id     string
	sock   Socket
	opts   SessionOptions
	logger zerolog.Logger

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	cycleMu sync.Mutex
	head    []byte
	decoder *Decoder

	writeMu    sync.Mutex
	send       chan []byte
	writerOnce sync.Once

	lifecycleMu   sync.Mutex
	activating    bool
	closeDeferred bool

	closeOnce sync.Once
	errMu     sync.Mutex
	closeErr  error
}

// NewSession returns a session in StateAwaitingUpgrade bound to sock.
func NewSession(sock Socket, opts SessionOptions) *Session {
	if opts.Handler == nil {
		opts.Handler = discardHandler
	}
	if opts.Plain == nil {
		opts.Plain = AliveResponder
	}
	if opts.MaxHandshakeBytes <= 0 {
		opts.MaxHandshakeBytes = defaultMaxHandshakeBytes
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}

	id := xid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		sock:    sock,
		opts:    opts,
		logger:  opts.Logger.With().Str("session", id).Str("remote", opts.RemoteAddr).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		decoder: NewDecoder(opts.Trace.With().Str("session", id).Logger()),
		send:    make(chan []byte, opts.SendQueueSize),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address supplied by the transport.
func (s *Session) RemoteAddr() string { return s.opts.RemoteAddr }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closeErr
}

// Accept completes the handshake for key: it writes the 101 response and
// moves the session to StateActive. A failed write closes the session.
func (s *Session) Accept(key string) error {
	if s.State() != StateAwaitingUpgrade {
		return fmt.Errorf("%w: session is %s", ErrHandshake, s.State())
	}

	_, span := tracer.Start(s.ctx, "ws.handshake", trace.WithAttributes(attribute.String("ws.session", s.id)))
	defer span.End()

	start := time.Now()
	if err := s.write(BuildHandshakeResponse(ComputeAcceptKey(key))); err != nil {
		handshakeLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake write failed")
		err = fmt.Errorf("write handshake response: %w", err)
		s.Close(err)
		return err
	}
	handshakeLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	s.lifecycleMu.Lock()
	if !s.state.CompareAndSwap(int32(StateAwaitingUpgrade), int32(StateActive)) {
		s.lifecycleMu.Unlock()
		return ErrClosed
	}
	s.activating = true
	s.lifecycleMu.Unlock()

	activeSessions.Inc()
	s.logger.Info().Msg("websocket session established")
	if s.opts.OnActive != nil {
		s.opts.OnActive(s)
	}

	s.lifecycleMu.Lock()
	s.activating = false
	deferred := s.closeDeferred
	s.lifecycleMu.Unlock()
	if deferred {
		s.notifyClosed()
		return ErrClosed
	}
	return nil
}

// OnData handles bytes from one readiness notification. Before the upgrade
// they are collected into the request head; afterwards every complete frame
// is decoded and handed to the handler. Errors close the session and are
// also returned so the transport can stop reading.
func (s *Session) OnData(p []byte) (err error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			s.logger.Error().Err(err).Bytes("stack", debug.Stack()).Msg("recovered panic")
			s.Close(err)
		}
	}()

	bytesReceived.Add(float64(len(p)))

	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateAwaitingUpgrade:
		return s.upgrade(p)
	}

	s.decoder.Feed(p)
	return s.dispatch()
}

func (s *Session) upgrade(p []byte) error {
	s.head = append(s.head, p...)

	req, rest, err := ParseUpgradeRequest(s.head)
	if errors.Is(err, ErrIncomplete) {
		if len(s.head) > s.opts.MaxHandshakeBytes {
			err = fmt.Errorf("%w: request head exceeds %d bytes", ErrHandshake, s.opts.MaxHandshakeBytes)
			s.reject(err)
			return err
		}
		return nil
	}
	s.head = nil
	if err != nil {
		s.reject(err)
		return err
	}

	key, err := CheckUpgrade(req)
	switch {
	case errors.Is(err, ErrNotUpgrade):
		s.respondPlain(req)
		return nil
	case err != nil:
		s.reject(err)
		return err
	}

	if err := s.Accept(key); err != nil {
		return err
	}
	if len(rest) == 0 {
		return nil
	}
	s.decoder.Feed(rest)
	return s.dispatch()
}

func (s *Session) dispatch() error {
	for {
		frame, err := s.decoder.Next()
		if errors.Is(err, ErrIncomplete) {
			return nil
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("kind", ErrorKind(err)).Msg("frame decode failed")
			s.Close(err)
			return err
		}
		framesDecoded.Inc()

		if err := s.deliver(frame); err != nil {
			s.Close(err)
			return err
		}
		if s.State() == StateClosed {
			return ErrClosed
		}
	}
}

func (s *Session) deliver(frame Frame) error {
	ctx, span := tracer.Start(s.ctx, "ws.message", trace.WithAttributes(
		attribute.String("ws.session", s.id),
		attribute.Int("ws.payload_length", frame.PayloadLength),
	))
	defer span.End()

	if err := s.opts.Handler.HandleMessage(ctx, s, frame.Text()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return &HandlerError{Err: err}
	}
	return nil
}

// SendText encodes message as a single text frame and writes it. Messages
// over MaxPayloadLength fail with ErrFrameTooLarge and, like write failures,
// close the session.
func (s *Session) SendText(message string) error {
	if s.State() != StateActive {
		return ErrClosed
	}
	frame, err := EncodeText(message)
	if err != nil {
		s.Close(err)
		return err
	}
	return s.sendFrame(frame)
}

// Enqueue hands an encoded frame to the session's writer goroutine and
// returns without waiting for the socket. When the queue is full the peer is
// not keeping up and the session is closed with ErrSendQueueFull.
func (s *Session) Enqueue(frame []byte) error {
	if s.State() != StateActive {
		return ErrClosed
	}
	s.writerOnce.Do(func() { go s.writeLoop() })

	select {
	case s.send <- frame:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	default:
		s.logger.Warn().Int("queued", len(s.send)).Msg("send queue full; closing session")
		s.Close(ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			if err := s.sendFrame(frame); err != nil {
				return
			}
		}
	}
}

func (s *Session) sendFrame(frame []byte) error {
	if s.State() != StateActive {
		return ErrClosed
	}
	if err := s.write(frame); err != nil {
		err = fmt.Errorf("write frame: %w", err)
		s.Close(err)
		return err
	}
	return nil
}

func (s *Session) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.sock.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return err
}

func (s *Session) reject(err error) {
	s.logger.Warn().Err(err).Msg("upgrade rejected")
	w := bufio.NewWriter(socketWriter{s})
	if werr := writeStatus(w, http.StatusBadRequest, err.Error()); werr != nil {
		s.logger.Debug().Err(werr).Msg("write rejection failed")
	}
	s.Close(err)
}

func (s *Session) respondPlain(req *http.Request) {
	w := bufio.NewWriter(socketWriter{s})
	if err := s.opts.Plain.Respond(w, req); err != nil {
		s.logger.Debug().Err(err).Msg("plain response failed")
	}
	s.Close(nil)
}

// Close moves the session to StateClosed and closes the socket. Only the
// first call has any effect; err is recorded as the reason.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		s.lifecycleMu.Lock()
		prev := State(s.state.Swap(int32(StateClosed)))
		s.closeDeferred = s.activating
		deferred := s.closeDeferred
		s.lifecycleMu.Unlock()
		s.cancel()
		_ = s.sock.Close()

		if prev == StateActive {
			activeSessions.Dec()
		}
		kind := ErrorKind(err)
		sessionsClosed.WithLabelValues(kind).Inc()

		event := s.logger.Debug()
		if kind != KindNone && kind != KindTransport {
			event = s.logger.Info()
		}
		event.Err(err).Str("kind", kind).Str("from", prev.String()).Msg("session closed")

		// A close racing activation is reported once OnActive returns.
		if !deferred {
			s.notifyClosed()
		}
	})
}

func (s *Session) notifyClosed() {
	if s.opts.OnClose != nil {
		s.opts.OnClose(s, s.Err())
	}
}

type socketWriter struct{ s *Session }

func (w socketWriter) Write(p []byte) (int, error) {
	if err := w.s.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
