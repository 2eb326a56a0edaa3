package ws

import (
	"context"

	"github.com/rs/zerolog"
)

// Handler receives every decoded text message of a session, in order. A
// handler replies through s.SendText. Returning an error closes the session.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, text string) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as handlers.
type HandlerFunc func(ctx context.Context, s *Session, text string) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, s *Session, text string) error {
	return f(ctx, s, text)
}

// EchoHandler sends every message back to its sender.
var EchoHandler = HandlerFunc(func(_ context.Context, s *Session, text string) error {
	return s.SendText(text)
})

// LogHandler logs each message and never replies.
func LogHandler(logger zerolog.Logger) Handler {
	return HandlerFunc(func(_ context.Context, s *Session, text string) error {
		logger.Info().Str("session", s.ID()).Int("bytes", len(text)).Msg("message received")
		return nil
	})
}

var discardHandler = HandlerFunc(func(context.Context, *Session, string) error { return nil })
