package ws

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

type decodeStage uint8

const (
	stageHeader decodeStage = iota
	stageLength
	stageMaskKey
	stagePayload
)

// Decoder parses inbound client frames from a byte stream that arrives in
// arbitrary chunks. Bytes handed to Feed are kept in a buffer owned by the
// decoder and a staged cursor records how far the current frame has been
// parsed, so a frame split across notifications is resumed instead of
// re-read. A Decoder belongs to exactly one connection and is not safe for
// concurrent use.
type Decoder struct {
	buf   []byte
	off   int
	stage decodeStage
	frame Frame
	err   error
	trace zerolog.Logger
}

// NewDecoder returns a Decoder that reports each parsed frame to trace at
// debug level. Pass zerolog.Nop() to disable tracing.
func NewDecoder(trace zerolog.Logger) *Decoder {
	return &Decoder{trace: trace}
}

// Feed appends bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil || len(p) == 0 {
		return
	}
	d.buf = append(d.buf, p...)
}

// Buffered reports how many fed bytes have not been consumed yet.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next returns the next complete frame. It returns ErrIncomplete when the
// buffered bytes end mid-frame; the partial progress is kept for the next
// call. Any other error is terminal and returned again on every later call,
// since byte alignment on the stream is lost.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}

	for {
		switch d.stage {
		case stageHeader:
			if d.Buffered() < 2 {
				return Frame{}, ErrIncomplete
			}
			b0, b1 := d.buf[d.off], d.buf[d.off+1]
			d.off += 2

			d.frame = Frame{
				Fin:    b0&finBit != 0,
				Opcode: b0 & 0x0F,
				Masked: b1&maskBit != 0,
			}

			switch {
			case d.frame.Opcode != opcodeText:
				return d.fail(fmt.Errorf("%w: opcode 0x%X", ErrProtocolViolation, d.frame.Opcode))
			case !d.frame.Fin:
				return d.fail(fmt.Errorf("%w: fragmented frame", ErrProtocolViolation))
			case b0&rsvBits != 0:
				return d.fail(fmt.Errorf("%w: reserved bits set", ErrProtocolViolation))
			case !d.frame.Masked:
				return d.fail(fmt.Errorf("%w: client frame not masked", ErrProtocolViolation))
			}

			switch indicator := b1 & lengthMask; indicator {
			case lengthExtended64:
				return d.fail(fmt.Errorf("%w: 64-bit payload length", ErrFrameTooLarge))
			case lengthExtended16:
				d.stage = stageLength
			default:
				d.frame.PayloadLength = int(indicator)
				d.stage = stageMaskKey
			}

		case stageLength:
			if d.Buffered() < 2 {
				return Frame{}, ErrIncomplete
			}
			d.frame.PayloadLength = int(binary.BigEndian.Uint16(d.buf[d.off : d.off+2]))
			d.off += 2
			d.stage = stageMaskKey

		case stageMaskKey:
			if d.Buffered() < 4 {
				return Frame{}, ErrIncomplete
			}
			copy(d.frame.MaskKey[:], d.buf[d.off:d.off+4])
			d.off += 4
			d.stage = stagePayload

		case stagePayload:
			n := d.frame.PayloadLength
			if d.Buffered() < n {
				return Frame{}, ErrIncomplete
			}
			d.frame.Payload = Unmask(d.buf[d.off:d.off+n], d.frame.MaskKey)
			d.off += n

			if !utf8.Valid(d.frame.Payload) {
				return d.fail(fmt.Errorf("%w: text payload is not valid UTF-8", ErrProtocolViolation))
			}

			frame := d.frame
			d.frame = Frame{}
			d.stage = stageHeader
			d.compact()

			d.trace.Debug().
				Int("length", frame.PayloadLength).
				Hex("mask", frame.MaskKey[:]).
				Int("buffered", d.Buffered()).
				Msg("frame decoded")
			return frame, nil
		}
	}
}

// compact drops consumed bytes so the buffer only ever holds the frame in
// progress plus whatever the peer pipelined behind it.
func (d *Decoder) compact() {
	switch {
	case d.off == len(d.buf):
		d.buf = d.buf[:0]
		d.off = 0
	case d.off > cap(d.buf)/2:
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}

func (d *Decoder) fail(err error) (Frame, error) {
	d.err = err
	d.buf = nil
	d.off = 0
	d.frame = Frame{}
	d.trace.Debug().Err(err).Msg("frame rejected")
	return Frame{}, err
}
