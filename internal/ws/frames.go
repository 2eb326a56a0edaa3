package ws

import (
	"encoding/binary"
	"fmt"
)

const (
	opcodeText = 0x1

	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	lengthMask       = 0x7F
	maxInlineLength  = 125
	lengthExtended16 = 126
	lengthExtended64 = 127

	// MaxPayloadLength is the largest payload the 16-bit extended length can
	// carry. Anything larger needs the 64-bit form, which is not supported.
	MaxPayloadLength = 0xFFFF
)

// Frame is a single unfragmented text frame. Values are built per decode or
// encode cycle and are not retained by the engine.
type Frame struct {
	Fin           bool
	Opcode        byte
	Masked        bool
	PayloadLength int
	MaskKey       [4]byte
	Payload       []byte
}

// Text returns the payload as a string.
func (f Frame) Text() string { return string(f.Payload) }

// EncodeText builds one unmasked server frame carrying message. Header and
// payload share a single buffer so the frame can go out in one write.
func EncodeText(message string) ([]byte, error) {
	length := len(message)
	if length > MaxPayloadLength {
		return nil, fmt.Errorf("%w: %d byte payload", ErrFrameTooLarge, length)
	}

	var frame []byte
	if length <= maxInlineLength {
		frame = make([]byte, 2, 2+length)
		frame[1] = byte(length)
	} else {
		frame = make([]byte, 4, 4+length)
		frame[1] = lengthExtended16
		binary.BigEndian.PutUint16(frame[2:4], uint16(length))
	}
	frame[0] = finBit | opcodeText

	frame = append(frame, message...)
	framesEncoded.Inc()
	return frame, nil
}
