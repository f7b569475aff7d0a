package protocol

import (
	"encoding/binary"
	"fmt"
)

// Version is the link protocol version answered to CONTROL/VERSION.
const Version uint8 = 1

// Message types. Flags share the type byte with the subsystem id.
const (
	TypeControl  uint8 = 0x01
	TypeGraphics uint8 = 0x02
	TypeAudio    uint8 = 0x04
	TypeInput    uint8 = 0x80

	FlagAckRequired uint8 = 0x20
	FlagChunked     uint8 = 0x40

	flagMask = FlagAckRequired | FlagChunked
)

// Control sub-commands.
const (
	ControlVersion     uint8 = 0x01
	ControlInitDisplay uint8 = 0x02
)

// Response sub-commands carried in ACK envelopes.
const (
	SubCmdAck  uint8 = 0xF0
	SubCmdNack uint8 = 0xF1
)

// MaxPayloadSize is the default per-message payload bound.
const MaxPayloadSize = 4096

// Envelope is the structured message carried by one frame.
type Envelope struct {
	Type    uint8
	Seq     uint8
	SubCmd  uint8
	Payload []byte
}

// BaseType strips the flag bits from a type byte.
func BaseType(t uint8) uint8 {
	return t &^ flagMask
}

func (e Envelope) BaseType() uint8 {
	return BaseType(e.Type)
}

func (e Envelope) AckRequired() bool {
	return e.Type&FlagAckRequired != 0
}

func (e Envelope) Chunked() bool {
	return e.Type&FlagChunked != 0
}

func (e Envelope) IsAck() bool {
	return e.SubCmd == SubCmdAck || e.SubCmd == SubCmdNack
}

// TypeName returns a log-friendly subsystem name.
func TypeName(t uint8) string {
	switch BaseType(t) {
	case TypeControl:
		return "control"
	case TypeGraphics:
		return "graphics"
	case TypeAudio:
		return "audio"
	case TypeInput:
		return "input"
	default:
		return fmt.Sprintf("0x%02x", BaseType(t))
	}
}

// InitDisplay is the CONTROL/INIT_DISPLAY request body.
type InitDisplay struct {
	Width      uint16
	Height     uint16
	ColorDepth uint8
}

const initDisplaySize = 5

func (d InitDisplay) Bytes() []byte {
	buf := make([]byte, initDisplaySize)
	binary.LittleEndian.PutUint16(buf[0:2], d.Width)
	binary.LittleEndian.PutUint16(buf[2:4], d.Height)
	buf[4] = d.ColorDepth
	return buf
}

func ParseInitDisplay(b []byte) (InitDisplay, error) {
	if len(b) < initDisplaySize {
		return InitDisplay{}, fmt.Errorf("%w: init_display needs %d bytes, got %d", ErrDecode, initDisplaySize, len(b))
	}
	return InitDisplay{
		Width:      binary.LittleEndian.Uint16(b[0:2]),
		Height:     binary.LittleEndian.Uint16(b[2:4]),
		ColorDepth: b[4],
	}, nil
}
