package protocol

import "errors"

var (
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrDecode           = errors.New("protocol: malformed envelope")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrShortChunkHeader = errors.New("protocol: short chunk header")
	ErrShortChunkAck    = errors.New("protocol: short chunk ack")
)
