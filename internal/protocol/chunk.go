package protocol

import (
	"encoding/binary"
	"fmt"
)

// ChunkHeaderSize is the packed size of ChunkHeader on the wire.
const ChunkHeaderSize = 12

// Chunk flags.
const (
	ChunkStart uint8 = 1 << 0
	ChunkEnd   uint8 = 1 << 1
	ChunkErr   uint8 = 1 << 7
)

// ChunkHeader prefixes the payload of every envelope with FlagChunked set.
//
//	flags:u8 | chunk_id:u8 | chunk_len:u16 | offset:u32 | total_len:u32
type ChunkHeader struct {
	Flags    uint8
	ChunkID  uint8
	ChunkLen uint16
	Offset   uint32
	TotalLen uint32
}

func (h ChunkHeader) Start() bool { return h.Flags&ChunkStart != 0 }
func (h ChunkHeader) End() bool   { return h.Flags&ChunkEnd != 0 }
func (h ChunkHeader) Err() bool   { return h.Flags&ChunkErr != 0 }

// Append writes the packed little-endian header to dst.
func (h ChunkHeader) Append(dst []byte) []byte {
	dst = append(dst, h.Flags, h.ChunkID)
	dst = binary.LittleEndian.AppendUint16(dst, h.ChunkLen)
	dst = binary.LittleEndian.AppendUint32(dst, h.Offset)
	return binary.LittleEndian.AppendUint32(dst, h.TotalLen)
}

// ParseChunkHeader splits a chunked payload into its header and data.
// chunk_len is not checked against the data here.
func ParseChunkHeader(b []byte) (ChunkHeader, []byte, error) {
	if len(b) < ChunkHeaderSize {
		return ChunkHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrShortChunkHeader, len(b))
	}
	h := ChunkHeader{
		Flags:    b[0],
		ChunkID:  b[1],
		ChunkLen: binary.LittleEndian.Uint16(b[2:4]),
		Offset:   binary.LittleEndian.Uint32(b[4:8]),
		TotalLen: binary.LittleEndian.Uint32(b[8:12]),
	}
	return h, b[ChunkHeaderSize:], nil
}

// ChunkAckSize is the packed size of ChunkAck on the wire.
const ChunkAckSize = 8

// ChunkAck reports receiver progress on one lane.
type ChunkAck struct {
	ChunkID    uint8
	Gen        uint8
	Credit     uint16
	NextOffset uint32
}

func (a ChunkAck) Append(dst []byte) []byte {
	dst = append(dst, a.ChunkID, a.Gen)
	dst = binary.LittleEndian.AppendUint16(dst, a.Credit)
	return binary.LittleEndian.AppendUint32(dst, a.NextOffset)
}

func ParseChunkAck(b []byte) (ChunkAck, error) {
	if len(b) < ChunkAckSize {
		return ChunkAck{}, fmt.Errorf("%w: %d bytes", ErrShortChunkAck, len(b))
	}
	return ChunkAck{
		ChunkID:    b[0],
		Gen:        b[1],
		Credit:     binary.LittleEndian.Uint16(b[2:4]),
		NextOffset: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
