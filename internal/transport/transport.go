// Package transport defines the adapter contract shared by the socket and SPI
// links, plus the ingest pipeline both run frames through.
package transport

import (
	"errors"

	"github.com/danmuck/hostlink/internal/msgqueue"
)

type Kind string

const (
	KindSocket Kind = "socket"
	KindSPI    Kind = "spi"
)

var (
	ErrNotRunning  = errors.New("transport: not running")
	ErrNoPeer      = errors.New("transport: no peer connected")
	ErrWriteFailed = errors.New("transport: write failed")
)

type Message = msgqueue.Message

// Transport is one link to the core. Process must not block and is called at
// a fixed polling cadence by a single owner.
type Transport interface {
	Init() error
	// Process ingests available bytes and reports how many frames it handled.
	Process() (int, error)
	ReceiveMessage() (Message, bool)
	SendAck(typ, seq uint8, resp []byte) error
	IsRunning() bool
	Cleanup()
	Kind() Kind
	Stats() Stats
}

// Stats is a point-in-time view of a transport's counters.
type Stats struct {
	Transport    Kind   `json:"transport"`
	Running      bool   `json:"running"`
	Connected    bool   `json:"connected"`
	Frames       uint64 `json:"frames"`
	Chunks       uint64 `json:"chunks"`
	Messages     uint64 `json:"messages"`
	AcksSent     uint64 `json:"acks_sent"`
	Malformed    uint64 `json:"malformed"`
	Checksum     uint64 `json:"checksum_errors"`
	DecodeErrors uint64 `json:"decode_errors"`
	ChunkErrors  uint64 `json:"chunk_errors"`
	Overflows    uint64 `json:"overflows"`
	QueueDropped uint64 `json:"queue_dropped"`
	LanesExpired uint64 `json:"lanes_expired"`
	QueueDepth   int    `json:"queue_depth"`
	ActiveLanes  int    `json:"active_lanes"`
}
