// Package fragment splits oversized payloads into chunks and reassembles
// them on a fixed pool of receive lanes.
//
// Lane lifecycle:
//
//	Idle -[START]-> Receiving -[END, all bytes]-> Complete -[Take/Free]-> Idle
//	Receiving -[any violation]-> Error (terminal until freed)
package fragment

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hostlink/internal/protocol"
)

const (
	ChunkThreshold  = 200
	MaxChunkPayload = 230
	WindowSize      = 8
	MaxConcurrent   = 4
	Timeout         = 5 * time.Second
)

var (
	ErrExhausted    = errors.New("fragment: send context exhausted")
	ErrNoCapacity   = errors.New("fragment: no free reassembly lane")
	ErrInvalidParam = errors.New("fragment: invalid chunk parameters")
	ErrInvalidState = errors.New("fragment: invalid lane state")
	ErrChunkError   = errors.New("fragment: peer flagged chunk error")
	ErrTruncated    = errors.New("fragment: end chunk before all bytes arrived")
)

// Config holds the tunables. Zero fields fall back to the package defaults.
type Config struct {
	Threshold       int
	MaxChunkPayload int
	MaxConcurrent   int
	Timeout         time.Duration
	// MaxTotal rejects START chunks declaring a larger transfer. 0 disables.
	MaxTotal uint32
}

func DefaultConfig() Config {
	return Config{
		Threshold:       ChunkThreshold,
		MaxChunkPayload: MaxChunkPayload,
		MaxConcurrent:   MaxConcurrent,
		Timeout:         Timeout,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.MaxChunkPayload <= 0 {
		c.MaxChunkPayload = d.MaxChunkPayload
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

func (c Config) NeedsChunking(n int) bool {
	return n > c.WithDefaults().Threshold
}

func (c Config) NumChunks(n int) uint32 {
	max := c.WithDefaults().MaxChunkPayload
	return uint32((n + max - 1) / max)
}

// NeedsChunking reports whether a payload of n bytes must be fragmented.
func NeedsChunking(n int) bool {
	return DefaultConfig().NeedsChunking(n)
}

// NumChunks reports how many chunks a payload of n bytes splits into.
func NumChunks(n int) uint32 {
	return DefaultConfig().NumChunks(n)
}

// State is the lifecycle phase of one reassembly lane.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GenerateAck reports lane progress back to the sender. Credit is always the
// full window.
func GenerateAck(ctx *Context, gen uint8) protocol.ChunkAck {
	return protocol.ChunkAck{
		ChunkID:    ctx.ChunkID,
		Gen:        gen,
		Credit:     WindowSize,
		NextOffset: ctx.LastOffset,
	}
}
