package fragment

import (
	"fmt"
	"time"

	"github.com/danmuck/hostlink/internal/protocol"
)

// Context is one reassembly lane. Type, Seq and SubCmd are stamped by the
// caller from the envelope that carried the most recent chunk.
type Context struct {
	ChunkID       uint8
	State         State
	TotalLen      uint32
	ReceivedBytes uint32
	LastOffset    uint32
	LastUpdate    time.Time
	Type          uint8
	Seq           uint8
	SubCmd        uint8

	buf      []byte
	maxTotal uint32
}

// Bytes returns the reassembly buffer without releasing it.
func (c *Context) Bytes() []byte {
	return c.buf
}

// Free releases the buffer and returns the lane to Idle.
func (c *Context) Free() {
	maxTotal := c.maxTotal
	*c = Context{maxTotal: maxTotal}
}

// Take hands a completed buffer to the caller and frees the lane.
// It returns nil unless the lane is Complete.
func (c *Context) Take() []byte {
	if c.State != StateComplete {
		return nil
	}
	out := c.buf
	c.Free()
	return out
}

func (c *Context) fail(err error) (State, error) {
	c.State = StateError
	return c.State, err
}

// Process applies one received chunk to the lane.
func (c *Context) Process(h protocol.ChunkHeader, data []byte, now time.Time) (State, error) {
	if c.State != StateReceiving {
		return c.State, fmt.Errorf("%w: lane %d is %s", ErrInvalidState, c.ChunkID, c.State)
	}
	if int(h.ChunkLen) != len(data) {
		return c.fail(fmt.Errorf("%w: chunk_len=%d data=%d", ErrInvalidParam, h.ChunkLen, len(data)))
	}
	if h.Err() {
		return c.fail(fmt.Errorf("%w: lane %d", ErrChunkError, c.ChunkID))
	}

	if h.Start() {
		if c.maxTotal > 0 && h.TotalLen > c.maxTotal {
			return c.fail(fmt.Errorf("%w: total_len=%d limit=%d", ErrInvalidParam, h.TotalLen, c.maxTotal))
		}
		c.buf = make([]byte, h.TotalLen)
		c.TotalLen = h.TotalLen
		c.ReceivedBytes = 0
		c.LastOffset = 0
	}
	if c.buf == nil {
		return c.fail(fmt.Errorf("%w: lane %d has no buffer", ErrInvalidState, c.ChunkID))
	}
	if h.TotalLen != c.TotalLen {
		return c.fail(fmt.Errorf("%w: total_len=%d lane=%d", ErrInvalidParam, h.TotalLen, c.TotalLen))
	}

	end := uint64(h.Offset) + uint64(len(data))
	if end > uint64(c.TotalLen) {
		return c.fail(fmt.Errorf("%w: offset=%d len=%d total=%d", ErrInvalidParam, h.Offset, len(data), c.TotalLen))
	}
	copy(c.buf[h.Offset:end], data)
	c.ReceivedBytes += uint32(len(data))
	c.LastOffset = uint32(end)
	c.LastUpdate = now

	if h.End() {
		if c.ReceivedBytes != c.TotalLen {
			return c.fail(fmt.Errorf("%w: received=%d total=%d", ErrTruncated, c.ReceivedBytes, c.TotalLen))
		}
		c.State = StateComplete
	}
	return c.State, nil
}

// Manager owns the fixed lane pool and the outbound chunk id counter.
// It is not safe for concurrent use.
type Manager struct {
	cfg         Config
	lanes       []Context
	nextChunkID uint8
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.WithDefaults()
	m := &Manager{
		cfg:   cfg,
		lanes: make([]Context, cfg.MaxConcurrent),
	}
	m.Reset()
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Reset frees every lane and restarts chunk id allocation at 1.
func (m *Manager) Reset() {
	for i := range m.lanes {
		m.lanes[i] = Context{maxTotal: m.cfg.MaxTotal}
	}
	m.nextChunkID = 1
}

// Find returns the non-idle lane bound to chunkID, or nil.
func (m *Manager) Find(chunkID uint8) *Context {
	for i := range m.lanes {
		if m.lanes[i].State != StateIdle && m.lanes[i].ChunkID == chunkID {
			return &m.lanes[i]
		}
	}
	return nil
}

// FindOrCreate returns the lane bound to chunkID, claiming an idle one when
// none exists.
func (m *Manager) FindOrCreate(chunkID uint8) (*Context, error) {
	if ctx := m.Find(chunkID); ctx != nil {
		return ctx, nil
	}
	for i := range m.lanes {
		if m.lanes[i].State == StateIdle {
			ctx := &m.lanes[i]
			ctx.Free()
			ctx.ChunkID = chunkID
			ctx.State = StateReceiving
			return ctx, nil
		}
	}
	return nil, fmt.Errorf("%w: chunk_id=%d", ErrNoCapacity, chunkID)
}

// CleanupExpired frees Receiving lanes idle longer than the timeout and
// reports how many were reclaimed.
func (m *Manager) CleanupExpired(now time.Time) int {
	freed := 0
	for i := range m.lanes {
		ctx := &m.lanes[i]
		if ctx.State == StateReceiving && now.Sub(ctx.LastUpdate) > m.cfg.Timeout {
			ctx.Free()
			freed++
		}
	}
	return freed
}

// Active counts lanes that are not Idle.
func (m *Manager) Active() int {
	n := 0
	for i := range m.lanes {
		if m.lanes[i].State != StateIdle {
			n++
		}
	}
	return n
}

// AllocChunkID returns the next outbound transfer id. Zero is never issued.
func (m *Manager) AllocChunkID() uint8 {
	id := m.nextChunkID
	m.nextChunkID++
	if m.nextChunkID == 0 {
		m.nextChunkID = 1
	}
	return id
}

// NewSendContext binds env to a freshly allocated chunk id.
func (m *Manager) NewSendContext(env protocol.Envelope) *SendContext {
	return m.cfg.NewSendContext(env, m.AllocChunkID())
}
