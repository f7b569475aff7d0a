package fragment

import "github.com/danmuck/hostlink/internal/protocol"

// Chunk is one outbound fragment. Data aliases the caller's buffer.
type Chunk struct {
	Header protocol.ChunkHeader
	Data   []byte
}

// Payload renders the chunk header followed by its data.
func (c Chunk) Payload() []byte {
	out := make([]byte, 0, protocol.ChunkHeaderSize+len(c.Data))
	out = c.Header.Append(out)
	return append(out, c.Data...)
}

// SendContext walks a borrowed payload in increasing offset order.
type SendContext struct {
	data       []byte
	maxChunk   int
	TotalLen   uint32
	Offset     uint32
	ChunkID    uint8
	Type       uint8
	Seq        uint8
	SubCmd     uint8
	WindowUsed uint16
}

// NewSendContext captures env's payload as the transfer body.
func NewSendContext(env protocol.Envelope, chunkID uint8) *SendContext {
	return DefaultConfig().NewSendContext(env, chunkID)
}

func (c Config) NewSendContext(env protocol.Envelope, chunkID uint8) *SendContext {
	return &SendContext{
		data:     env.Payload,
		maxChunk: c.WithDefaults().MaxChunkPayload,
		TotalLen: uint32(len(env.Payload)),
		ChunkID:  chunkID,
		Type:     env.Type,
		Seq:      env.Seq,
		SubCmd:   env.SubCmd,
	}
}

func (s *SendContext) Done() bool {
	return s.Offset >= s.TotalLen
}

// Next returns the next chunk, or ErrExhausted once every byte was handed out.
func (s *SendContext) Next() (Chunk, error) {
	if s.Done() {
		return Chunk{}, ErrExhausted
	}
	n := s.TotalLen - s.Offset
	if n > uint32(s.maxChunk) {
		n = uint32(s.maxChunk)
	}

	h := protocol.ChunkHeader{
		ChunkID:  s.ChunkID,
		ChunkLen: uint16(n),
		Offset:   s.Offset,
		TotalLen: s.TotalLen,
	}
	if s.Offset == 0 {
		h.Flags |= protocol.ChunkStart
	}
	if s.Offset+n >= s.TotalLen {
		h.Flags |= protocol.ChunkEnd
	}

	c := Chunk{Header: h, Data: s.data[s.Offset : s.Offset+n]}
	s.Offset += n
	s.WindowUsed++
	return c, nil
}

// Envelope wraps c for the wire with the chunked flag set.
func (s *SendContext) Envelope(c Chunk) protocol.Envelope {
	return protocol.Envelope{
		Type:    s.Type | protocol.FlagChunked,
		Seq:     s.Seq,
		SubCmd:  s.SubCmd,
		Payload: c.Payload(),
	}
}
