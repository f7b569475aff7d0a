package transport

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hostlink/internal/msgqueue"
	"github.com/danmuck/hostlink/internal/observability"
	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/protocol/fragment"
	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WriteFunc puts one encoded frame, terminator included, on the wire.
type WriteFunc func(frame []byte) error

type PipelineConfig struct {
	// BufferSize bounds the accumulation buffer for one frame.
	BufferSize    int
	QueueCapacity int
	MaxPayload    int
	Fragment      fragment.Config
	// Now overrides the clock used for lane timestamps.
	Now func() time.Time
}

// Pipeline turns a byte stream into queued messages. It is owned by the
// polling goroutine of its adapter.
type Pipeline struct {
	kind    Kind
	label   string
	limit   int
	buf     []byte
	discard bool
	scratch []byte
	lanes   *fragment.Manager
	queue   *msgqueue.Queue
	write   WriteFunc
	now     func() time.Time
	ackGen  uint8
	stats   Stats
	logger  zerolog.Logger
}

func NewPipeline(kind Kind, cfg PipelineConfig, write WriteFunc) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = msgqueue.DefaultMaxPayload
	}
	if cfg.Fragment.MaxTotal == 0 {
		cfg.Fragment.MaxTotal = uint32(cfg.MaxPayload)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		kind:    kind,
		label:   string(kind),
		limit:   cfg.BufferSize,
		buf:     make([]byte, 0, cfg.BufferSize),
		scratch: make([]byte, cfg.BufferSize),
		lanes:   fragment.NewManager(cfg.Fragment),
		queue:   msgqueue.New(cfg.QueueCapacity, cfg.MaxPayload),
		write:   write,
		now:     cfg.Now,
		stats:   Stats{Transport: kind},
		logger:  log.With().Str("transport", string(kind)).Logger(),
	}
}

// Ingest scans data for terminators and handles every completed frame. Bytes
// after the last terminator stay buffered for the next call.
func (p *Pipeline) Ingest(data []byte) int {
	handled := 0
	for len(data) > 0 {
		idx := bytes.IndexByte(data, frame.Terminator)
		if idx < 0 {
			p.accumulate(data)
			break
		}
		p.accumulate(data[:idx])
		if !p.discard && len(p.buf) > 0 {
			p.handleFrame(p.buf)
			handled++
		}
		p.buf = p.buf[:0]
		p.discard = false
		data = data[idx+1:]
	}
	return handled
}

func (p *Pipeline) accumulate(seg []byte) {
	if p.discard || len(seg) == 0 {
		return
	}
	if len(p.buf)+len(seg) > p.limit {
		p.stats.Overflows++
		observability.RecordFrame(p.label, observability.FrameOverflow)
		p.logger.Warn().Int("buffered", len(p.buf)).Int("limit", p.limit).Msg("frame buffer overflow, discarding until terminator")
		p.buf = p.buf[:0]
		p.discard = true
		return
	}
	p.buf = append(p.buf, seg...)
}

// ResetBuffer drops any partially accumulated frame.
func (p *Pipeline) ResetBuffer() {
	p.buf = p.buf[:0]
	p.discard = false
}

func (p *Pipeline) handleFrame(raw []byte) {
	p.stats.Frames++
	env, err := protocol.DecodeFrame(raw, p.scratch)
	if err != nil {
		p.frameError(err)
		return
	}

	if env.Chunked() {
		p.handleChunk(env)
		return
	}

	observability.RecordFrame(p.label, observability.FrameOK)
	p.enqueue(msgqueue.Message{Type: env.Type, Seq: env.Seq, SubCmd: env.SubCmd, Payload: env.Payload})
}

func (p *Pipeline) frameError(err error) {
	result := observability.FrameDecode
	switch {
	case errors.Is(err, frame.ErrMalformedFrame), errors.Is(err, frame.ErrBufferTooSmall):
		p.stats.Malformed++
		result = observability.FrameMalformed
	case errors.Is(err, protocol.ErrChecksumMismatch):
		p.stats.Checksum++
		result = observability.FrameChecksum
	default:
		p.stats.DecodeErrors++
	}
	observability.RecordFrame(p.label, result)
	p.logger.Warn().Err(err).Msg("frame dropped")
}

func (p *Pipeline) handleChunk(env protocol.Envelope) {
	p.stats.Chunks++
	h, data, err := protocol.ParseChunkHeader(env.Payload)
	if err != nil {
		p.chunkError(env, nil, err)
		return
	}

	var ctx *fragment.Context
	if h.Start() {
		ctx, err = p.lanes.FindOrCreate(h.ChunkID)
	} else if ctx = p.lanes.Find(h.ChunkID); ctx == nil {
		// Chunk for a lane that never started. A fresh lane fails with
		// ErrInvalidState and is released below.
		ctx, err = p.lanes.FindOrCreate(h.ChunkID)
	}
	if err != nil {
		p.chunkError(env, nil, err)
		return
	}

	state, err := ctx.Process(h, data, p.now())
	if err != nil {
		p.chunkError(env, ctx, err)
		return
	}
	ctx.Type = env.Type &^ protocol.FlagChunked
	ctx.Seq = env.Seq
	ctx.SubCmd = env.SubCmd
	observability.RecordFrame(p.label, observability.FrameChunk)

	if state != fragment.StateComplete {
		if env.AckRequired() {
			p.ackGen++
			ack := fragment.GenerateAck(ctx, p.ackGen)
			if err := p.SendAck(env.Type, env.Seq, ack.Append(nil)); err != nil {
				p.logger.Debug().Err(err).Uint8("chunk_id", h.ChunkID).Msg("chunk ack not sent")
			}
		}
		return
	}

	msg := msgqueue.Message{Type: ctx.Type, Seq: ctx.Seq, SubCmd: ctx.SubCmd}
	msg.Payload = ctx.Take()
	p.logger.Debug().
		Uint8("chunk_id", h.ChunkID).
		Int("len", len(msg.Payload)).
		Msg("chunked transfer complete")
	p.enqueue(msg)
}

func (p *Pipeline) chunkError(env protocol.Envelope, ctx *fragment.Context, err error) {
	p.stats.ChunkErrors++
	observability.RecordFrame(p.label, observability.FrameChunkError)
	if ctx != nil {
		ctx.Free()
	}
	p.logger.Warn().
		Err(err).
		Uint8("type", env.Type).
		Uint8("seq", env.Seq).
		Msg("chunk dropped")
}

func (p *Pipeline) enqueue(msg msgqueue.Message) {
	if err := p.queue.Enqueue(msg); err != nil {
		p.stats.QueueDropped++
		observability.RecordQueueDrop(p.label)
		p.logger.Warn().
			Err(err).
			Uint8("type", msg.Type).
			Uint8("seq", msg.Seq).
			Uint8("sub_cmd", msg.SubCmd).
			Msg("message dropped")
		return
	}
	p.stats.Messages++
	observability.SetQueueDepth(p.label, p.queue.Len())
}

// Sweep frees reassembly lanes that stopped making progress.
func (p *Pipeline) Sweep() int {
	n := p.lanes.CleanupExpired(p.now())
	if n > 0 {
		p.stats.LanesExpired += uint64(n)
		observability.RecordLanesExpired(p.label, n)
		p.logger.Warn().Int("lanes", n).Msg("reassembly lanes expired")
	}
	return n
}

func (p *Pipeline) Receive() (Message, bool) {
	msg, ok := p.queue.Dequeue()
	if ok {
		observability.SetQueueDepth(p.label, p.queue.Len())
	}
	return msg, ok
}

// SendAck encodes an ACK envelope and hands it to the adapter's writer.
func (p *Pipeline) SendAck(typ, seq uint8, resp []byte) error {
	wire, err := protocol.EncodeAck(typ, seq, resp)
	if err != nil {
		return err
	}
	if err := p.write(wire); err != nil {
		return fmt.Errorf("send ack type=%d seq=%d: %w", typ, seq, err)
	}
	p.stats.AcksSent++
	p.logger.Debug().Uint8("type", typ).Uint8("seq", seq).Int("resp_len", len(resp)).Msg("ack sent")
	return nil
}

func (p *Pipeline) Stats() Stats {
	s := p.stats
	s.QueueDepth = p.queue.Len()
	s.ActiveLanes = p.lanes.Active()
	return s
}

// Reset drops buffered bytes, queued messages and all lanes.
func (p *Pipeline) Reset() {
	p.ResetBuffer()
	p.queue.Reset()
	p.lanes.Reset()
}
