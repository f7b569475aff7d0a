package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/protocol/fragment"
	"github.com/danmuck/hostlink/internal/testutil/testlog"
)

type wireLog struct {
	frames [][]byte
}

func (w *wireLog) write(b []byte) error {
	w.frames = append(w.frames, append([]byte(nil), b...))
	return nil
}

func (w *wireLog) acks(t *testing.T) []protocol.Envelope {
	t.Helper()
	out := make([]protocol.Envelope, 0, len(w.frames))
	for _, f := range w.frames {
		env, err := protocol.DecodeFrame(f[:len(f)-1], make([]byte, protocol.MaxPayloadSize))
		if err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func mustEncode(t *testing.T, env protocol.Envelope) []byte {
	t.Helper()
	wire, err := protocol.EncodeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return wire
}

func chunkedWire(t *testing.T, env protocol.Envelope, chunkID uint8) [][]byte {
	t.Helper()
	s := fragment.NewSendContext(env, chunkID)
	var out [][]byte
	for {
		c, err := s.Next()
		if err == fragment.ErrExhausted {
			return out
		}
		if err != nil {
			t.Fatalf("next chunk: %v", err)
		}
		out = append(out, mustEncode(t, s.Envelope(c)))
	}
}

func TestPipelineQueuesPlainFrames(t *testing.T) {
	testlog.Start(t)
	w := &wireLog{}
	p := NewPipeline(KindSocket, PipelineConfig{}, w.write)

	a := mustEncode(t, protocol.Envelope{Type: protocol.TypeGraphics, Seq: 1, SubCmd: 0x10, Payload: []byte{1, 0, 2}})
	b := mustEncode(t, protocol.Envelope{Type: protocol.TypeAudio, Seq: 2, SubCmd: 0x20})
	stream := append(append([]byte{}, a...), b...)

	// split across reads mid-frame
	if n := p.Ingest(stream[:len(a)+3]); n != 1 {
		t.Fatalf("first ingest frames=%d want 1", n)
	}
	if n := p.Ingest(stream[len(a)+3:]); n != 1 {
		t.Fatalf("second ingest frames=%d want 1", n)
	}

	msg, ok := p.Receive()
	if !ok || msg.Type != protocol.TypeGraphics || msg.Seq != 1 || !bytes.Equal(msg.Payload, []byte{1, 0, 2}) {
		t.Fatalf("unexpected first message: %+v ok=%v", msg, ok)
	}
	msg, ok = p.Receive()
	if !ok || msg.Type != protocol.TypeAudio || len(msg.Payload) != 0 {
		t.Fatalf("unexpected second message: %+v ok=%v", msg, ok)
	}
	if _, ok := p.Receive(); ok {
		t.Fatalf("queue should be empty")
	}
	if s := p.Stats(); s.Frames != 2 || s.Messages != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestPipelineSkipsPaddingAndCountsBadFrames(t *testing.T) {
	testlog.Start(t)
	p := NewPipeline(KindSPI, PipelineConfig{}, (&wireLog{}).write)

	good := mustEncode(t, protocol.Envelope{Type: protocol.TypeControl, Seq: 3, SubCmd: protocol.ControlVersion, Payload: []byte{1}})
	corrupt := append([]byte(nil), good...)
	corrupt[2] ^= 0x02

	stream := []byte{0, 0, 0}
	stream = append(stream, corrupt...)
	stream = append(stream, 0x07, 0x00)
	stream = append(stream, good...)
	stream = append(stream, make([]byte, 16)...)

	if n := p.Ingest(stream); n != 3 {
		t.Fatalf("frames=%d want 3", n)
	}
	s := p.Stats()
	if s.Messages != 1 || s.Checksum+s.Malformed+s.DecodeErrors != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if msg, ok := p.Receive(); !ok || msg.Seq != 3 {
		t.Fatalf("expected good frame queued, got %+v ok=%v", msg, ok)
	}
}

func TestPipelineOverflowDiscardsUntilTerminator(t *testing.T) {
	testlog.Start(t)
	p := NewPipeline(KindSocket, PipelineConfig{BufferSize: 32}, (&wireLog{}).write)

	junk := bytes.Repeat([]byte{0x55}, 40)
	p.Ingest(junk[:20])
	p.Ingest(junk[20:])
	good := mustEncode(t, protocol.Envelope{Type: protocol.TypeGraphics, Seq: 9, SubCmd: 1})
	if n := p.Ingest(append([]byte{0x00}, good...)); n != 1 {
		t.Fatalf("frames=%d want 1", n)
	}
	s := p.Stats()
	if s.Overflows != 1 || s.Messages != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestPipelineReassemblesChunkedTransfer(t *testing.T) {
	testlog.Start(t)
	w := &wireLog{}
	p := NewPipeline(KindSocket, PipelineConfig{}, w.write)

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames := chunkedWire(t, protocol.Envelope{Type: protocol.TypeGraphics | protocol.FlagAckRequired, Seq: 11, SubCmd: 0x30, Payload: payload}, 4)
	if len(frames) != 5 {
		t.Fatalf("chunks=%d want 5", len(frames))
	}
	for i, f := range frames {
		p.Ingest(f)
		if i < len(frames)-1 && p.Stats().Messages != 0 {
			t.Fatalf("message queued before END chunk")
		}
	}

	msg, ok := p.Receive()
	if !ok {
		t.Fatalf("reassembled message missing")
	}
	if msg.Type != protocol.TypeGraphics|protocol.FlagAckRequired || msg.Seq != 11 || msg.SubCmd != 0x30 {
		t.Fatalf("unexpected reassembled header: %+v", msg)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("reassembled payload mismatch")
	}

	// every non-final ACK_REQUIRED chunk is answered with lane progress
	acks := w.acks(t)
	if len(acks) != 4 {
		t.Fatalf("chunk acks=%d want 4", len(acks))
	}
	last, err := protocol.ParseChunkAck(acks[3].Payload)
	if err != nil {
		t.Fatalf("parse chunk ack: %v", err)
	}
	if last.ChunkID != 4 || last.NextOffset != 4*fragment.MaxChunkPayload || last.Credit != fragment.WindowSize {
		t.Fatalf("unexpected chunk ack: %+v", last)
	}
	if p.Stats().ActiveLanes != 0 {
		t.Fatalf("lane not released after completion")
	}
}

func TestPipelineDropsOrphanChunk(t *testing.T) {
	testlog.Start(t)
	p := NewPipeline(KindSocket, PipelineConfig{}, (&wireLog{}).write)

	frames := chunkedWire(t, protocol.Envelope{Type: protocol.TypeGraphics, Seq: 1, Payload: make([]byte, 600)}, 7)
	p.Ingest(frames[1])

	s := p.Stats()
	if s.ChunkErrors != 1 || s.ActiveLanes != 0 || s.Messages != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestPipelineSweepsStaleLanes(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(50, 0)
	p := NewPipeline(KindSocket, PipelineConfig{Now: func() time.Time { return now }}, (&wireLog{}).write)

	frames := chunkedWire(t, protocol.Envelope{Type: protocol.TypeGraphics, Seq: 1, Payload: make([]byte, 600)}, 2)
	p.Ingest(frames[0])
	if p.Stats().ActiveLanes != 1 {
		t.Fatalf("expected one active lane")
	}

	now = now.Add(fragment.Timeout + time.Second)
	if n := p.Sweep(); n != 1 {
		t.Fatalf("swept=%d want 1", n)
	}
	if s := p.Stats(); s.ActiveLanes != 0 || s.LanesExpired != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}

	// the tail of the expired transfer is now an orphan
	p.Ingest(frames[1])
	if p.Stats().ChunkErrors != 1 {
		t.Fatalf("expected orphan chunk error")
	}
}

func TestPipelineQueueFullDrops(t *testing.T) {
	testlog.Start(t)
	p := NewPipeline(KindSocket, PipelineConfig{QueueCapacity: 1}, (&wireLog{}).write)
	f := mustEncode(t, protocol.Envelope{Type: protocol.TypeAudio, Seq: 1, SubCmd: 1})
	p.Ingest(append(append([]byte{}, f...), f...))

	if s := p.Stats(); s.Messages != 1 || s.QueueDropped != 1 || s.QueueDepth != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	p.Reset()
	if s := p.Stats(); s.QueueDepth != 0 {
		t.Fatalf("reset left messages queued: %+v", s)
	}
}
