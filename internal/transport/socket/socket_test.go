package socket

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/danmuck/hostlink/internal/testutil/testlog"
	"github.com/danmuck/hostlink/internal/transport"
)

var _ transport.Transport = (*Adapter)(nil)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	// Unix socket paths are length-limited, so avoid t.TempDir.
	dir, err := os.MkdirTemp("", "hl")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	a := New(Config{Path: filepath.Join(dir, "link.sock")})
	if err := a.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(a.Cleanup)
	return a
}

func dial(t *testing.T, a *Adapter) net.Conn {
	t.Helper()
	c, err := net.Dial("unix", a.Path())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pollUntil(t *testing.T, a *Adapter, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := a.Process(); err != nil {
			t.Fatalf("process: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func readFrame(t *testing.T, c net.Conn) protocol.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw []byte
	one := make([]byte, 1)
	for {
		if _, err := c.Read(one); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if one[0] == frame.Terminator {
			break
		}
		raw = append(raw, one[0])
	}
	env, err := protocol.DecodeFrame(raw, make([]byte, protocol.MaxPayloadSize))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

func TestVersionCheckRoundTrip(t *testing.T) {
	testlog.Start(t)
	a := newAdapter(t)
	c := dial(t, a)

	wire, err := protocol.EncodeFrame(protocol.Envelope{
		Type:    protocol.TypeControl,
		Seq:     5,
		SubCmd:  protocol.ControlVersion,
		Payload: []byte{protocol.Version},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	var msg transport.Message
	pollUntil(t, a, func() bool {
		var ok bool
		msg, ok = a.ReceiveMessage()
		return ok
	})
	if msg.Type != protocol.TypeControl || msg.Seq != 5 || msg.SubCmd != protocol.ControlVersion {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if err := a.SendAck(msg.Type, msg.Seq, []byte{protocol.Version}); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	ack := readFrame(t, c)
	if ack.Type != protocol.TypeControl || ack.Seq != 5 || ack.SubCmd != protocol.SubCmdAck {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if !bytes.Equal(ack.Payload, []byte{protocol.Version}) {
		t.Fatalf("unexpected ack payload: %x", ack.Payload)
	}
	if s := a.Stats(); !s.Running || !s.Connected || s.AcksSent != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func encode(t *testing.T, env protocol.Envelope) []byte {
	t.Helper()
	wire, err := protocol.EncodeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return wire
}

func receive(t *testing.T, a *Adapter) transport.Message {
	t.Helper()
	var msg transport.Message
	pollUntil(t, a, func() bool {
		var ok bool
		msg, ok = a.ReceiveMessage()
		return ok
	})
	return msg
}

func TestSecondPeerWaitsForSlot(t *testing.T) {
	testlog.Start(t)
	a := newAdapter(t)
	first := dial(t, a)
	pollUntil(t, a, a.Connected)

	second := dial(t, a)
	if _, err := second.Write(encode(t, protocol.Envelope{Type: protocol.TypeGraphics, Seq: 2, SubCmd: 1})); err != nil {
		t.Fatalf("write second: %v", err)
	}
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := a.Process(); err != nil {
			t.Fatalf("process: %v", err)
		}
		if msg, ok := a.ReceiveMessage(); ok {
			t.Fatalf("queued peer served while link busy: %+v", msg)
		}
		time.Sleep(time.Millisecond)
	}

	_ = first.Close()
	if msg := receive(t, a); msg.Seq != 2 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if err := a.SendAck(protocol.TypeGraphics, 2, nil); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	if ack := readFrame(t, second); ack.Seq != 2 || ack.SubCmd != protocol.SubCmdAck {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestFrameBeforeCloseIsDelivered(t *testing.T) {
	testlog.Start(t)
	a := newAdapter(t)
	c := dial(t, a)
	if _, err := c.Write(encode(t, protocol.Envelope{Type: protocol.TypeGraphics, Seq: 9, SubCmd: 3, Payload: []byte("bye")})); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.Close()
	time.Sleep(100 * time.Millisecond)

	if _, err := a.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	msg, ok := a.ReceiveMessage()
	if !ok || msg.Seq != 9 || !bytes.Equal(msg.Payload, []byte("bye")) {
		t.Fatalf("frame written before close was lost: %+v ok=%v", msg, ok)
	}
	// the sender is gone, so its ack has nowhere to go
	if err := a.SendAck(msg.Type, msg.Seq, nil); !errors.Is(err, transport.ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
}

func TestImmediateReconnectIsServed(t *testing.T) {
	testlog.Start(t)
	a := newAdapter(t)
	for seq := uint8(1); seq <= 5; seq++ {
		c, err := net.Dial("unix", a.Path())
		if err != nil {
			t.Fatalf("dial %d: %v", seq, err)
		}
		if _, err := c.Write(encode(t, protocol.Envelope{Type: protocol.TypeControl, Seq: seq, SubCmd: protocol.ControlVersion, Payload: []byte{protocol.Version}})); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
		msg := receive(t, a)
		if msg.Seq != seq {
			t.Fatalf("peer %d: unexpected message %+v", seq, msg)
		}
		if err := a.SendAck(msg.Type, msg.Seq, []byte{protocol.Version}); err != nil {
			t.Fatalf("peer %d: send ack: %v", seq, err)
		}
		if ack := readFrame(t, c); ack.Seq != seq {
			t.Fatalf("peer %d: unexpected ack %+v", seq, ack)
		}
		_ = c.Close()
	}
}

func TestDisconnectResetsPartialFrame(t *testing.T) {
	testlog.Start(t)
	a := newAdapter(t)
	first := dial(t, a)

	wire, err := protocol.EncodeFrame(protocol.Envelope{Type: protocol.TypeGraphics, Seq: 1, SubCmd: 2, Payload: []byte("abc")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := first.Write(wire[:4]); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	pollUntil(t, a, a.Connected)
	_ = first.Close()
	pollUntil(t, a, func() bool { return !a.Connected() })

	second := dial(t, a)
	if _, err := second.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg transport.Message
	pollUntil(t, a, func() bool {
		var ok bool
		msg, ok = a.ReceiveMessage()
		return ok
	})
	if !bytes.Equal(msg.Payload, []byte("abc")) {
		t.Fatalf("unexpected payload: %q", msg.Payload)
	}
	if s := a.Stats(); s.Malformed+s.Checksum+s.DecodeErrors != 0 {
		t.Fatalf("stale bytes leaked into next frame: %+v", s)
	}
}

func TestSendAckWithoutPeer(t *testing.T) {
	testlog.Start(t)
	a := newAdapter(t)
	if err := a.SendAck(protocol.TypeGraphics, 1, nil); !errors.Is(err, transport.ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
}

func TestCleanupStopsProcessing(t *testing.T) {
	testlog.Start(t)
	a := newAdapter(t)
	a.Cleanup()
	a.Cleanup()

	if a.IsRunning() {
		t.Fatalf("adapter still running after cleanup")
	}
	if n, err := a.Process(); n != 0 || err != nil {
		t.Fatalf("process after cleanup: n=%d err=%v", n, err)
	}
	if _, err := os.Stat(a.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket file left behind: %v", err)
	}
	if err := a.SendAck(protocol.TypeControl, 1, nil); !errors.Is(err, transport.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
