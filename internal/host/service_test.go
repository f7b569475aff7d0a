package host

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/config"
	"github.com/danmuck/hostlink/internal/dispatch"
	"github.com/danmuck/hostlink/internal/link"
	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/danmuck/hostlink/internal/testutil/testlog"
	"github.com/danmuck/hostlink/internal/transport/spi"
)

func spiService(t *testing.T, opts ...Option) (*Service, *spi.Loopback) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Link.Transport = config.TransportSPI
	lb := spi.NewLoopback()
	s := NewService(cfg, append(opts, WithLinkOptions(link.WithSPIDriver(lb)))...)
	if err := s.bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(s.shutdown)
	return s, lb
}

func exchange(t *testing.T, s *Service, lb *spi.Loopback, mosi []byte) []byte {
	t.Helper()
	miso, err := lb.Exchange(mosi)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	s.Poll()
	return miso
}

func TestPollDispatchesAndAcks(t *testing.T) {
	testlog.Start(t)
	var display protocol.InitDisplay
	s, lb := spiService(t, WithDisplay(dispatch.DisplayInitializerFunc(func(cfg protocol.InitDisplay) error {
		display = cfg
		return nil
	})))

	want := protocol.InitDisplay{Width: 320, Height: 240, ColorDepth: 8}
	wire, err := protocol.EncodeFrame(protocol.Envelope{Type: protocol.TypeControl, Seq: 3, SubCmd: protocol.ControlInitDisplay, Payload: want.Bytes()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	exchange(t, s, lb, wire)
	if display != want {
		t.Fatalf("display initializer got %+v want %+v", display, want)
	}

	var miso []byte
	for i := 0; i < 2; i++ {
		miso = append(miso, exchange(t, s, lb, nil)...)
	}
	raw := bytes.Trim(miso, "\x00")
	if end := bytes.IndexByte(raw, frame.Terminator); end >= 0 {
		raw = raw[:end]
	}
	ack, err := protocol.DecodeFrame(raw, make([]byte, 64))
	if err != nil {
		t.Fatalf("decode ack: %v (miso=%x)", err, miso)
	}
	if ack.SubCmd != protocol.SubCmdAck || ack.Seq != 3 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if st := s.Stats(); st.Messages != 1 || st.AcksSent != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRunContextStopsAndCleansUp(t *testing.T) {
	testlog.Start(t)
	dir, err := os.MkdirTemp("", "hl")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.DefaultConfig()
	cfg.Link.SocketPath = filepath.Join(dir, "s")
	s := NewService(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunContext(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Stats().Running {
		if time.Now().After(deadline) {
			t.Fatalf("service never reported running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("service did not stop")
	}
	if s.Stats().Running {
		t.Fatalf("stats still report running after shutdown")
	}
	if _, err := os.Stat(cfg.Link.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("socket file left behind: %v", err)
	}
}
