package link

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/hostlink/internal/config"
	"github.com/danmuck/hostlink/internal/testutil/testlog"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/danmuck/hostlink/internal/transport/spi"
)

func TestOpenSelectsSocket(t *testing.T) {
	testlog.Start(t)
	dir, err := os.MkdirTemp("", "hl")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.DefaultConfig()
	cfg.Link.SocketPath = filepath.Join(dir, "s")
	tr, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Cleanup()
	if tr.Kind() != transport.KindSocket || !tr.IsRunning() {
		t.Fatalf("unexpected transport: kind=%s running=%v", tr.Kind(), tr.IsRunning())
	}
	if _, err := os.Stat(cfg.Link.SocketPath); err != nil {
		t.Fatalf("socket not created: %v", err)
	}
}

func TestOpenSelectsSPIWithInjectedDriver(t *testing.T) {
	testlog.Start(t)
	cfg := config.DefaultConfig()
	cfg.Link.Transport = config.TransportSPI

	lb := spi.NewLoopback()
	tr, err := Open(cfg, WithSPIDriver(lb))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Cleanup()
	if tr.Kind() != transport.KindSPI {
		t.Fatalf("unexpected kind: %s", tr.Kind())
	}
	if !lb.Armed() {
		t.Fatalf("injected driver not armed by init")
	}
}

func TestOpenRejectsUnknownTransport(t *testing.T) {
	testlog.Start(t)
	cfg := config.DefaultConfig()
	cfg.Link.Transport = "uart"
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
}
