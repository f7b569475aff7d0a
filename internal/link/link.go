// Package link picks the transport adapter for a configured link at startup.
package link

import (
	"fmt"

	"github.com/danmuck/hostlink/internal/config"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/danmuck/hostlink/internal/transport/socket"
	"github.com/danmuck/hostlink/internal/transport/spi"
)

type options struct {
	driver spi.Driver
}

type Option func(*options)

// WithSPIDriver replaces the loopback driver used for the spi transport.
func WithSPIDriver(d spi.Driver) Option {
	return func(o *options) {
		o.driver = d
	}
}

// New builds the adapter named by cfg.Link.Transport without initializing it.
func New(cfg config.Config, opts ...Option) (transport.Transport, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	frag := config.FragmentLimits(cfg)

	switch cfg.Link.Transport {
	case config.TransportSocket:
		return socket.New(socket.Config{
			Path:          cfg.Link.SocketPath,
			ReadBuffer:    cfg.Link.ReadBuffer,
			QueueCapacity: cfg.Link.QueueCapacity,
			MaxPayload:    cfg.Link.MaxPayload,
			Fragment:      frag,
		}), nil
	case config.TransportSPI:
		if o.driver == nil {
			o.driver = spi.NewLoopback()
		}
		return spi.New(spi.Config{
			Bus:           spi.Bus{FrameSize: cfg.Link.SPIFrameSize},
			QueueCapacity: cfg.Link.QueueCapacity,
			MaxPayload:    cfg.Link.MaxPayload,
			Fragment:      frag,
			Wait:          cfg.Link.SPIWait,
		}, o.driver), nil
	default:
		return nil, fmt.Errorf("link: unknown transport %q", cfg.Link.Transport)
	}
}

// Open builds and initializes the configured adapter.
func Open(cfg config.Config, opts ...Option) (transport.Transport, error) {
	t, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Init(); err != nil {
		return nil, fmt.Errorf("link: init %s: %w", t.Kind(), err)
	}
	return t, nil
}
