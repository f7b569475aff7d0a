// Package spi is the embedded-side link: a fixed-frame SPI slave with two
// alternating transaction buffers and an interrupt-to-poller handoff.
package spi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostlink/internal/protocol/fragment"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFrameSize = 64
	// maxTXBacklog caps queued outbound bytes waiting for master clocks.
	maxTXBacklog = 8192
)

type Config struct {
	Bus           Bus
	QueueCapacity int
	MaxPayload    int
	Fragment      fragment.Config
	// Wait bounds how long Process blocks for a completed transaction.
	// Zero polls without blocking.
	Wait time.Duration
	Now  func() time.Time
}

type Adapter struct {
	cfg    Config
	driver Driver
	pipe   *transport.Pipeline
	logger zerolog.Logger

	// signal is the binary semaphore released from PostTransfer.
	signal chan struct{}

	mu    sync.Mutex
	pairs [2]Transaction
	next  int
	tx    []byte

	// armed is false after a failed Queue; Process retries before waiting.
	armed   atomic.Bool
	running atomic.Bool
}

func New(cfg Config, driver Driver) *Adapter {
	if cfg.Bus.FrameSize <= 0 {
		cfg.Bus.FrameSize = DefaultFrameSize
	}
	a := &Adapter{
		cfg:    cfg,
		driver: driver,
		logger: log.With().Str("transport", string(transport.KindSPI)).Logger(),
	}
	a.pipe = transport.NewPipeline(transport.KindSPI, transport.PipelineConfig{
		BufferSize:    maxPayloadWire(cfg.MaxPayload),
		QueueCapacity: cfg.QueueCapacity,
		MaxPayload:    cfg.MaxPayload,
		Fragment:      cfg.Fragment,
		Now:           cfg.Now,
	}, a.enqueueTX)
	return a
}

// maxPayloadWire leaves room for the envelope, checksum and stuffing around
// the largest payload.
func maxPayloadWire(maxPayload int) int {
	if maxPayload <= 0 {
		maxPayload = 4096
	}
	n := maxPayload + 16
	return n + n/254 + 2
}

func (a *Adapter) Kind() transport.Kind { return transport.KindSPI }

func (a *Adapter) Init() error {
	if a.running.Load() {
		return nil
	}
	size := a.cfg.Bus.FrameSize
	for i := range a.pairs {
		a.pairs[i] = Transaction{TX: make([]byte, size), RX: make([]byte, size)}
	}
	a.signal = make(chan struct{}, 1)
	a.tx = a.tx[:0]
	a.next = 0

	if err := a.driver.Configure(a.cfg.Bus, Hooks{PostTransfer: a.onTransfer}); err != nil {
		return fmt.Errorf("spi: configure bus: %w", err)
	}
	a.running.Store(true)
	if err := a.arm(); err != nil {
		a.running.Store(false)
		_ = a.driver.Free()
		return fmt.Errorf("spi: queue first transaction: %w", err)
	}
	a.logger.Info().Int("frame_size", size).Msg("spi slave ready")
	return nil
}

// onTransfer runs in interrupt context.
func (a *Adapter) onTransfer(*Transaction) {
	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// arm fills the next buffer pair's TX from the backlog and queues it. The
// backlog is only consumed once the driver accepts the transaction.
func (a *Adapter) arm() error {
	a.mu.Lock()
	t := &a.pairs[a.next]
	n := copy(t.TX, a.tx)
	clear(t.TX[n:])
	t.RxLen = 0
	a.mu.Unlock()

	if err := a.driver.Queue(t); err != nil {
		a.armed.Store(false)
		return err
	}
	a.mu.Lock()
	a.tx = a.tx[:copy(a.tx, a.tx[n:])]
	a.next = 1 - a.next
	a.mu.Unlock()
	a.armed.Store(true)
	return nil
}

func (a *Adapter) rearm() {
	if err := a.arm(); err != nil {
		a.logger.Error().Err(err).Msg("re-arm failed, retrying on next process")
	}
}

// Process consumes completed transactions and re-arms the bus.
func (a *Adapter) Process() (int, error) {
	if !a.running.Load() {
		return 0, nil
	}
	if !a.armed.Load() {
		a.rearm()
	}
	frames := 0
	for block := true; a.await(block); block = false {
		done, err := a.driver.Result()
		// the completed transaction left nothing queued either way
		a.rearm()
		if err != nil {
			a.logger.Warn().Err(err).Msg("transaction result unavailable")
			continue
		}

		a.mu.Lock()
		frames += a.pipe.Ingest(done.RX[:done.RxLen])
		a.mu.Unlock()
	}
	a.pipe.Sweep()
	return frames, nil
}

// await takes the semaphore. Only a blocking call waits, for at most
// cfg.Wait.
func (a *Adapter) await(block bool) bool {
	select {
	case <-a.signal:
		return true
	default:
	}
	if !block || a.cfg.Wait <= 0 {
		return false
	}
	timer := time.NewTimer(a.cfg.Wait)
	defer timer.Stop()
	select {
	case <-a.signal:
		return true
	case <-timer.C:
		return false
	}
}

// enqueueTX holds an outbound frame until the master clocks it out.
func (a *Adapter) enqueueTX(frame []byte) error {
	if len(a.tx)+len(frame) > maxTXBacklog {
		return fmt.Errorf("%w: tx backlog full (%d bytes)", transport.ErrWriteFailed, len(a.tx))
	}
	a.tx = append(a.tx, frame...)
	return nil
}

func (a *Adapter) ReceiveMessage() (transport.Message, bool) {
	return a.pipe.Receive()
}

func (a *Adapter) SendAck(typ, seq uint8, resp []byte) error {
	if !a.running.Load() {
		return transport.ErrNotRunning
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pipe.SendAck(typ, seq, resp)
}

func (a *Adapter) IsRunning() bool { return a.running.Load() }

// Pending reports outbound bytes not yet clocked out.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tx)
}

func (a *Adapter) Stats() transport.Stats {
	s := a.pipe.Stats()
	s.Running = a.IsRunning()
	s.Connected = s.Running
	return s
}

// Cleanup releases queued transactions and the semaphore. Later Process
// calls do nothing.
func (a *Adapter) Cleanup() {
	if !a.running.Swap(false) {
		return
	}
	if err := a.driver.Free(); err != nil {
		a.logger.Warn().Err(err).Msg("driver free failed")
	}
	select {
	case <-a.signal:
	default:
	}
	a.mu.Lock()
	a.tx = a.tx[:0]
	a.pipe.Reset()
	a.mu.Unlock()
	a.armed.Store(false)
	a.logger.Info().Msg("spi slave stopped")
}
