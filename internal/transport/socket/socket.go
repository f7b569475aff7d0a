// Package socket is the host-side stream adapter: a Unix socket listener that
// serves one core peer at a time.
package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostlink/internal/protocol/fragment"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPath       = "/tmp/fmrb_socket"
	DefaultReadBuffer = 4096

	eventBacklog = 64
)

type Config struct {
	Path          string
	ReadBuffer    int
	QueueCapacity int
	MaxPayload    int
	Fragment      fragment.Config
	Now           func() time.Time
}

type event struct {
	connID uint64
	data   []byte
	err    error
}

// Adapter implements transport.Transport. Accept and read run on their own
// goroutines and only hand raw bytes to Process through events.
type Adapter struct {
	cfg    Config
	pipe   *transport.Pipeline
	logger zerolog.Logger

	mu     sync.Mutex
	ln     *net.UnixListener
	conn   net.Conn
	connID uint64

	// pipeConn is the connection whose bytes the pipeline buffer holds and
	// whose peer receives ACKs. Only the polling side stores it.
	pipeConn atomic.Uint64

	// slot holds one token while no peer is attached. Accept is only called
	// with the token in hand, so later peers wait in the listen backlog.
	slot    chan struct{}
	events  chan event
	done    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Adapter {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	a := &Adapter{
		cfg:    cfg,
		logger: log.With().Str("transport", string(transport.KindSocket)).Str("path", cfg.Path).Logger(),
	}
	a.pipe = transport.NewPipeline(transport.KindSocket, transport.PipelineConfig{
		BufferSize:    cfg.ReadBuffer,
		QueueCapacity: cfg.QueueCapacity,
		MaxPayload:    cfg.MaxPayload,
		Fragment:      cfg.Fragment,
		Now:           cfg.Now,
	}, a.write)
	return a
}

func (a *Adapter) Kind() transport.Kind { return transport.KindSocket }

func (a *Adapter) Path() string { return a.cfg.Path }

// Init removes a stale socket file and starts listening.
func (a *Adapter) Init() error {
	if a.running.Load() {
		return nil
	}
	if err := os.Remove(a.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("socket: remove stale %s: %w", a.cfg.Path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: a.cfg.Path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("socket: listen %s: %w", a.cfg.Path, err)
	}

	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	a.events = make(chan event, eventBacklog)
	a.done = make(chan struct{})
	a.slot = make(chan struct{}, 1)
	a.slot <- struct{}{}
	a.running.Store(true)

	a.wg.Add(1)
	go a.acceptLoop(ln)
	a.logger.Info().Msg("socket listening")
	return nil
}

func (a *Adapter) acceptLoop(ln *net.UnixListener) {
	defer a.wg.Done()
	for {
		select {
		case <-a.slot:
		case <-a.done:
			return
		}

		c, err := ln.Accept()
		if err != nil {
			a.slot <- struct{}{}
			if !a.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		a.mu.Lock()
		a.connID++
		id := a.connID
		a.conn = c
		a.mu.Unlock()

		a.logger.Info().Uint64("conn", id).Msg("peer connected")
		a.wg.Add(1)
		go a.readLoop(c, id)
	}
}

func (a *Adapter) readLoop(c net.Conn, id uint64) {
	defer a.wg.Done()
	buf := make([]byte, a.cfg.ReadBuffer)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if !a.emit(event{connID: id, data: append([]byte(nil), buf[:n]...)}) {
				return
			}
		}
		if err != nil {
			if a.emit(event{connID: id, err: err}) {
				a.release(id)
			}
			return
		}
	}
}

// release frees the peer slot so the next client can be accepted. The error
// event is already queued behind every byte read from that client.
func (a *Adapter) release(id uint64) {
	a.mu.Lock()
	if id != a.connID || a.conn == nil {
		a.mu.Unlock()
		return
	}
	c := a.conn
	a.conn = nil
	a.mu.Unlock()
	_ = c.Close()
	a.slot <- struct{}{}
}

func (a *Adapter) emit(ev event) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

// Process drains bytes received since the last call. It never blocks.
func (a *Adapter) Process() (int, error) {
	if !a.running.Load() {
		return 0, nil
	}
	frames := 0
drain:
	for {
		select {
		case ev := <-a.events:
			frames += a.handle(ev)
		default:
			break drain
		}
	}
	a.pipe.Sweep()
	return frames, nil
}

// handle applies one event. Events arrive in connection order, so bytes a
// peer wrote before closing are ingested before its disconnect.
func (a *Adapter) handle(ev event) int {
	current := a.pipeConn.Load()
	if ev.connID < current {
		return 0
	}
	if ev.err != nil {
		if ev.connID == current {
			a.pipe.ResetBuffer()
			a.pipeConn.Store(0)
		}
		a.logger.Info().Uint64("conn", ev.connID).AnErr("cause", ev.err).Msg("peer disconnected")
		return 0
	}
	if ev.connID != current {
		a.pipe.ResetBuffer()
		a.pipeConn.Store(ev.connID)
	}
	return a.pipe.Ingest(ev.data)
}

// write sends to the peer whose bytes are being processed. Replies to a peer
// that already left are dropped rather than sent to its successor.
func (a *Adapter) write(frame []byte) error {
	a.mu.Lock()
	c := a.conn
	if a.connID != a.pipeConn.Load() {
		c = nil
	}
	a.mu.Unlock()
	if c == nil {
		return transport.ErrNoPeer
	}
	if _, err := c.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrWriteFailed, err)
	}
	return nil
}

func (a *Adapter) ReceiveMessage() (transport.Message, bool) {
	return a.pipe.Receive()
}

func (a *Adapter) SendAck(typ, seq uint8, resp []byte) error {
	if !a.running.Load() {
		return transport.ErrNotRunning
	}
	return a.pipe.SendAck(typ, seq, resp)
}

func (a *Adapter) IsRunning() bool { return a.running.Load() }

// Connected reports whether a peer is attached.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

func (a *Adapter) Stats() transport.Stats {
	s := a.pipe.Stats()
	s.Running = a.IsRunning()
	s.Connected = a.Connected()
	return s
}

// Cleanup closes the listener and peer and removes the socket file. Later
// Process calls do nothing.
func (a *Adapter) Cleanup() {
	if !a.running.Swap(false) {
		return
	}
	close(a.done)

	a.mu.Lock()
	ln, c := a.ln, a.conn
	a.ln, a.conn = nil, nil
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if c != nil {
		_ = c.Close()
	}
	a.wg.Wait()

	if err := os.Remove(a.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn().Err(err).Msg("socket file not removed")
	}
	a.pipe.Reset()
	a.pipeConn.Store(0)
	a.logger.Info().Msg("socket closed")
}
