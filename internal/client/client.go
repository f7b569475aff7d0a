// Package client is the core side of the socket link: it frames requests,
// fragments large payloads and waits for ACKs.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/protocol/fragment"
	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxFrameBytes bounds one stuffed frame from the host: the largest
// payload plus envelope header and checksum.
var maxFrameBytes = frame.MaxEncodedLen(protocol.MaxPayloadSize + 16)

var (
	ErrClosed     = errors.New("client: connection closed")
	ErrAckTimeout = errors.New("client: ack timeout")
	ErrNack       = errors.New("client: request rejected")
)

type Client struct {
	cfg    Config
	conn   net.Conn
	outbox *Outbox
	logger zerolog.Logger

	writeMu sync.Mutex
	seqMu   sync.Mutex
	seq     uint8
	ids     *fragment.Manager

	overflows atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
	wg        sync.WaitGroup
}

// Dial connects to the host socket, retrying with backoff until
// cfg.DialAttempts is exhausted or ctx ends.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = def.ReadBuffer
	}
	cfg.Fragment = cfg.Fragment.WithDefaults()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "unix", cfg.Path)
		if err == nil {
			return newClient(cfg, conn), nil
		}
		lastErr = err
		if attempt == cfg.DialAttempts {
			break
		}
		delay := cfg.Backoff.Delay(attempt, rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Str("path", cfg.Path).Msg("dial failed")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("client: dial %s: %w", cfg.Path, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("client: dial %s after %d attempts: %w", cfg.Path, cfg.DialAttempts, lastErr)
}

func newClient(cfg Config, conn net.Conn) *Client {
	c := &Client{
		cfg:    cfg,
		conn:   conn,
		outbox: NewOutbox(),
		ids:    fragment.NewManager(cfg.Fragment),
		closed: make(chan struct{}),
		logger: log.With().Str("component", "client").Str("path", cfg.Path).Logger(),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *Client) Outbox() *Outbox {
	return c.outbox
}

// Overflows counts inbound runs discarded for exceeding one frame.
func (c *Client) Overflows() uint64 {
	return c.overflows.Load()
}

// NextSeq returns the next sequence number. It wraps at 255.
func (c *Client) NextSeq() uint8 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Send writes env, splitting payloads above the chunk threshold. Only the
// final chunk keeps ACK_REQUIRED.
func (c *Client) Send(env protocol.Envelope) error {
	if !c.cfg.Fragment.NeedsChunking(len(env.Payload)) {
		wire, err := protocol.EncodeFrame(env)
		if err != nil {
			return err
		}
		return c.write(wire)
	}

	c.seqMu.Lock()
	id := c.ids.AllocChunkID()
	c.seqMu.Unlock()

	s := c.cfg.Fragment.NewSendContext(env, id)
	for {
		chunk, err := s.Next()
		if errors.Is(err, fragment.ErrExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		ce := s.Envelope(chunk)
		if !chunk.Header.End() {
			ce.Type &^= protocol.FlagAckRequired
		}
		wire, err := protocol.EncodeFrame(ce)
		if err != nil {
			return err
		}
		if err := c.write(wire); err != nil {
			return fmt.Errorf("client: chunk %d offset %d: %w", id, chunk.Header.Offset, err)
		}
	}
}

// Call sends env with ACK_REQUIRED under a fresh sequence number and waits
// for the ACK. The response payload is returned.
func (c *Client) Call(ctx context.Context, env protocol.Envelope) ([]byte, error) {
	env.Type |= protocol.FlagAckRequired
	env.Seq = c.NextSeq()
	key := keyOf(env.Type, env.Seq)

	c.outbox.Upsert(Pending{Key: key, SubCmd: env.SubCmd, QueuedAt: time.Now()})
	defer c.outbox.Remove(key)
	pending, _ := c.outbox.Get(key)

	for attempt := 0; attempt <= c.cfg.Retransmits; attempt++ {
		if attempt > 0 {
			c.logger.Debug().Uint8("type", env.Type).Uint8("seq", env.Seq).Int("attempt", attempt+1).Msg("retransmit")
		}
		err := c.Send(env)
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
		}
		c.outbox.MarkAttempt(key, time.Now(), lastErr)
		if err != nil {
			return nil, err
		}

		timer := time.NewTimer(c.cfg.AckTimeout)
		select {
		case ack := <-pending.done:
			timer.Stop()
			if ack.SubCmd == protocol.SubCmdNack {
				return ack.Payload, fmt.Errorf("%w: type=%d seq=%d", ErrNack, env.Type, env.Seq)
			}
			return ack.Payload, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil, c.closeErr()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: type=%d seq=%d", ErrAckTimeout, env.Type, env.Seq)
}

// Version runs the CONTROL/VERSION handshake and returns the host version.
func (c *Client) Version(ctx context.Context) (uint8, error) {
	resp, err := c.Call(ctx, protocol.Envelope{
		Type:    protocol.TypeControl,
		SubCmd:  protocol.ControlVersion,
		Payload: []byte{protocol.Version},
	})
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("%w: empty version response", protocol.ErrDecode)
	}
	return resp[0], nil
}

func (c *Client) InitDisplay(ctx context.Context, d protocol.InitDisplay) error {
	_, err := c.Call(ctx, protocol.Envelope{
		Type:    protocol.TypeControl,
		SubCmd:  protocol.ControlInitDisplay,
		Payload: d.Bytes(),
	})
	return err
}

func (c *Client) write(wire []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.conn.Write(wire); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, c.cfg.ReadBuffer)
	var pending []byte
	discard := false
	scratch := make([]byte, protocol.MaxPayloadSize)
	for {
		n, err := c.conn.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			idx := bytes.IndexByte(data, frame.Terminator)
			seg := data
			if idx >= 0 {
				seg = data[:idx]
			}
			if !discard {
				if len(pending)+len(seg) > maxFrameBytes {
					c.overflows.Add(1)
					c.logger.Warn().Int("buffered", len(pending)).Int("limit", maxFrameBytes).Msg("inbound frame overflow, discarding until terminator")
					pending = pending[:0]
					discard = true
				} else {
					pending = append(pending, seg...)
				}
			}
			if idx < 0 {
				break
			}
			if !discard && len(pending) > 0 {
				c.handleFrame(pending, scratch)
			}
			pending = pending[:0]
			discard = false
			data = data[idx+1:]
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handleFrame(raw, scratch []byte) {
	env, err := protocol.DecodeFrame(raw, scratch)
	if err != nil {
		c.logger.Warn().Err(err).Msg("frame from host dropped")
		return
	}
	if !env.IsAck() {
		c.logger.Debug().Uint8("type", env.Type).Uint8("seq", env.Seq).Msg("ignoring non-ack frame")
		return
	}
	env.Payload = append([]byte(nil), env.Payload...)
	if !c.outbox.Resolve(env) {
		c.logger.Debug().Uint8("type", env.Type).Uint8("seq", env.Seq).Msg("unsolicited ack")
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.closed)
	})
}

func (c *Client) closeErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// Close tears down the connection and waits for the reader to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(nil)
	c.wg.Wait()
	return err
}
