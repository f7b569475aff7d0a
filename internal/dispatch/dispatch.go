// Package dispatch routes received messages to subsystem handlers and
// acknowledges the ones they accept.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/danmuck/hostlink/internal/observability"
	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownType    = errors.New("dispatch: unknown message type")
	ErrUnknownCommand = errors.New("dispatch: unknown sub-command")
	ErrShortPayload   = errors.New("dispatch: payload too short")
)

// Handler consumes one message. A nil error is success; resp, if any, rides
// back in the ACK.
type Handler interface {
	Handle(typ, subCmd, seq uint8, payload []byte) (resp []byte, err error)
}

type HandlerFunc func(typ, subCmd, seq uint8, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(typ, subCmd, seq uint8, payload []byte) ([]byte, error) {
	return f(typ, subCmd, seq, payload)
}

// Acker is the slice of a transport the dispatcher needs.
type Acker interface {
	SendAck(typ, seq uint8, resp []byte) error
}

type route struct {
	handler Handler
	ack     bool
}

type RouteOption func(*route)

// NoAck keeps successful messages of a route unacknowledged.
func NoAck() RouteOption {
	return func(r *route) {
		r.ack = false
	}
}

type Dispatcher struct {
	acker  Acker
	routes map[uint8]route
}

func New(acker Acker) *Dispatcher {
	return &Dispatcher{
		acker:  acker,
		routes: make(map[uint8]route),
	}
}

// Register binds a base type (flags stripped) to h. Routes ACK on success
// unless NoAck is given.
func (d *Dispatcher) Register(base uint8, h Handler, opts ...RouteOption) {
	r := route{handler: h, ack: true}
	for _, opt := range opts {
		opt(&r)
	}
	d.routes[protocol.BaseType(base)] = r
}

// Dispatch runs the handler for msg and sends the ACK when it succeeds.
func (d *Dispatcher) Dispatch(msg transport.Message) error {
	base := protocol.BaseType(msg.Type)
	r, ok := d.routes[base]
	if !ok {
		observability.RecordDispatch("unknown", "unrouted")
		log.Warn().Uint8("type", msg.Type).Uint8("seq", msg.Seq).Msg("no handler for message type")
		return fmt.Errorf("%w: 0x%02x", ErrUnknownType, msg.Type)
	}

	typeLabel := protocol.TypeName(base)
	resp, err := r.handler.Handle(msg.Type, msg.SubCmd, msg.Seq, msg.Payload)
	if err != nil {
		observability.RecordDispatch(typeLabel, "error")
		log.Warn().
			Err(err).
			Uint8("type", msg.Type).
			Uint8("seq", msg.Seq).
			Uint8("sub_cmd", msg.SubCmd).
			Msg("handler failed")
		return err
	}
	observability.RecordDispatch(typeLabel, "ok")

	if !r.ack {
		return nil
	}
	if err := d.acker.SendAck(msg.Type, msg.Seq, resp); err != nil {
		log.Warn().Err(err).Uint8("type", msg.Type).Uint8("seq", msg.Seq).Msg("ack failed")
		return err
	}
	return nil
}
