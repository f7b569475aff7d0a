package dispatch

import (
	"fmt"

	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// DisplayInitializer brings up the display for an INIT_DISPLAY request.
type DisplayInitializer interface {
	InitDisplay(cfg protocol.InitDisplay) error
}

type DisplayInitializerFunc func(cfg protocol.InitDisplay) error

func (f DisplayInitializerFunc) InitDisplay(cfg protocol.InitDisplay) error {
	return f(cfg)
}

// ControlHandler answers link control requests.
type ControlHandler struct {
	Display DisplayInitializer
}

func (h ControlHandler) Handle(typ, subCmd, seq uint8, payload []byte) ([]byte, error) {
	switch subCmd {
	case protocol.ControlVersion:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: version request", ErrShortPayload)
		}
		remote := payload[0]
		if remote != protocol.Version {
			log.Warn().Uint8("remote", remote).Uint8("local", protocol.Version).Uint8("seq", seq).Msg("protocol version mismatch")
		} else {
			log.Info().Uint8("version", remote).Uint8("seq", seq).Msg("version check")
		}
		return []byte{protocol.Version}, nil

	case protocol.ControlInitDisplay:
		cfg, err := protocol.ParseInitDisplay(payload)
		if err != nil {
			return nil, err
		}
		log.Info().
			Uint16("width", cfg.Width).
			Uint16("height", cfg.Height).
			Uint8("color_depth", cfg.ColorDepth).
			Msg("init display")
		if h.Display == nil {
			return nil, nil
		}
		return nil, h.Display.InitDisplay(cfg)

	default:
		return nil, fmt.Errorf("%w: control 0x%02x", ErrUnknownCommand, subCmd)
	}
}

// LogSink accepts every message and only records it. It stands in for
// subsystems that live outside this process.
type LogSink struct {
	Name string
}

func (s LogSink) Handle(typ, subCmd, seq uint8, payload []byte) ([]byte, error) {
	log.Debug().
		Str("subsystem", s.Name).
		Uint8("type", typ).
		Uint8("seq", seq).
		Uint8("sub_cmd", subCmd).
		Int("len", len(payload)).
		Msg("message consumed")
	return nil, nil
}

// NewDefault wires the control handler and log sinks for graphics, audio and
// input. Audio is never acknowledged.
func NewDefault(acker Acker, display DisplayInitializer) *Dispatcher {
	d := New(acker)
	d.Register(protocol.TypeControl, ControlHandler{Display: display})
	d.Register(protocol.TypeGraphics, LogSink{Name: "graphics"})
	d.Register(protocol.TypeAudio, LogSink{Name: "audio"}, NoAck())
	d.Register(protocol.TypeInput, LogSink{Name: "input"})
	return d
}
