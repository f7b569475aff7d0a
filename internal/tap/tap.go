// Package tap mirrors received link messages onto NATS subjects so tools off
// the device can watch the traffic.
package tap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	HeaderSeq    = "Hostlink-Seq"
	HeaderSubCmd = "Hostlink-Sub-Cmd"

	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Publisher is the part of *nats.Conn the tap uses.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

// Record is the msgpack body of a mirrored message.
type Record struct {
	Transport  string `msgpack:"transport"`
	Type       uint8  `msgpack:"type"`
	Seq        uint8  `msgpack:"seq"`
	SubCmd     uint8  `msgpack:"sub_cmd"`
	Payload    []byte `msgpack:"payload"`
	ReceivedAt int64  `msgpack:"received_at"`
}

type Tap struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

func New(pub Publisher, prefix string) *Tap {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "hostlink"
	}
	return &Tap{pub: pub, prefix: prefix, now: time.Now}
}

// Connect dials url with a few retries and returns a tap on the connection.
func Connect(url, prefix, name string) (*Tap, error) {
	var (
		nc  *nats.Conn
		err error
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(connectBackoff),
		)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("url", url).Msg("nats connect failed")
		if attempt < connectAttempts {
			time.Sleep(connectBackoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("tap: connect %s after %d attempts: %w", url, connectAttempts, err)
	}
	log.Info().Str("url", url).Msg("nats tap connected")
	return New(nc, prefix), nil
}

// Subject is "<prefix>.<transport>.<type>".
func (t *Tap) Subject(kind transport.Kind, typ uint8) string {
	return t.prefix + "." + string(kind) + "." + protocol.TypeName(typ)
}

// Publish mirrors msg. Failures are returned for the caller to log; they
// never affect link processing.
func (t *Tap) Publish(kind transport.Kind, msg transport.Message) error {
	body, err := msgpack.Marshal(Record{
		Transport:  string(kind),
		Type:       msg.Type,
		Seq:        msg.Seq,
		SubCmd:     msg.SubCmd,
		Payload:    msg.Payload,
		ReceivedAt: t.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("tap: encode record: %w", err)
	}
	out := nats.NewMsg(t.Subject(kind, msg.Type))
	out.Header.Set(HeaderSeq, strconv.Itoa(int(msg.Seq)))
	out.Header.Set(HeaderSubCmd, strconv.Itoa(int(msg.SubCmd)))
	out.Data = body
	if err := t.pub.PublishMsg(out); err != nil {
		return fmt.Errorf("tap: publish %s: %w", out.Subject, err)
	}
	return nil
}

func (t *Tap) Close() error {
	return t.pub.Drain()
}

// Decode parses a mirrored message body.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("tap: decode record: %w", err)
	}
	return r, nil
}
