package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	envelopeFields = 4
	crcSize        = 4
)

// DecodeFrame decodes one COBS frame (terminator already stripped) into an
// envelope. The payload is copied into payload and the returned envelope
// aliases it.
func DecodeFrame(raw, payload []byte) (Envelope, error) {
	decoded, err := frame.AppendDecode(nil, raw)
	if err != nil {
		return Envelope{}, err
	}
	if len(decoded) < crcSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes after unstuffing", frame.ErrMalformedFrame, len(decoded))
	}

	body := decoded[:len(decoded)-crcSize]
	want := binary.LittleEndian.Uint32(decoded[len(body):])
	if got := frame.CRC32Update(0, body); got != want {
		return Envelope{}, fmt.Errorf("%w: calculated=%08x received=%08x", ErrChecksumMismatch, got, want)
	}
	return decodeEnvelope(body, payload)
}

// decodeByte reads one msgpack integer that must fit a header byte.
func decodeByte(dec *msgpack.Decoder, field string) (uint8, error) {
	v, err := dec.DecodeInt64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrDecode, field, err)
	}
	if v < 0 || v > 0xFF {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrDecode, field, v)
	}
	return uint8(v), nil
}

// decodeEnvelope requires exactly one four-element array filling body.
func decodeEnvelope(body, payload []byte) (Envelope, error) {
	r := bytes.NewReader(body)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if n != envelopeFields {
		return Envelope{}, fmt.Errorf("%w: array size %d", ErrDecode, n)
	}

	var env Envelope
	if env.Type, err = decodeByte(dec, "type"); err != nil {
		return Envelope{}, err
	}
	if env.Seq, err = decodeByte(dec, "seq"); err != nil {
		return Envelope{}, err
	}
	if env.SubCmd, err = decodeByte(dec, "sub_cmd"); err != nil {
		return Envelope{}, err
	}

	code, err := dec.PeekCode()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}
	if code == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return Envelope{}, fmt.Errorf("%w: payload: %v", ErrDecode, err)
		}
		env.Payload = payload[:0]
		return env, trailing(r)
	}

	size, err := dec.DecodeBytesLen()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}
	if size > len(payload) {
		return Envelope{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, len(payload))
	}
	if size > 0 {
		if err := dec.ReadFull(payload[:size]); err != nil {
			return Envelope{}, fmt.Errorf("%w: payload body: %v", ErrDecode, err)
		}
	}
	env.Payload = payload[:size]
	return env, trailing(r)
}

func trailing(r *bytes.Reader) error {
	if n := r.Len(); n > 0 {
		return fmt.Errorf("%w: %d trailing bytes after envelope", ErrDecode, n)
	}
	return nil
}

// EncodeFrame renders env as a terminated wire frame.
func EncodeFrame(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(envelopeFields); err != nil {
		return nil, err
	}
	for _, v := range []uint8{env.Type, env.Seq, env.SubCmd} {
		if err := enc.EncodeUint(uint64(v)); err != nil {
			return nil, err
		}
	}
	if len(env.Payload) == 0 {
		if err := enc.EncodeNil(); err != nil {
			return nil, err
		}
	} else if err := enc.EncodeBytes(env.Payload); err != nil {
		return nil, err
	}

	body := buf.Bytes()
	body = binary.LittleEndian.AppendUint32(body, frame.CRC32Update(0, body))

	out := make([]byte, 0, frame.MaxEncodedLen(len(body))+1)
	out = frame.AppendEncode(out, body)
	return append(out, frame.Terminator), nil
}

// EncodeAck builds the acknowledgement frame for (typ, seq). resp may carry
// a small synchronous result.
func EncodeAck(typ, seq uint8, resp []byte) ([]byte, error) {
	return EncodeFrame(Envelope{Type: typ, Seq: seq, SubCmd: SubCmdAck, Payload: resp})
}

// EncodeNack builds the negative acknowledgement frame for (typ, seq).
func EncodeNack(typ, seq uint8, resp []byte) ([]byte, error) {
	return EncodeFrame(Envelope{Type: typ, Seq: seq, SubCmd: SubCmdNack, Payload: resp})
}
