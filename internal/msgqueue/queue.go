// Package msgqueue is the bounded FIFO between a transport's ingest path and
// its consumer.
package msgqueue

import (
	"errors"
	"fmt"
)

const (
	DefaultCapacity   = 128
	DefaultMaxPayload = 4096
)

var (
	ErrFull            = errors.New("msgqueue: queue full")
	ErrPayloadTooLarge = errors.New("msgqueue: payload too large")
)

// Message is one inbound message. Type keeps ACK_REQUIRED; the chunked flag
// is cleared once a transfer is reassembled.
type Message struct {
	Type    uint8
	Seq     uint8
	SubCmd  uint8
	Payload []byte
}

// Queue is a fixed-capacity ring. It is owned by a single goroutine.
type Queue struct {
	slots      []Message
	head       int
	count      int
	maxPayload int
	dropped    uint64
}

// New builds a queue. Non-positive arguments take the defaults.
func New(capacity, maxPayload int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Queue{
		slots:      make([]Message, capacity),
		maxPayload: maxPayload,
	}
}

// Enqueue copies msg into the tail slot. Rejected messages bump Dropped.
func (q *Queue) Enqueue(msg Message) error {
	if len(msg.Payload) > q.maxPayload {
		q.dropped++
		return fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, len(msg.Payload), q.maxPayload)
	}
	if q.count == len(q.slots) {
		q.dropped++
		return ErrFull
	}
	tail := (q.head + q.count) % len(q.slots)
	slot := &q.slots[tail]
	slot.Type = msg.Type
	slot.Seq = msg.Seq
	slot.SubCmd = msg.SubCmd
	slot.Payload = append(slot.Payload[:0], msg.Payload...)
	q.count++
	return nil
}

// Dequeue pops the oldest message. The returned payload is owned by the
// caller.
func (q *Queue) Dequeue() (Message, bool) {
	if q.count == 0 {
		return Message{}, false
	}
	slot := &q.slots[q.head]
	msg := Message{Type: slot.Type, Seq: slot.Seq, SubCmd: slot.SubCmd}
	if len(slot.Payload) > 0 {
		msg.Payload = append([]byte(nil), slot.Payload...)
	}
	slot.Payload = slot.Payload[:0]
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	return msg, true
}

func (q *Queue) Len() int        { return q.count }
func (q *Queue) Cap() int        { return len(q.slots) }
func (q *Queue) IsEmpty() bool   { return q.count == 0 }
func (q *Queue) IsFull() bool    { return q.count == len(q.slots) }
func (q *Queue) MaxPayload() int { return q.maxPayload }
func (q *Queue) Dropped() uint64 { return q.dropped }

// Reset discards every queued message. The drop counter is kept.
func (q *Queue) Reset() {
	for i := range q.slots {
		q.slots[i].Payload = q.slots[i].Payload[:0]
	}
	q.head = 0
	q.count = 0
}
