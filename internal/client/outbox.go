package client

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/hostlink/internal/protocol"
)

// AckKey matches an ACK to its request. Type is the base type.
type AckKey struct {
	Type uint8
	Seq  uint8
}

func keyOf(typ, seq uint8) AckKey {
	return AckKey{Type: protocol.BaseType(typ), Seq: seq}
}

// Pending tracks one ACK-required send.
type Pending struct {
	Key           AckKey
	SubCmd        uint8
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string

	done chan protocol.Envelope
}

// Outbox holds sends still waiting for their ACK.
type Outbox struct {
	mu    sync.RWMutex
	items map[AckKey]Pending
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[AckKey]Pending),
	}
}

func (o *Outbox) Upsert(item Pending) {
	if item.done == nil {
		item.done = make(chan protocol.Envelope, 1)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.Key] = item
}

func (o *Outbox) MarkAttempt(key AckKey, at time.Time, lastErr string) (Pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return Pending{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = lastErr
	o.items[key] = item
	return item, true
}

// Resolve hands ack to the matching pending send and drops it. It reports
// false for unsolicited ACKs.
func (o *Outbox) Resolve(ack protocol.Envelope) bool {
	key := keyOf(ack.Type, ack.Seq)
	o.mu.Lock()
	item, ok := o.items[key]
	if ok {
		delete(o.items, key)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case item.done <- ack:
	default:
	}
	return true
}

func (o *Outbox) Remove(key AckKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Get(key AckKey) (Pending, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *Outbox) List() []Pending {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Pending, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Type != out[j].Key.Type {
			return out[i].Key.Type < out[j].Key.Type
		}
		return out[i].Key.Seq < out[j].Key.Seq
	})
	return out
}
