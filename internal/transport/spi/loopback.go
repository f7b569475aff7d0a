package spi

import "sync"

// Loopback is an in-memory Driver that plays the SPI master. Tests and host
// builds call Exchange to clock one frame through the queued transaction.
type Loopback struct {
	mu      sync.Mutex
	bus     Bus
	hooks   Hooks
	pending []*Transaction
	done    []*Transaction
	closed  bool
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Configure(bus Bus, hooks Hooks) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bus = bus
	l.hooks = hooks
	l.pending = nil
	l.done = nil
	l.closed = false
	return nil
}

func (l *Loopback) Queue(t *Transaction) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrBusClosed
	}
	l.pending = append(l.pending, t)
	hook := l.hooks.PostSetup
	l.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return nil
}

func (l *Loopback) Result() (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.done) == 0 {
		return nil, ErrNoResult
	}
	t := l.done[0]
	l.done = l.done[1:]
	return t, nil
}

func (l *Loopback) Free() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.pending = nil
	l.done = nil
	return nil
}

// Exchange shifts mosi into the armed transaction and returns what the slave
// clocked out. mosi is truncated or zero padded to the frame size.
func (l *Loopback) Exchange(mosi []byte) ([]byte, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrBusClosed
	}
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil, ErrNotArmed
	}
	t := l.pending[0]
	l.pending = l.pending[1:]

	n := l.bus.FrameSize
	if n <= 0 || n > len(t.RX) {
		n = len(t.RX)
	}
	clear(t.RX[:n])
	copy(t.RX[:n], mosi)
	t.RxLen = n

	miso := make([]byte, n)
	copy(miso, t.TX)
	l.done = append(l.done, t)
	hook := l.hooks.PostTransfer
	l.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return miso, nil
}

// Armed reports whether a transaction is waiting for the master.
func (l *Loopback) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0
}
