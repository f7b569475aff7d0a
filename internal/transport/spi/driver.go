package spi

import "errors"

var (
	ErrNoResult  = errors.New("spi: no completed transaction")
	ErrNotArmed  = errors.New("spi: no transaction queued")
	ErrBusClosed = errors.New("spi: bus closed")
)

// Bus describes the slave peripheral setup.
type Bus struct {
	Host      int
	Mode      uint8
	FrameSize int
}

// Hooks run in interrupt context. They must not block, allocate or log.
type Hooks struct {
	PostSetup    func(*Transaction)
	PostTransfer func(*Transaction)
}

// Transaction is one fixed-size full-duplex exchange. TX and RX are owned by
// the adapter and lent to the driver while queued.
type Transaction struct {
	TX []byte
	RX []byte
	// RxLen is the number of valid RX bytes once the transaction completed.
	RxLen int
}

// Driver is the hardware boundary of the SPI slave adapter.
type Driver interface {
	Configure(bus Bus, hooks Hooks) error
	// Queue arms t for the next master-initiated exchange.
	Queue(t *Transaction) error
	// Result returns the oldest completed transaction, or ErrNoResult.
	Result() (*Transaction, error)
	Free() error
}
