package client

import (
	"math/rand"
	"time"

	"github.com/danmuck/hostlink/internal/protocol/fragment"
	"github.com/danmuck/hostlink/internal/transport/socket"
)

// BackoffConfig defines dial retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay is the wait before dial attempt n+1, counting from 1. Jitter scales
// the result into [0.5, 1.5); a nil rng uses the low end.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	growth := b.Multiplier
	if growth < 1 {
		growth = 1
	}
	d := float64(b.InitialDelay)
	for i := 1; i < n; i++ {
		d *= growth
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if n > 1 && b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}

type Config struct {
	Path         string
	DialTimeout  time.Duration
	DialAttempts int
	WriteTimeout time.Duration
	// AckTimeout bounds one wait for an ACK; Call then retransmits up to
	// Retransmits times.
	AckTimeout  time.Duration
	Retransmits int
	ReadBuffer  int
	Backoff     BackoffConfig
	Fragment    fragment.Config
}

func DefaultConfig() Config {
	return Config{
		Path:         socket.DefaultPath,
		DialTimeout:  2 * time.Second,
		DialAttempts: 5,
		WriteTimeout: 2 * time.Second,
		AckTimeout:   time.Second,
		Retransmits:  1,
		ReadBuffer:   socket.DefaultReadBuffer,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		Fragment: fragment.DefaultConfig(),
	}
}
