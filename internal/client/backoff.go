package client

import "time"

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// Backoff computes reconnect delays as min(Base * 2^(attempt-1), Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = defaultMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the wait before reconnect attempt number attempt (1-based).
// Delays never decrease as attempt grows and never exceed Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for step := 1; step < attempt; step++ {
		if delay >= b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
