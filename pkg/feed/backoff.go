package feed

import "time"

// Backoff produces capped exponential reconnect delays: base, 2*base,
// 4*base ... up to cap. Reset on successful connection.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// DefaultBackoff matches the reconnect policy used by all adapters.
func DefaultBackoff() *Backoff {
	return &Backoff{Base: 1 * time.Second, Cap: 30 * time.Second}
}

// Next returns the delay for the next attempt and increments the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << uint(b.attempt)
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	b.attempt++
	return d
}

// Attempts returns the number of delays handed out since the last
// reset.
func (b *Backoff) Attempts() int { return b.attempt }

// Reset restarts the sequence at base.
func (b *Backoff) Reset() { b.attempt = 0 }
