package signal

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default reconnection parameters.
const (
	DefaultBackoffCap           = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// DefaultBackoffTable is the delay schedule before reconnect attempts 1..n.
// Attempts past the end of the table reuse its last entry.
var DefaultBackoffTable = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

var _ backoff.BackOff = (*ReconnectPolicy)(nil)

// ReconnectPolicy is a table-driven backoff.BackOff with an attempt ceiling.
// NextBackOff returns backoff.Stop once MaxAttempts delays were handed out.
//
// Not safe for concurrent use; the channel guards it with its own mutex.
type ReconnectPolicy struct {
	table       []time.Duration
	limit       time.Duration
	maxAttempts int
	attempt     int
}

// NewReconnectPolicy fills zero values with the defaults above.
func NewReconnectPolicy(table []time.Duration, limit time.Duration, maxAttempts int) *ReconnectPolicy {
	if len(table) == 0 {
		table = DefaultBackoffTable
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	t := make([]time.Duration, len(table))
	copy(t, table)
	return &ReconnectPolicy{table: t, limit: limit, maxAttempts: maxAttempts}
}

// Delay returns the wait before attempt k (1-based): min(table[k-1], limit).
func (p *ReconnectPolicy) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	idx := min(k-1, len(p.table)-1)
	return min(p.table[idx], p.limit)
}

func (p *ReconnectPolicy) NextBackOff() time.Duration {
	if p.attempt >= p.maxAttempts {
		return backoff.Stop
	}
	p.attempt++
	return p.Delay(p.attempt)
}

// Reset is called after every successful open.
func (p *ReconnectPolicy) Reset() { p.attempt = 0 }

// Attempt is the number of delays handed out since the last Reset.
func (p *ReconnectPolicy) Attempt() int { return p.attempt }

func (p *ReconnectPolicy) MaxAttempts() int { return p.maxAttempts }
