// Package backoff computes jittered exponential delays for reconnect and
// startup retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff curve.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// Factor multiplies the delay on each attempt.
	Factor float64
	// Jitter adds up to this fraction of the delay at random, 0.0 to 1.0.
	Jitter float64
}

// ReconnectPolicy is used for relay resubscription.
func ReconnectPolicy() Policy {
	return Policy{Initial: 250 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// StartupPolicy is used when dialling dependencies at process start.
func StartupPolicy() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait before the given attempt. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for the attempt's delay or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
