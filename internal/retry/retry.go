package retry

import (
	"context"
	"time"
)

// Policy is a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int           // total attempts including the first; <1 means 1
	Initial     time.Duration // wait before the second attempt
	Max         time.Duration // cap on any single wait (0 = uncapped)
	Multiplier  float64       // growth per attempt (<1 treated as 1)
}

// DefaultPolicy mirrors the vendor client defaults: 3 attempts, 5s apart, doubling.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Initial: 5 * time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Attempts returns the effective attempt cap.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait before attempt n+1, given that attempt n (1-based) failed.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 || p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial)
	for i := 1; i < n; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempt cap is reached. The last error from fn is returned unchanged so
// callers can inspect it with errors.As.
func (p Policy) Do(ctx context.Context, clock Clock, retryable func(error) bool, fn func(attempt int) error) error {
	if clock == nil {
		clock = SystemClock{}
	}
	var err error
	for attempt := 1; attempt <= p.Attempts(); attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.Attempts() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(p.Backoff(attempt)):
		}
	}
	return err
}
