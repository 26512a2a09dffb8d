package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrSimulatedFailure is returned by Simulate when a work round fails
var ErrSimulatedFailure = errors.New("simulated execution failure")

// Simulate returns a RunFunc for demos: every interval it performs one round
// of pretend work (a random delay of up to half the interval) and fails the
// whole run with probability failRate.
func Simulate(interval time.Duration, failRate float64) RunFunc {
	if interval <= 0 {
		interval = time.Second
	}
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			// Simulate work, random delay up to interval/2
			work := time.Duration(rand.Int63n(int64(interval)/2 + 1))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(work):
			}

			if failRate > 0 && rand.Float64() < failRate {
				return ErrSimulatedFailure
			}
		}
	}
}
