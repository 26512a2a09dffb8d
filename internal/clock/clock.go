// Package clock abstracts wall-clock time and cancellable delays so the
// control plane can be driven by a fake clock in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Clock provides the current time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// AfterFuncContext calls f after d elapses on c unless ctx is done first.
// The context registration is released once the timer fires.
func AfterFuncContext(ctx context.Context, c Clock, d time.Duration, f func()) Timer {
	var (
		mu   sync.Mutex
		stop func() bool
	)
	t := c.AfterFunc(d, func() {
		mu.Lock()
		release := stop
		mu.Unlock()
		if release != nil {
			release()
		}
		if ctx.Err() == nil {
			f()
		}
	})

	mu.Lock()
	stop = context.AfterFunc(ctx, func() { t.Stop() })
	mu.Unlock()
	return t
}

// Delay returns a channel closed after d elapses on c, unless ctx is
// cancelled first, in which case the channel is never closed.
func Delay(ctx context.Context, c Clock, d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	AfterFuncContext(ctx, c, d, func() { close(done) })
	return done
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake is a manually advanced clock. Timers fire synchronously inside Advance,
// in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      int
	f        func()
	fired    bool
}

// NewFake creates a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached. Timers armed by fired callbacks fire too if they fall due
// within the same window.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDue(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mu.Unlock()

		next.f()
	}
}

// popDue removes and returns the earliest timer due at or before target.
// Caller holds c.mu.
func (c *Fake) popDue(target time.Time) *fakeTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	first := c.timers[0]
	if first.deadline.After(target) {
		return nil
	}
	c.timers = c.timers[1:]
	first.fired = true
	return first
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired {
		return false
	}
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			t.fired = true
			return true
		}
	}
	return false
}
