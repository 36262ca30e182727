// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// waitOutcome is the sum type spec.md §9 asks for in place of a raw
// function pointer: a waiter token resolves exactly once, to exactly one
// of these three causes.
type waitOutcome int

const (
	outcomeWritable waitOutcome = iota
	outcomeTimeout
	outcomeReset
)

// waitToken is a single-resolution parking token for one Wait call
// (spec.md §4.C "Waiting", invariant 4). resolve is safe to call more than
// once; only the first call has an effect.
type waitToken struct {
	resolved chan struct{}
	once     sync.Once

	outcome waitOutcome
	err     error

	timer *clock.Timer
}

func newWaitToken() *waitToken {
	return &waitToken{resolved: make(chan struct{})}
}

// resolve fires the token with outcome o and error err. Exactly one call
// across the token's lifetime has effect; later calls are no-ops, which is
// what makes double-fire (e.g. a deadline racing a credit release)
// harmless (spec.md §5 "Cancellation").
func (t *waitToken) resolve(o waitOutcome, err error) {
	t.once.Do(func() {
		t.outcome = o
		t.err = err
		if t.timer != nil {
			t.timer.Stop()
		}
		close(t.resolved)
	})
}

// armDeadline schedules a timeout resolution at due, using clk so tests can
// drive it with a mock clock instead of sleeping.
func (t *waitToken) armDeadline(clk clock.Clock, due time.Time) {
	d := due.Sub(clk.Now())
	if d <= 0 {
		t.resolve(outcomeTimeout, newError(KindTimedOut, "wait deadline already elapsed"))
		return
	}
	t.timer = clk.AfterFunc(d, func() {
		t.resolve(outcomeTimeout, newError(KindTimedOut, "wait deadline elapsed"))
	})
}

// wait blocks the calling goroutine until the token resolves and returns
// its error (nil on success).
func (t *waitToken) wait() error {
	<-t.resolved
	return t.err
}
