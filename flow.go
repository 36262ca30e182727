// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import "time"

// isFullLocked reports whether the send window is exhausted. Call with
// congestionMu held. Invariant 6: cur_buf_size == 0 disables flow control
// entirely, so the stream is never "full".
func (s *Stream) isFullLocked() bool {
	return s.curBufSize > 0 && s.produced >= s.remoteConsumed+s.curBufSize
}

// admit implements the admission check in spec.md §4.C, under the
// congestion mutex. It mutates produced on success and never blocks: the
// caller (Write) is responsible for not holding the lock across the
// transport write that follows (spec.md §5 locking discipline rule 1).
func (s *Stream) admit(length uint64) WriteResult {
	s.congestionMu.Lock()
	defer s.congestionMu.Unlock()
	if s.curBufSize == 0 {
		return WriteOK
	}
	if s.produced >= s.remoteConsumed+s.curBufSize {
		return WriteFull
	}
	s.produced += length
	return WriteOK
}

// reverseAdmission undoes admit's bookkeeping after a failed transport
// write (spec.md §4.C "If a subsequent transport write fails, the
// admission is reversed").
func (s *Stream) reverseAdmission(length uint64) {
	if s.curBufSize == 0 {
		return
	}
	s.congestionMu.Lock()
	s.produced -= length
	s.congestionMu.Unlock()
}

// SetRemoteConsumed advances remote_consumed on receipt of a FEEDBACK frame
// (spec.md §4.C). Replaying an old or equal value is a no-op (P1, P7): the
// absolute encoding makes feedback idempotent against reordering.
func (s *Stream) SetRemoteConsumed(newValue uint64) {
	s.congestionMu.Lock()
	if newValue <= s.remoteConsumed {
		s.congestionMu.Unlock()
		return
	}
	wasFull := s.isFullLocked()

	pressure := s.reg.pressure
	if pressure.enabled() {
		delta := int64(newValue - s.remoteConsumed)
		pressure.add(-delta)
		if pressure.overThreshold() {
			old := s.curBufSize
			if s.opts.MinBufSize > 0 {
				s.curBufSize = s.opts.MinBufSize
			} else {
				s.curBufSize /= 2
			}
			s.log.Info("shrinking send window under aggregate pressure",
				"old_size", old, "new_size", s.curBufSize)
			s.reg.incrCounter("window.shrink", 1)
		} else if s.produced >= newValue+s.curBufSize &&
			(s.opts.MaxBufSize == 0 || s.curBufSize < s.opts.MaxBufSize) {
			old := s.curBufSize
			if s.opts.MaxBufSize > 0 && s.curBufSize*2 > s.opts.MaxBufSize {
				s.curBufSize = s.opts.MaxBufSize
			} else {
				s.curBufSize *= 2
			}
			s.log.Debug("growing send window", "old_size", old, "new_size", s.curBufSize)
			s.reg.incrCounter("window.grow", 1)
		}
		s.reg.setGauge("cur_buf_size", float32(s.curBufSize))
	}

	s.remoteConsumed = newValue
	isFull := s.isFullLocked()

	var woken []*waitToken
	if wasFull && !isFull {
		woken = s.waiters
		s.waiters = nil
	}
	s.congestionMu.Unlock()

	// Broadcast outside the lock (spec.md §5 locking discipline rule 2):
	// callbacks may re-enter Wait or Write.
	for _, t := range woken {
		t.resolve(outcomeWritable, nil)
	}
}

// registerWaiter implements spec.md §4.C "Waiting": a Wait request creates
// a token with an optional deadline. If credit is already available the
// token resolves immediately; otherwise it joins the wait list until
// credit release, deadline, reset or close resolve it (invariant 4).
func (s *Stream) registerWaiter(deadline time.Time) *waitToken {
	t := newWaitToken()

	s.congestionMu.Lock()
	if !s.isFullLocked() {
		s.congestionMu.Unlock()
		t.resolve(outcomeWritable, nil)
		return t
	}
	s.waiters = append(s.waiters, t)
	s.congestionMu.Unlock()

	if due, ok := deadlineOrZero(deadline); ok {
		t.armDeadline(s.clk, due)
	}
	return t
}

// removeWaiter drops t from the wait list without resolving it, for a
// caller that abandons a Wait. It is not part of the public surface, and
// no code path in this package calls it.
func (s *Stream) removeWaiter(t *waitToken) {
	s.congestionMu.Lock()
	for i, w := range s.waiters {
		if w == t {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
	s.congestionMu.Unlock()
}

// resetWaiters resolves every parked waiter with ECONNRESET, used by Close
// (spec.md §4.E "Reset propagation").
func (s *Stream) resetWaiters() {
	s.congestionMu.Lock()
	woken := s.waiters
	s.waiters = nil
	s.congestionMu.Unlock()

	for _, t := range woken {
		t.resolve(outcomeReset, newError(KindConnReset, "stream closed"))
	}
}
