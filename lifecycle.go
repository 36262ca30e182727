// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"fmt"
	"time"
)

// RPCResponseParser is the RPC dispatch machinery collaborator referenced
// in spec.md §1 and §4.D rule 6: on a client stream created with
// parse_rpc_response, the first inbound message is handed here instead of
// to the handler. It is out of scope to implement; this package only
// defines the boundary it calls through.
type RPCResponseParser interface {
	ParseRPCResponse(payload []byte) error
}

// Connect registers a one-shot callback fired once the stream reaches
// Connected (kind == KindNone) or Closed (kind carries the failure,
// spec.md §4.A). If the stream is already Connected, the callback runs on
// a fresh goroutine immediately. Calling Connect twice is a contract
// violation, matching the CHECK in the original source this protocol was
// distilled from.
//
// deadline is accepted for API symmetry with Wait but, like the original
// implementation's unused due_time parameter on Connect, does not
// currently arm a timer of its own: a stream either connects or is closed
// by its RPC layer, and that RPC layer owns handshake timeouts.
func (s *Stream) Connect(onConnect func(kind Kind, reason string), _ time.Time) {
	s.connectMu.Lock()
	if s.onConnect.set {
		s.connectMu.Unlock()
		panic("flowstream: Connect called more than once on the same stream")
	}
	s.onConnect = connectCallback{fn: onConnect, set: true}

	switch s.state {
	case stateConnected:
		s.connectMu.Unlock()
		go onConnect(KindNone, "")
	case stateClosed:
		kind, reason := s.errKind, s.errReason
		s.connectMu.Unlock()
		go onConnect(kind, reason)
	default:
		s.connectMu.Unlock()
	}
}

// fireConnectCallbackLocked must be called with connectMu held and
// returns a thunk to run after the caller releases the lock (spec.md §5
// locking discipline: callbacks never run under a held mutex).
func (s *Stream) fireConnectCallbackLocked(kind Kind, reason string) func() {
	if !s.onConnect.set {
		return func() {}
	}
	fn := s.onConnect.fn
	return func() { go fn(kind, reason) }
}

// SetConnected transitions Pending -> Connected once the creating RPC's
// handshake has resolved (spec.md §4.E). remoteSettings is merged exactly
// once: pass nil here when the remote settings were already supplied to
// Create (the server-accepting-a-client-stream case); pass the settings
// here when they only became known after the handshake RPC (the
// client-side case). Calling it a second time, or with settings when they
// were already set, is a contract violation and panics.
func (s *Stream) SetConnected(remoteSettings *StreamSettings) {
	s.connectMu.Lock()
	if s.state == stateClosed {
		s.connectMu.Unlock()
		return
	}
	if s.state == stateConnected {
		s.connectMu.Unlock()
		panic("flowstream: SetConnected called more than once on the same stream")
	}
	if remoteSettings != nil {
		if s.remoteSet {
			s.connectMu.Unlock()
			panic("flowstream: duplicate remote stream settings")
		}
		s.remote = *remoteSettings
		s.remoteSet = true
	} else if !s.remoteSet {
		s.connectMu.Unlock()
		panic("flowstream: SetConnected(nil) requires remote settings from Create")
	}
	s.state = stateConnected
	after := s.fireConnectCallbackLocked(KindNone, "")
	startServerTimer := remoteSettings == nil
	s.connectMu.Unlock()

	after()
	if startServerTimer {
		// Server-side idle timer starts here; client-side starts on
		// receipt of the first inbound message, when execQueue.run arms
		// it after that batch.
		s.armIdleTimer()
	}
	s.log.Debug("stream connected", "remote_stream_id", s.remote.StreamId)
}

// armIdleTimer arms the idle timer per spec.md §4.E: a negative
// IdleTimeout disables the mechanism entirely.
func (s *Stream) armIdleTimer() {
	if s.opts.IdleTimeout < 0 {
		return
	}
	s.idleTimer = s.clk.AfterFunc(s.opts.IdleTimeout, func() {
		s.queue.pushTimeout()
	})
	s.idleArmed = true
}

// cancelIdleTimer cancels any outstanding idle timer. Called by the
// consumer before it processes a batch so a timer never fires mid-batch.
func (s *Stream) cancelIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleArmed = false
}

// Close transitions the stream to Closed (spec.md §4.A, §4.E). It is
// idempotent: only the first call's (kind, reason) is latched and acted
// upon; a repeated call just returns that latched result again. A
// connected stream sends a CLOSE frame to the peer as it tears down;
// either way every parked waiter wakes with ECONNRESET and the delivery
// queue's terminal actions eventually fire on_failed/on_closed exactly
// once (P6).
//
// The returned error is nil for a graceful close (kind == KindNone) and
// the latched (kind, reason) otherwise, so a caller closing many streams
// at once (api.go's SetFailed) can aggregate per-id failures instead of
// discarding them.
func (s *Stream) Close(kind Kind, reasonFmt string, args ...any) error {
	if s.handle != nil {
		s.handle.fail()
	}

	s.connectMu.Lock()
	if s.state == stateClosed {
		latchedKind, latchedReason := s.errKind, s.errReason
		s.connectMu.Unlock()
		return closeError(latchedKind, latchedReason)
	}
	wasConnected := s.state == stateConnected
	s.state = stateClosed
	s.errKind = kind
	if len(args) > 0 {
		s.errReason = fmt.Sprintf(reasonFmt, args...)
	} else {
		s.errReason = reasonFmt
	}

	var after func()
	if !wasConnected {
		after = s.fireConnectCallbackLocked(KindConnReset, "stream closed before connecting")
	} else {
		after = func() {}
	}
	s.connectMu.Unlock()

	after()
	s.resetWaiters()

	if wasConnected {
		if sock := s.boundHostSocket(); sock != nil {
			f := Frame{StreamId: s.remoteId(), SourceStreamId: s.id, Type: FrameClose}
			if err := s.writeFrameArbitrated(sock, &f); err != nil {
				s.log.Warn("failed to send CLOSE frame", "error", err)
			}
			sock.RemoveStream(s.id)
		}
	}

	s.log.Debug("stream closed", "error_kind", kind, "reason", s.errReason, "was_connected", wasConnected)
	s.queue.stop()
	return closeError(kind, s.errReason)
}

func closeError(kind Kind, reason string) error {
	if kind == KindNone {
		return nil
	}
	return newError(kind, reason)
}
