// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import "sync"

// queueItem is either a reassembled message or the idle-timeout sentinel
// (spec.md §9 "Idle-timer as sentinel message"): the timeout is injected
// into the same delivery queue as data so ordering between "received
// bytes" and "idle fired" is preserved without a second lock.
type queueItem struct {
	payload []byte
	timeout bool
}

// execQueue is the single-consumer execution queue from spec.md §4.D: many
// producers (OnReceived, the idle timer) may push, but exactly one
// goroutine drains and dispatches at a time. It is the Go equivalent of
// brpc's bthread::ExecutionQueue and spdy's per-session channel loop
// (doc.go).
type execQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items   []queueItem
	stopped bool

	done   chan struct{}
	stream *Stream
}

func newExecQueue(s *Stream) *execQueue {
	q := &execQueue{stream: s, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push enqueues a reassembled message. Safe to call from any goroutine.
func (q *execQueue) push(payload []byte) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, queueItem{payload: payload})
	q.cond.Signal()
	q.mu.Unlock()
}

// pushTimeout enqueues the idle-timeout sentinel.
func (q *execQueue) pushTimeout() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, queueItem{timeout: true})
	q.cond.Signal()
	q.mu.Unlock()
}

// stop requests termination. The consumer drains whatever is already
// queued and then performs its one-time terminal actions asynchronously;
// stop itself never blocks, so it is safe to call from within a handler
// callback running on the consumer goroutine itself. Done() lets a caller
// that is not the consumer wait for that to finish.
func (q *execQueue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Done returns a channel closed once the consumer has run its terminal
// actions and exited.
func (q *execQueue) Done() <-chan struct{} {
	return q.done
}

func (q *execQueue) run() {
	s := q.stream
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.stopped {
			q.mu.Unlock()
			s.runTerminalActions()
			return
		}
		batchCap := s.opts.MessagesInBatch
		if batchCap <= 0 {
			batchCap = DefaultMessagesInBatch
		}
		n := len(q.items)
		if n > batchCap {
			n = batchCap
		}
		batch := q.items[:n]
		q.items = q.items[n:]
		q.mu.Unlock()

		s.cancelIdleTimer()
		s.dispatchBatch(batch)
		s.armIdleTimer()
	}
}

// dispatchBatch implements spec.md §4.D rules 1-4: strict in-order
// delivery, the idle-timeout/mixed-batch rule, and the post-batch feedback
// emission. The first message on a parse_rpc_response stream is diverted
// to the RPC response parser and never reaches the handler (rule 6).
func (s *Stream) dispatchBatch(batch []queueItem) {
	messages := make([][]byte, 0, len(batch))
	hasTimeout := false
	total := 0

	for _, item := range batch {
		if item.timeout {
			hasTimeout = true
			continue
		}
		if s.parseRPCResponse {
			s.parseRPCResponse = false
			if s.rpcParser != nil {
				if err := s.rpcParser.ParseRPCResponse(item.payload); err != nil {
					s.Close(KindProto, "failed to parse rpc response: %v", err)
				}
			}
			continue
		}
		messages = append(messages, item.payload)
		total += len(item.payload)
	}

	if s.opts.Handler != nil {
		if hasTimeout && total == 0 {
			s.opts.Handler.OnIdleTimeout(s.id)
		}
		if len(messages) > 0 {
			s.opts.Handler.OnReceivedMessages(s.id, messages)
		}
	}

	if total > 0 {
		s.localConsumed += uint64(total)
		s.reg.incrCounter("bytes.consumed", float32(total))
		if s.remoteSet && s.remote.NeedFeedback {
			s.sendFeedback()
		}
	}
}

// sendFeedback transmits the absolute local_consumed count to the peer
// (spec.md §4.C): absolute, not delta, values make feedback idempotent
// against reordering (P7).
func (s *Stream) sendFeedback() {
	sock := s.boundHostSocket()
	if sock == nil {
		return
	}
	f := Frame{
		StreamId:       s.remoteId(),
		SourceStreamId: s.id,
		Type:           FrameFeedback,
		ConsumedSize:   s.localConsumed,
	}
	if err := s.writeFrameArbitrated(sock, &f); err != nil {
		s.log.Warn("failed to send feedback frame", "error", err)
	}
}

// runTerminalActions performs the one-time shutdown sequence described in
// spec.md §4.D rule 5: dereference the host socket, report on_failed if the
// stream closed abnormally, then on_closed, then release the stream object
// (here: drop it from the registry).
func (s *Stream) runTerminalActions() {
	s.connectMu.Lock()
	s.hostSocket = nil
	s.connectMu.Unlock()

	kind, reason := s.lastError()
	if s.opts.Handler != nil {
		if kind != KindNone {
			s.opts.Handler.OnFailed(s.id, kind, reason)
		}
		s.opts.Handler.OnClosed(s.id)
	}
	s.reg.remove(s.id)
	s.log.Debug("stream destroyed", "error_kind", kind)
}
