// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"errors"
	"sync"
)

// fakeSocket is an in-memory HostSocket that hands a written frame
// straight to the peer registry's matching stream, driving both ends of
// a connection without a real network round trip.
type fakeSocket struct {
	name string
	peer *Registry
	self HostSocket

	mu         sync.Mutex
	added      map[StreamId]bool
	failWrites bool
}

func newFakeSocket(name string, peer *Registry) *fakeSocket {
	return &fakeSocket{name: name, peer: peer, added: make(map[StreamId]bool)}
}

// pairSockets wires two registries' fake sockets to each other so a
// frame written on one side is delivered synchronously to the other.
func pairSockets(a, b *Registry) (sa, sb *fakeSocket) {
	sa = newFakeSocket("a", b)
	sb = newFakeSocket("b", a)
	sa.self = sb
	sb.self = sa
	return sa, sb
}

func (f *fakeSocket) WriteFrame(fr *Frame) error {
	if f.failWrites {
		return errors.New("fakeSocket: write failed")
	}
	h := f.peer.lookup(fr.StreamId)
	if h == nil {
		return nil
	}
	return h.stream.OnReceived(fr, f.self)
}

func (f *fakeSocket) AddStream(id StreamId) error {
	f.mu.Lock()
	f.added[id] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) RemoveStream(id StreamId) {
	f.mu.Lock()
	delete(f.added, id)
	f.mu.Unlock()
}

func (f *fakeSocket) Address() string { return f.name }

func (f *fakeSocket) hasStream(id StreamId) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added[id]
}

// recordingHandler captures every callback for assertions, matching the
// teacher's pattern of driving a handler from a real HTTP round trip
// and then inspecting what arrived, minus the HTTP.
type recordingHandler struct {
	mu        sync.Mutex
	batches   [][][]byte
	idleCount int
	failedAt  Kind
	closed    bool
	closedCh  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closedCh: make(chan struct{})}
}

func (h *recordingHandler) OnReceivedMessages(id StreamId, messages [][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := make([][]byte, len(messages))
	copy(batch, messages)
	h.batches = append(h.batches, batch)
}

func (h *recordingHandler) OnIdleTimeout(id StreamId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idleCount++
}

func (h *recordingHandler) OnFailed(id StreamId, kind Kind, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failedAt = kind
}

func (h *recordingHandler) OnClosed(id StreamId) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	close(h.closedCh)
}

// newConnectedPair builds two streams already wired to each other's fake
// socket and transitioned to Connected, the state every other test in
// this package starts from.
func newConnectedPair(regA, regB *Registry, optsA, optsB StreamOptions) (sA, sB *Stream, sockA, sockB *fakeSocket) {
	idA := regA.allocate()
	idB := regB.allocate()

	sA = newStream(idA, regA, optsA, &StreamSettings{StreamId: idB, NeedFeedback: true, Writable: optsB.Handler != nil}, false)
	hA := &streamHandle{id: idA, stream: sA}
	sA.handle = hA
	sA.queue = newExecQueue(sA)
	regA.publish(hA)

	sB = newStream(idB, regB, optsB, &StreamSettings{StreamId: idA, NeedFeedback: true, Writable: optsA.Handler != nil}, false)
	hB := &streamHandle{id: idB, stream: sB}
	sB.handle = hB
	sB.queue = newExecQueue(sB)
	regB.publish(hB)

	sockA, sockB = pairSockets(regA, regB)
	sA.bindHostSocket(sockA)
	sB.bindHostSocket(sockB)

	sA.SetConnected(nil)
	sB.SetConnected(nil)
	return sA, sB, sockA, sockB
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, b := range h.batches {
		n += len(b)
	}
	return n
}
