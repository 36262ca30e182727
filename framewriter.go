// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import "container/heap"

// FrameWriter arbitrates concurrent access to one HostSocket's outgoing
// path. Every stream multiplexed on the same transport may call Write,
// sendFeedback or Close concurrently; without serialization their frames
// could interleave mid-write on the underlying connection. This is the
// same mutex-with-priority shape as a prioritized arbiter over one
// writer, adapted here to this package's Frame instead of a specific
// wire format: lower Priority values are granted the writer first, ties
// broken FIFO.
//
// A HostSocket implementation is free to do its own serialization
// instead; FrameWriter is an optional convenience this package offers,
// enabled per Registry via RegistryOptions.EnableFrameArbitration.
type FrameWriter struct {
	requestch chan *frameRequest
	releasech chan struct{}
	closech   chan struct{}
}

type frameRequest struct {
	priority int
	seq      uint64
	grant    chan struct{}
}

type prioQueue []*frameRequest

func (q prioQueue) Len() int      { return len(q) }
func (q prioQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q prioQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q *prioQueue) Push(x any) { *q = append(*q, x.(*frameRequest)) }
func (q *prioQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// NewFrameWriter starts the arbiter goroutine. Close it once the owning
// HostSocket goes away.
func NewFrameWriter() *FrameWriter {
	fw := &FrameWriter{
		requestch: make(chan *frameRequest),
		releasech: make(chan struct{}),
		closech:   make(chan struct{}),
	}
	go fw.arbitrate()
	return fw
}

func (fw *FrameWriter) arbitrate() {
	var pending prioQueue
	var held bool
	var seq uint64
	for {
		var releasech chan struct{}
		if held {
			releasech = fw.releasech
		}
		select {
		case req := <-fw.requestch:
			req.seq = seq
			seq++
			if !held {
				held = true
				close(req.grant)
				continue
			}
			heap.Push(&pending, req)
		case <-releasech:
			held = false
			if pending.Len() > 0 {
				next := heap.Pop(&pending).(*frameRequest)
				held = true
				close(next.grant)
			}
		case <-fw.closech:
			return
		}
	}
}

// Acquire blocks until the caller holds exclusive access to the writer,
// or the FrameWriter is closed, in which case it returns a no-op release
// function immediately: a closed arbiter should never deadlock a caller
// racing shutdown.
func (fw *FrameWriter) Acquire(priority int) func() {
	req := &frameRequest{priority: priority, grant: make(chan struct{})}
	select {
	case fw.requestch <- req:
	case <-fw.closech:
		return func() {}
	}
	select {
	case <-req.grant:
	case <-fw.closech:
		return func() {}
	}
	return func() {
		select {
		case fw.releasech <- struct{}{}:
		case <-fw.closech:
		}
	}
}

// Close shuts the arbiter down. Safe to call once.
func (fw *FrameWriter) Close() {
	close(fw.closech)
}
