// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Controller represents the creating RPC referenced throughout spec.md §6:
// the thin collaborator that runs the handshake and, on the accepting
// side, carries whatever StreamSettings arrived attached to the request.
// The request/response RPC dispatch machinery itself is out of scope
// (spec.md §1); Controller is only the narrow slice of it this package
// needs to read and write.
type Controller struct {
	// RemoteStreamSettings is non-nil on the accepting side iff the
	// incoming request had a stream attached.
	RemoteStreamSettings *StreamSettings

	RequestStreams  []StreamId
	ResponseStreams []StreamId

	// RPCParser receives the first inbound message on the first request
	// stream (the one created with parse_rpc_response == true).
	RPCParser RPCResponseParser
}

// StreamCreate registers count streams on the outgoing RPC tracked by
// cntl (spec.md §6). count must be >= 1; the first of the created streams
// is marked to have its first inbound frame parsed as the RPC response,
// matching StreamCreate's is_request_stream semantics in spec.md §4.D
// rule 6. It fails, and releases every partially-created stream, if any
// individual stream cannot be created or if cntl already has request
// streams attached.
//
// This corresponds to spec.md §6's free function StreamCreate(controller,
// options, count); it is a Registry method rather than a free function
// because Go has no idiomatic equivalent of a single process-wide socket
// table to look the controller's transport up in. The Registry is that
// table, made an explicit argument instead of a hidden global.
func (r *Registry) StreamCreate(cntl *Controller, opts StreamOptions, count int) ([]StreamId, error) {
	if count < 1 {
		return nil, newError(KindInvalid, "count must be >= 1")
	}
	if len(cntl.RequestStreams) != 0 {
		return nil, newError(KindInvalid, "request streams already created on this controller")
	}

	ids := make([]StreamId, 0, count)
	for i := 0; i < count; i++ {
		parseRPCResponse := i == 0
		id, err := r.createStream(opts, nil, parseRPCResponse, cntl.RPCParser)
		if err != nil {
			r.SetFailed(ids, KindNone, "failed to create stream at index %d", i)
			return nil, err
		}
		ids = append(ids, id)
	}
	cntl.RequestStreams = append(cntl.RequestStreams, ids...)
	return ids, nil
}

// StreamAccept mirrors Create on the receiving side (spec.md §6). It fails
// if no stream is attached to the request, or if cntl already has
// response streams. When the incoming settings carry ExtraStreamIds
// (SPEC_FULL.md §6 "multi-stream handshake fan-out"), one additional
// stream is accepted per entry, sharing opts and the primary handshake's
// need_feedback/writable flags but bound to its own peer stream id.
func (r *Registry) StreamAccept(cntl *Controller, opts StreamOptions) ([]StreamId, error) {
	if len(cntl.ResponseStreams) != 0 {
		return nil, newError(KindInvalid, "response streams already created on this controller")
	}
	if cntl.RemoteStreamSettings == nil {
		return nil, newError(KindInvalid, "no stream attached to this request")
	}

	primary := *cntl.RemoteStreamSettings
	extra := primary.ExtraStreamIds
	primary.ExtraStreamIds = nil

	ids := make([]StreamId, 0, 1+len(extra))
	id, err := r.createStream(opts, &primary, false, nil)
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	for i, extraId := range extra {
		settings := primary
		settings.StreamId = extraId
		extraStreamId, err := r.createStream(opts, &settings, false, nil)
		if err != nil {
			r.SetFailed(ids, KindNone, "failed to accept stream at index %d", i)
			return nil, err
		}
		ids = append(ids, extraStreamId)
	}

	cntl.ResponseStreams = append(cntl.ResponseStreams, ids...)
	return ids, nil
}

// createStream allocates an id, builds the Stream and its handle, starts
// its delivery queue and publishes it into the registry. It is the Go
// analogue of Stream::Create in the original source: on failure nothing is
// left behind.
func (r *Registry) createStream(opts StreamOptions, remote *StreamSettings, parseRPCResponse bool, parser RPCResponseParser) (StreamId, error) {
	id := r.allocate()
	s := newStream(id, r, opts, remote, parseRPCResponse)
	s.rpcParser = parser
	h := &streamHandle{id: id, stream: s}
	s.handle = h
	s.queue = newExecQueue(s)
	r.publish(h)
	return id, nil
}

// StreamWrite admits and segments payload on the stream identified by id
// (spec.md §6). It returns EINVAL if id is unknown to r.
func (r *Registry) StreamWrite(id StreamId, payload []byte, opts StreamWriteOptions) (WriteResult, error) {
	h := r.lookup(id)
	if h == nil {
		return WriteError, newError(KindInvalid, "unknown stream id %d", id)
	}
	return h.stream.Write(payload, opts)
}

// StreamWait blocks until id has credit, its deadline elapses, or it
// fails (spec.md §6). A zero deadline means "no deadline". Per spec.md §9
// Open Question 1, this does not check peer writability: EBADF is only
// ever returned from Write, never from Wait.
func (r *Registry) StreamWait(id StreamId, deadline time.Time) error {
	h := r.lookup(id)
	if h == nil {
		return newError(KindInvalid, "unknown stream id %d", id)
	}
	return h.stream.registerWaiter(deadline).wait()
}

// StreamWaitAsync is the callback-driven form of StreamWait: cb fires
// exactly once, possibly on a freshly spawned goroutine, with nil on
// success or the resolving error otherwise.
func (r *Registry) StreamWaitAsync(id StreamId, deadline time.Time, cb func(error)) {
	h := r.lookup(id)
	if h == nil {
		go cb(newError(KindInvalid, "unknown stream id %d", id))
		return
	}
	t := h.stream.registerWaiter(deadline)
	go cb(t.wait())
}

// StreamClose performs a local close (spec.md §6), equivalent to
// Close(0, "Local close").
func (r *Registry) StreamClose(id StreamId) error {
	h := r.lookup(id)
	if h == nil {
		return newError(KindInvalid, "unknown stream id %d", id)
	}
	return h.stream.Close(KindNone, "Local close")
}

// SetFailed closes every stream in ids with the given kind and reason,
// formatting the reason independently per id (SPEC_FULL.md §7, resolving
// spec.md §9 Open Question 2: the original forwards one va_list across
// multiple calls, which is undefined behavior in C; here each id gets its
// own argument set). Unknown ids are silently ignored, matching the
// original's "don't care about recycled streams". The returned error
// aggregates every id's latched Close error, so a caller failing many
// streams at once (StreamCreate/StreamAccept rollback, or an RPC layer
// tearing down several response streams together) can see all of them
// instead of only the first.
func (r *Registry) SetFailed(ids []StreamId, kind Kind, reasonFmt string, args ...any) error {
	var result *multierror.Error
	for _, id := range ids {
		h := r.lookup(id)
		if h == nil {
			continue
		}
		if err := h.stream.Close(kind, reasonFmt, args...); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}
