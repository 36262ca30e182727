// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import "time"

// Defaults for the package-wide tunables in spec.md §6.
const (
	// DefaultMaxSegmentSize is stream_write_max_segment_size: the outbound
	// frame size cap. 512 MiB matches the original's gflag default.
	DefaultMaxSegmentSize = 512 << 20

	// DefaultMessagesInBatch is messages_in_batch: the delivery batch size.
	DefaultMessagesInBatch = 128

	// SmallBatchFastPath mirrors the DEFINE_SMALL_ARRAY(..., 256) threshold
	// of the original. Nothing in this package reads it: dispatchBatch
	// allocates its scratch slice with make for every batch size.
	SmallBatchFastPath = 256
)

// Handler receives batched inbound messages and lifecycle notifications for
// one stream. Presence of a Handler on StreamOptions marks this side as
// writable in the handshake (spec.md §3, §4.C).
type Handler interface {
	// OnReceivedMessages is invoked at most once per delivered batch, in
	// order, with ownership of messages transferred to the callee for the
	// duration of the call.
	OnReceivedMessages(id StreamId, messages [][]byte)
	// OnIdleTimeout fires when the stream's idle timer expires with no
	// pending payload in the same batch.
	OnIdleTimeout(id StreamId)
	// OnFailed fires at most once, before OnClosed, iff the stream closed
	// with a non-zero error code.
	OnFailed(id StreamId, kind Kind, reason string)
	// OnClosed fires exactly once, as the terminal action of the delivery
	// pipeline.
	OnClosed(id StreamId)
}

// StreamOptions configures a Stream at creation time (spec.md §3 "options").
type StreamOptions struct {
	MinBufSize        uint64
	MaxBufSize        uint64
	IdleTimeout       time.Duration // negative disables the idle timer
	MessagesInBatch   int
	Handler           Handler
	MaxSegmentSize    int
	SocketPressured   bool // aggregate pressure flag enabled at creation

	// Priority orders this stream's writes against sibling streams when
	// the owning Registry has frame arbitration enabled. Lower values go
	// first; the zero value is the default priority.
	Priority int
}

// Option mutates a StreamOptions being built. Functional options, the same
// shape used across the retrieved corpus (e.g. dep2p's streams.Option).
type Option func(*StreamOptions)

// DefaultStreamOptions returns the zero-adjusted defaults: no flow control
// (MaxBufSize 0, see invariant 6), a 128-message batch and the 512 MiB
// segment cap.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		MessagesInBatch: DefaultMessagesInBatch,
		MaxSegmentSize:  DefaultMaxSegmentSize,
		IdleTimeout:     -1,
	}
}

// WithBufSize sets the flow-control window bounds. A zero max disables flow
// control entirely per invariant 6.
func WithBufSize(min, max uint64) Option {
	return func(o *StreamOptions) {
		o.MinBufSize = min
		o.MaxBufSize = max
	}
}

// WithIdleTimeout arms the idle timer; a negative duration disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *StreamOptions) { o.IdleTimeout = d }
}

// WithHandler installs the inbound message handler, marking this side
// writable in the handshake.
func WithHandler(h Handler) Option {
	return func(o *StreamOptions) { o.Handler = h }
}

// WithMessagesInBatch overrides the delivery batch size.
func WithMessagesInBatch(n int) Option {
	return func(o *StreamOptions) {
		if n > 0 {
			o.MessagesInBatch = n
		}
	}
}

// WithMaxSegmentSize overrides the outbound frame size cap.
func WithMaxSegmentSize(n int) Option {
	return func(o *StreamOptions) {
		if n > 0 {
			o.MaxSegmentSize = n
		}
	}
}

// WithPriority sets this stream's priority when the owning Registry
// arbitrates writes across streams sharing one host transport.
func WithPriority(p int) Option {
	return func(o *StreamOptions) { o.Priority = p }
}

// WithSocketPressured marks this stream as created under aggregate
// pressure, so cur_buf_size starts at MinBufSize rather than MaxBufSize
// (invariant 5).
func WithSocketPressured() Option {
	return func(o *StreamOptions) { o.SocketPressured = true }
}

// BuildStreamOptions applies opts over the defaults.
func BuildStreamOptions(opts ...Option) StreamOptions {
	o := DefaultStreamOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StreamWriteOptions configures a single Write call.
type StreamWriteOptions struct {
	// WriteInBackground is an advisory flush hint. Stream.Write does not
	// read it, and HostSocket.WriteFrame has no parameter that carries it.
	WriteInBackground bool
}

// WriteResult is the outcome of Stream.Write (spec.md §4.A).
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteFull
	WriteError
)
