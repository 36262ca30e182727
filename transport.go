// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import "sync/atomic"

// StreamId identifies a stream within one process, for the lifetime of the
// host transport that carries it (spec.md §3). Ids are monotonic and never
// reused; slot reuse, if any, is owned by the transport's own registry, not
// by this package.
type StreamId uint64

// FrameType is the on-wire frame kind understood by the stream state
// machine (spec.md §6). The byte-level encoding of a frame is the framing
// codec collaborator's concern and is out of scope here: Frame is the
// already-decoded shape the codec hands to OnReceived, and the already-built
// shape this package hands to the codec for encoding.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameData
	FrameFeedback
	FrameRST
	FrameClose
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameFeedback:
		return "FEEDBACK"
	case FrameRST:
		return "RST"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Frame is the header+payload shape carried by the host transport for one
// stream frame (spec.md §6).
type Frame struct {
	StreamId       StreamId // destination: the peer's view of this stream
	SourceStreamId StreamId // origin: this side's view of this stream
	Type           FrameType
	HasContinuation bool // meaningful only for FrameData
	ConsumedSize   uint64 // meaningful only for FrameFeedback: absolute local_consumed
	Payload        []byte // meaningful only for FrameData
}

// StreamSettings is the handshake payload exchanged during the creating RPC
// (spec.md §6).
type StreamSettings struct {
	StreamId      StreamId
	NeedFeedback  bool
	Writable      bool
	ExtraStreamIds []StreamId
}

// HostSocket is the narrow capability set this package needs from the
// underlying reliable byte transport (spec.md §1, §9 "manual polymorphism
// via a synthetic transport handle"). Everything about framing,
// connection management and retries beyond this belongs to the transport
// implementation, not to this package.
type HostSocket interface {
	// WriteFrame hands a fully-built frame to the transport. It may block
	// (suspend) but must not be called while a stream's congestion mutex is
	// held (spec.md §5 locking discipline rule 1).
	WriteFrame(f *Frame) error
	// AddStream registers id with this transport so subsequent inbound
	// frames for id are routed back to the owning stream.
	AddStream(id StreamId) error
	// RemoveStream undoes AddStream, called once a stream is fully closed.
	RemoveStream(id StreamId)
	// Address identifies the transport for logging.
	Address() string
}

// aggregatePressure is the cross-stream mutable state described in
// spec.md §3 "Aggregate transport state": a single atomic counter shared by
// every stream multiplexed on one HostSocket, plus the process-wide
// threshold that enables adaptive sizing. Mutations happen only from the
// owning stream's congestion lock (spec.md §5); the type itself is a plain
// atomic so reads that drive sizing decisions may tolerate slight
// staleness, per spec.md §5 "Resource sharing".
type aggregatePressure struct {
	unconsumed atomic.Int64
	threshold  int64 // immutable after construction; <=0 disables adaptation
}

func (p *aggregatePressure) enabled() bool {
	return p != nil && p.threshold > 0
}

func (p *aggregatePressure) add(delta int64) int64 {
	return p.unconsumed.Add(delta)
}

func (p *aggregatePressure) overThreshold() bool {
	return p.unconsumed.Load() > p.threshold
}
