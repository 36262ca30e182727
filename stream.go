// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
)

// connState is the tri-state lifecycle from spec.md §3 invariant 2.
// Transitions only ever move forward: Pending -> Connected -> Closed, or
// Pending -> Closed. There is no back-transition.
type connState int

const (
	statePending connState = iota
	stateConnected
	stateClosed
)

func (s connState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// connectCallback is the one-shot callback registered via Connect.
type connectCallback struct {
	fn  func(kind Kind, reason string)
	set bool
}

// Stream is the central entity of this package (spec.md §3): an ordered,
// bidirectional message channel multiplexed over one HostSocket. Its public
// methods are Connect/Write/Close; creation and waiting go through the
// owning Registry (StreamCreate, StreamAccept, StreamWait). Everything
// else is internal machinery shared across frameio.go, flow.go, delivery.go
// and lifecycle.go.
type Stream struct {
	id     StreamId
	handle *streamHandle
	reg    *Registry
	clk    clock.Clock
	log    hclog.Logger

	opts StreamOptions

	// connectMu guards the lifecycle tri-state, the latched error and the
	// pending connect callback (spec.md §5).
	connectMu sync.Mutex
	state     connState
	errKind   Kind
	errReason string
	onConnect connectCallback

	remote           StreamSettings
	remoteSet        bool
	parseRPCResponse bool
	rpcParser        RPCResponseParser

	// the host socket binding is one-shot (spec.md §4.B, §9 "one-shot
	// binding"), modeled with the idiomatic Go OnceCell: sync.Once.
	bindOnce   sync.Once
	hostSocket HostSocket

	// congestionMu guards produced/remoteConsumed/curBufSize and the wait
	// list (spec.md §5).
	congestionMu   sync.Mutex
	produced       uint64
	remoteConsumed uint64
	curBufSize     uint64
	localConsumed  uint64
	waiters        []*waitToken

	// pipeline state (spec.md §3): at most one reassembly buffer in
	// flight, guarded by the single-consumer discipline of frame arrival
	// (frames for one stream are delivered serially by the transport).
	reassembled []byte

	queue *execQueue

	idleTimer    *clock.Timer
	idleArmed    bool
}

// newStream constructs a Stream in the Pending state. It does not publish
// the stream into the registry or start its delivery queue;
// Registry.createStream (api.go) does both.
func newStream(id StreamId, reg *Registry, opts StreamOptions, remote *StreamSettings, parseRPCResponse bool) *Stream {
	s := &Stream{
		id:               id,
		reg:              reg,
		clk:              clock.New(),
		log:              reg.log.With("stream_id", id),
		opts:             opts,
		parseRPCResponse: parseRPCResponse,
	}
	s.curBufSize = initialBufSize(&s.opts, reg.log)
	if remote != nil {
		s.remote = *remote
		s.remoteSet = true
	}
	return s
}

// initialBufSize implements spec.md §3 invariant 5 and the Open Question 3
// resolution in SPEC_FULL.md §9: min > max resets min to 0 with a warning,
// and the starting window is max_buf_size, or min_buf_size if the stream
// was created under aggregate pressure.
func initialBufSize(opts *StreamOptions, log hclog.Logger) uint64 {
	if opts.MaxBufSize > 0 && opts.MinBufSize > opts.MaxBufSize {
		log.Warn("min_buf_size exceeds max_buf_size, resetting min_buf_size to 0",
			"min_buf_size", opts.MinBufSize, "max_buf_size", opts.MaxBufSize)
		opts.MinBufSize = 0
	}
	cur := opts.MaxBufSize
	if opts.SocketPressured && opts.MinBufSize > 0 {
		cur = opts.MinBufSize
	}
	return cur
}

// ID returns this stream's process-local id.
func (s *Stream) ID() StreamId { return s.id }

// State returns the current lifecycle state, mostly useful for tests and
// diagnostics.
func (s *Stream) State() connState {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	return s.state
}

// lastError returns the latched (kind, reason) pair set by Close, under
// connectMu.
func (s *Stream) lastError() (Kind, string) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	return s.errKind, s.errReason
}

func deadlineOrZero(d time.Time) (time.Time, bool) {
	return d, !d.IsZero()
}
