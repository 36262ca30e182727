// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"sync"
	"sync/atomic"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// Registry is the transport's object registry referred to throughout
// spec.md §3: it allocates process-local StreamIds, tracks the synthetic
// transport handle for every live stream, and owns the aggregate
// unconsumed-bytes counter shared by every stream multiplexed on one
// HostSocket (spec.md §3 "Aggregate transport state"). One Registry is
// constructed per host transport; spdy's per-session stream map and brpc's
// per-Socket counter both collapse into this one type.
type Registry struct {
	nextId atomic.Uint64

	mu      sync.Mutex
	handles map[StreamId]*streamHandle

	pressure *aggregatePressure

	// frameWriter serializes and prioritizes concurrent outbound writes
	// from every stream multiplexed on this registry's host transport
	// (framewriter.go). Nil unless RegistryOptions.EnableFrameArbitration.
	frameWriter *FrameWriter

	log     hclog.Logger
	metrics *metrics.Metrics
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// SocketMaxStreamsUnconsumedBytes enables aggregate pressure adaptation
	// when > 0 (spec.md §6 tunables).
	SocketMaxStreamsUnconsumedBytes int64

	// EnableFrameArbitration starts a FrameWriter shared by every stream
	// this registry creates, serializing their concurrent writes to the
	// underlying host transport.
	EnableFrameArbitration bool

	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// NewRegistry constructs a Registry for one host transport.
func NewRegistry(opts RegistryOptions) *Registry {
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	r := &Registry{
		handles: make(map[StreamId]*streamHandle),
		log:     log.Named("flowstream"),
		metrics: opts.Metrics,
	}
	if opts.SocketMaxStreamsUnconsumedBytes > 0 {
		r.pressure = &aggregatePressure{threshold: opts.SocketMaxStreamsUnconsumedBytes}
	}
	if opts.EnableFrameArbitration {
		r.frameWriter = NewFrameWriter()
	}
	return r
}

// Close releases resources owned directly by the registry, currently
// only the shared FrameWriter, if one was started.
func (r *Registry) Close() {
	if r.frameWriter != nil {
		r.frameWriter.Close()
	}
}

// streamHandle is the synthetic transport handle wrapping a Stream, the Go
// analogue of brpc's fake Socket and spdy's session.streams entry
// (spec.md §9 "manual polymorphism via a synthetic transport handle"). It
// is the sole referent of a StreamId in the Registry; the Stream itself is
// destroyed when the handle is recycled (spec.md §4.A).
type streamHandle struct {
	id     StreamId
	stream *Stream
	failed atomic.Bool
}

func (h *streamHandle) fail() {
	h.failed.Store(true)
}

// allocate reserves the next StreamId without publishing a handle for it
// yet; the caller must publish a handle for it.
func (r *Registry) allocate() StreamId {
	return StreamId(r.nextId.Add(1))
}

func (r *Registry) publish(h *streamHandle) {
	r.mu.Lock()
	r.handles[h.id] = h
	r.mu.Unlock()
}

func (r *Registry) lookup(id StreamId) *streamHandle {
	r.mu.Lock()
	h := r.handles[id]
	r.mu.Unlock()
	return h
}

func (r *Registry) remove(id StreamId) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

func (r *Registry) incrCounter(name string, v float32) {
	if r.metrics != nil {
		r.metrics.IncrCounter([]string{"flowstream", name}, v)
	}
}

func (r *Registry) setGauge(name string, v float32) {
	if r.metrics != nil {
		r.metrics.SetGauge([]string{"flowstream", name}, v)
	}
}
