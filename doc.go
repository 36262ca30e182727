// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

/*
Package flowstream multiplexes bidirectional, credit-flow-controlled
message streams over a single reliable connection.

# Goroutines

A Stream has no goroutine of its own except the one started for its
delivery queue.

  - The caller's goroutine: Write, Wait and Close all run synchronously
    on whichever goroutine calls them. Write and Close block only on the
    transport writes they issue (Write issues one per frame) and, when
    write arbitration is enabled, on their turn at the FrameWriter; Wait
    blocks until its token resolves.

  - The consumer goroutine: started by newExecQueue in delivery.go, one
    per stream. It drains queued messages and the idle-timeout sentinel
    in batches, calls the installed Handler, and on shutdown runs the
    stream's terminal actions exactly once. Handler methods run
    synchronously on this goroutine, so a slow or blocking Handler delays
    further delivery on its own stream; other streams sharing the same
    host transport have consumer goroutines of their own.

  - The transport's goroutine(s): whatever goroutine the HostSocket
    implementation uses to call OnReceived for inbound frames. OnReceived
    itself never blocks past a queue push.

  - The frame arbiter goroutine: started by NewFrameWriter
    (framewriter.go) when a Registry enables write arbitration. One per
    registry, shared by every stream multiplexed on that registry's host
    transport.

# Locking

Each Stream carries two independent mutexes, documented in stream.go:
connectMu for the lifecycle tri-state, congestionMu for the flow-control
counters and parked waiters. Neither is ever held across a call into the
HostSocket or into a Handler callback; see flow.go and lifecycle.go for
where each is taken and released.
*/
package flowstream
