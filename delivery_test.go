// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newIdleStream(reg *Registry, opts StreamOptions) (*Stream, *clock.Mock) {
	mock := clock.NewMock()
	s := newStream(1, reg, opts, &StreamSettings{StreamId: 2}, false)
	s.clk = mock
	s.handle = &streamHandle{id: 1, stream: s}
	s.queue = newExecQueue(s)
	reg.publish(s.handle)
	s.SetConnected(nil)
	return s, mock
}

func TestDeliveryPreservesOrderWithinAndAcrossBatches(t *testing.T) {
	handler := newRecordingHandler()
	reg := NewRegistry(RegistryOptions{})
	s, _ := newIdleStream(reg, BuildStreamOptions(WithHandler(handler), WithMessagesInBatch(2), WithIdleTimeout(-1)))

	for _, msg := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		s.queue.push(msg)
	}

	require.Eventually(t, func() bool { return handler.messageCount() == 3 }, time.Second, time.Millisecond)

	var flat [][]byte
	handler.mu.Lock()
	for _, b := range handler.batches {
		flat = append(flat, b...)
	}
	handler.mu.Unlock()

	require.Equal(t, []byte("one"), flat[0])
	require.Equal(t, []byte("two"), flat[1])
	require.Equal(t, []byte("three"), flat[2])
}

func TestIdleTimeoutFiresOnlyWhenBatchCarriesNoMessage(t *testing.T) {
	handler := newRecordingHandler()
	reg := NewRegistry(RegistryOptions{})
	s, mock := newIdleStream(reg, BuildStreamOptions(WithHandler(handler), WithIdleTimeout(time.Second)))
	_ = s

	mock.Add(2 * time.Second)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.idleCount == 1
	}, time.Second, time.Millisecond)
}

func TestTerminalActionsFireOnFailedThenOnClosedExactlyOnce(t *testing.T) {
	handler := newRecordingHandler()
	reg := NewRegistry(RegistryOptions{})
	s, _ := newIdleStream(reg, BuildStreamOptions(WithHandler(handler), WithIdleTimeout(-1)))

	s.Close(KindConnReset, "boom")

	select {
	case <-handler.closedCh:
	case <-time.After(time.Second):
		t.Fatal("OnClosed never fired")
	}
	require.Equal(t, KindConnReset, handler.failedAt)

	// A second Close must be a no-op: no second OnClosed, no panic.
	s.Close(KindNone, "Local close")
}

func TestGracefulCloseNeverCallsOnFailed(t *testing.T) {
	handler := newRecordingHandler()
	reg := NewRegistry(RegistryOptions{})
	s, _ := newIdleStream(reg, BuildStreamOptions(WithHandler(handler), WithIdleTimeout(-1)))

	s.Close(KindNone, "Local close")

	select {
	case <-handler.closedCh:
	case <-time.After(time.Second):
		t.Fatal("OnClosed never fired")
	}
	require.Equal(t, KindNone, handler.failedAt)
}
