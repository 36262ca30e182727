// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildFramesSegmentsOversizedBuffer(t *testing.T) {
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i)
	}

	frames := buildFrames(1, 2, 4, [][]byte{payload})
	require.Len(t, frames, 3)

	var reassembled []byte
	for i, f := range frames {
		require.Equal(t, StreamId(1), f.StreamId)
		require.Equal(t, StreamId(2), f.SourceStreamId)
		reassembled = append(reassembled, f.Payload...)
		if i < len(frames)-1 {
			require.True(t, f.HasContinuation, "frame %d should carry continuation", i)
		} else {
			require.False(t, f.HasContinuation, "final frame must not carry continuation")
		}
	}
	require.Equal(t, payload, reassembled)
}

func TestBuildFramesPacksSmallBufferIntoOneFrame(t *testing.T) {
	frames := buildFrames(1, 2, 64, [][]byte{[]byte("hello")})
	require.Len(t, frames, 1)
	require.False(t, frames[0].HasContinuation)
	require.Equal(t, []byte("hello"), frames[0].Payload)
}

func TestWriteDeliversReassembledMessageToPeer(t *testing.T) {
	handlerB := newRecordingHandler()
	optsA := BuildStreamOptions(WithMaxSegmentSize(4))
	optsB := BuildStreamOptions(WithHandler(handlerB), WithIdleTimeout(-1))

	regA := NewRegistry(RegistryOptions{})
	regB := NewRegistry(RegistryOptions{})
	sA, _, _, _ := newConnectedPair(regA, regB, optsA, optsB)

	res, err := sA.Write([]byte("a longer payload than one frame"), StreamWriteOptions{})
	require.NoError(t, err)
	require.Equal(t, WriteOK, res)

	require.Eventually(t, func() bool { return handlerB.messageCount() == 1 }, time.Second, time.Millisecond)
}

func TestOnDataReassemblesAcrossContinuationFrames(t *testing.T) {
	handler := newRecordingHandler()
	opts := BuildStreamOptions(WithHandler(handler), WithIdleTimeout(-1))
	reg := NewRegistry(RegistryOptions{})

	s := newStream(1, reg, opts, &StreamSettings{StreamId: 2}, false)
	s.handle = &streamHandle{id: 1, stream: s}
	s.queue = newExecQueue(s)
	reg.publish(s.handle)
	s.SetConnected(nil)

	s.onData(&Frame{Payload: []byte("hel"), HasContinuation: true})
	s.onData(&Frame{Payload: []byte("lo"), HasContinuation: false})

	require.Eventually(t, func() bool { return handler.messageCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []byte("hello"), handler.batches[0][0])
}

func TestWriteBeforeConnectedFails(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	opts := BuildStreamOptions()
	s := newStream(1, reg, opts, nil, false)

	_, err := s.Write([]byte("x"), StreamWriteOptions{})
	require.Error(t, err)
	require.Equal(t, KindBadFile, ErrorKind(err))
}

func TestWriteToUnwritablePeerFails(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	opts := BuildStreamOptions()
	s := newStream(1, reg, opts, &StreamSettings{StreamId: 2, Writable: false}, false)
	s.handle = &streamHandle{id: 1, stream: s}
	s.queue = newExecQueue(s)
	reg.publish(s.handle)
	s.SetConnected(nil)

	_, err := s.Write([]byte("x"), StreamWriteOptions{})
	require.Error(t, err)
	require.Equal(t, KindBadFile, ErrorKind(err))
}
