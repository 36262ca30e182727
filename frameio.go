// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package flowstream

import "fmt"

// buildFrames implements the outbound segmentation algorithm in spec.md
// §4.B: small buffers are packed one-per-frame and may share a transport
// write; buffers larger than maxSegment are cut into maxSegment-byte
// prefixes, each its own frame, with has_continuation set on every piece
// except the last. Byte order is preserved within a buffer and across
// buffers in one call.
func buildFrames(dst StreamId, src StreamId, maxSegment int, buffers [][]byte) []Frame {
	var frames []Frame
	for _, b := range buffers {
		if len(b) <= maxSegment {
			frames = append(frames, Frame{
				StreamId:        dst,
				SourceStreamId:  src,
				Type:            FrameData,
				HasContinuation: false,
				Payload:         b,
			})
			continue
		}
		for len(b) > 0 {
			n := maxSegment
			if n > len(b) {
				n = len(b)
			}
			piece := b[:n]
			b = b[n:]
			frames = append(frames, Frame{
				StreamId:        dst,
				SourceStreamId:  src,
				Type:            FrameData,
				HasContinuation: len(b) > 0,
				Payload:         piece,
			})
		}
	}
	return frames
}

// Write admits payload through the flow controller and, on success, hands
// it to the host socket as one or more DATA frames (spec.md §4.A). Full
// indicates the caller should register a Wait before retrying; a non-nil
// error indicates the transport write itself failed, in which case the
// admission is reversed.
func (s *Stream) Write(payload []byte, opts StreamWriteOptions) (WriteResult, error) {
	if s.State() != stateConnected {
		return WriteError, newError(KindBadFile, "write before stream is connected")
	}
	if s.remoteSet && !s.remote.Writable {
		return WriteError, newError(KindBadFile, "peer side has no handler installed")
	}

	length := uint64(len(payload))
	res := s.admit(length)
	if res != WriteOK {
		return res, nil
	}

	sock := s.boundHostSocket()
	if sock == nil {
		s.reverseAdmission(length)
		return WriteError, newError(KindBadFile, "stream is not bound to a host socket")
	}

	frames := buildFrames(s.remoteId(), s.id, s.opts.MaxSegmentSize, [][]byte{payload})
	for i := range frames {
		if err := s.writeFrameArbitrated(sock, &frames[i]); err != nil {
			// spec.md §4.C: a failed transport write reverses admission.
			s.reverseAdmission(length)
			return WriteError, err
		}
	}
	if s.reg.pressure.enabled() {
		s.congestionMu.Lock()
		s.reg.pressure.add(int64(length))
		s.congestionMu.Unlock()
	}
	s.reg.incrCounter("bytes.produced", float32(length))
	return WriteOK, nil
}

// writeFrameArbitrated routes through the registry's shared FrameWriter
// when one is configured, so this stream's writes take their turn
// against sibling streams on the same host transport (framewriter.go);
// otherwise it writes directly.
func (s *Stream) writeFrameArbitrated(sock HostSocket, f *Frame) error {
	if fw := s.reg.frameWriter; fw != nil {
		release := fw.Acquire(s.opts.Priority)
		defer release()
	}
	return sock.WriteFrame(f)
}

func (s *Stream) remoteId() StreamId {
	if s.remoteSet {
		return s.remote.StreamId
	}
	return 0
}

// boundHostSocket returns the host socket recorded by bindHostSocket, or
// nil if the stream has not been bound yet. It does not bind anything
// itself; binding happens only in bindHostSocket.
func (s *Stream) boundHostSocket() HostSocket {
	s.connectMu.Lock()
	sock := s.hostSocket
	s.connectMu.Unlock()
	return sock
}

// bindHostSocket is the single place that performs the one-shot host
// socket binding, whether triggered by the first inbound frame (server
// side) or an explicit bind call (client side, once the handshake RPC
// resolves the transport).
func (s *Stream) bindHostSocket(sock HostSocket) {
	s.bindOnce.Do(func() {
		if err := sock.AddStream(s.id); err != nil {
			s.log.Warn("failed to register stream with host socket", "error", err)
			return
		}
		s.connectMu.Lock()
		s.hostSocket = sock
		s.connectMu.Unlock()
	})
}

// OnReceived classifies one inbound frame (spec.md §4.B). It is
// non-blocking modulo queue submission (spec.md §5 "Suspension points").
func (s *Stream) OnReceived(f *Frame, sock HostSocket) error {
	s.bindHostSocket(sock)

	switch f.Type {
	case FrameData:
		s.onData(f)
	case FrameFeedback:
		s.SetRemoteConsumed(f.ConsumedSize)
	case FrameRST:
		s.log.Debug("received RST frame")
		s.Close(KindConnReset, "received RST frame")
	case FrameClose:
		s.log.Debug("received CLOSE frame")
		s.Close(KindNone, "received CLOSE frame")
	case FrameUnknown:
		return fmt.Errorf("flowstream: stream %d received unknown frame type", s.id)
	default:
		return fmt.Errorf("flowstream: stream %d received unhandled frame type %v", s.id, f.Type)
	}
	return nil
}

// onData implements reassembly: invariant 3 says at most one reassembly
// buffer is ever in flight, emptied whenever the previous frame had
// has_continuation == false. Frames for one stream arrive serially from the
// transport, so no lock is required to preserve that invariant here.
func (s *Stream) onData(f *Frame) {
	s.reassembled = append(s.reassembled, f.Payload...)
	if f.HasContinuation {
		return
	}
	msg := s.reassembled
	s.reassembled = nil
	s.queue.push(msg)
}
