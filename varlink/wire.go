// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"bytes"

	"golang.org/x/sys/unix"
)

const (
	// readChunk is the unit of one non-blocking read.
	readChunk = 8 * 1024
	// maxFrameSize caps one NUL-delimited frame; a peer exceeding it is
	// disconnected rather than buffered without bound.
	maxFrameSize = 16 * 1024 * 1024
)

// stream frames NUL-delimited JSON messages over a non-blocking socket
// descriptor. It owns the read and write buffers; all calls are
// single-threaded.
type stream struct {
	fd  int
	in  []byte // received bytes not yet framed
	out []byte // serialized frames not yet written
	hup bool   // peer sent EOF; buffered frames remain readable
}

func newStream(fd int) *stream {
	return &stream{fd: fd}
}

// fill reads everything currently available without blocking. EOF sets hup;
// frames already buffered stay readable.
func (s *stream) fill() error {
	var buf [readChunk]byte
	for {
		if len(s.in) > maxFrameSize {
			return newError(ErrInvalidMessage, "frame exceeds size limit")
		}
		n, err := unix.Read(s.fd, buf[:])
		switch {
		case n > 0:
			s.in = append(s.in, buf[:n]...)
			continue
		case n == 0 && err == nil:
			s.hup = true
			return nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err == unix.ECONNRESET:
			s.hup = true
			return nil
		default:
			return wrapError(ErrReceivingMessage, err)
		}
	}
}

// readMessage returns the next complete frame as a sealed envelope object
// plus its wire size, or nil when no full frame is buffered.
func (s *stream) readMessage() (*Object, int, error) {
	nul := bytes.IndexByte(s.in, 0)
	if nul < 0 {
		if len(s.in) > maxFrameSize {
			return nil, 0, newError(ErrInvalidMessage, "frame exceeds size limit")
		}
		return nil, 0, nil
	}
	data := s.in[:nul]
	msg, err := parseObjectBytes(data)
	s.in = append(s.in[:0], s.in[nul+1:]...)
	if err != nil {
		return nil, 0, err
	}
	msg.seal()
	return msg, nul + 1, nil
}

// hasBufferedFrame reports whether a complete frame is already buffered.
func (s *stream) hasBufferedFrame() bool {
	return bytes.IndexByte(s.in, 0) >= 0
}

// writeMessage serializes one envelope, appends the frame terminator and
// flushes greedily. Returns the frame size in bytes.
func (s *stream) writeMessage(msg *Object) (int, error) {
	b, err := msg.MarshalJSON()
	if err != nil {
		return 0, err
	}
	s.out = append(s.out, b...)
	s.out = append(s.out, 0)
	if err := s.flush(); err != nil {
		return 0, err
	}
	return len(b) + 1, nil
}

// flush writes buffered bytes until done or the socket would block.
func (s *stream) flush() error {
	for len(s.out) > 0 {
		n, err := unix.Write(s.fd, s.out)
		if n > 0 {
			s.out = append(s.out[:0], s.out[n:]...)
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		case unix.EPIPE, unix.ECONNRESET:
			return wrapError(ErrConnectionClosed, err)
		default:
			return wrapError(ErrSendingMessage, err)
		}
	}
	return nil
}

// pendingWrite reports whether flush still has bytes to deliver.
func (s *stream) pendingWrite() bool {
	return len(s.out) > 0
}

func (s *stream) close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.in = nil
	s.out = nil
}
