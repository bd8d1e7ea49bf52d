// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// connState tracks the client connection lifecycle.
type connState int

const (
	connConnecting connState = iota
	connOpen
	connClosed
)

// ReplyHandler consumes the replies to one call. errorName is empty for
// success replies; parameters is borrowed and sealed read-only. A non-nil
// return tears the connection down. For a call made with CallMore the
// handler runs once per reply, with ReplyContinues set on every reply
// except the terminal one.
type ReplyHandler interface {
	HandleReply(conn *Connection, errorName string, parameters *Object, flags ReplyFlags) error
}

// ReplyFunc adapts a function to the ReplyHandler interface.
type ReplyFunc func(conn *Connection, errorName string, parameters *Object, flags ReplyFlags) error

func (f ReplyFunc) HandleReply(conn *Connection, errorName string, parameters *Object, flags ReplyFlags) error {
	return f(conn, errorName, parameters, flags)
}

// ReplyErrorConnectionClosed is the synthetic error name delivered to every
// pending reply handler when the connection goes away before its terminal
// reply. It is generated locally, never sent on the wire.
const ReplyErrorConnectionClosed = "ConnectionClosed"

// pendingCall is one slot in the FIFO queue of calls awaiting replies.
type pendingCall struct {
	handler ReplyHandler
	more    bool
}

// Connection is the client side of the engine: it pipelines calls over one
// socket and matches replies to them in FIFO order.
//
// Like Service it never blocks and runs no goroutines. The host loop polls
// Fd with the mask Events returns and calls ProcessEvents with the events
// it observed; all methods must be called from that single goroutine.
type Connection struct {
	stream   *stream
	state    connState
	pending  []pendingCall
	onClosed func()
}

// Connect opens a non-blocking connection to address. A connect still in
// progress when Connect returns is completed asynchronously: the
// connection stays in a connecting state, surfaces writable interest, and
// ProcessEvents reports CannotConnect if the connect ultimately fails.
// Calls may be issued immediately; they are queued until the socket opens.
func Connect(address string) (*Connection, error) {
	fd, connecting, err := connectAddress(address)
	if err != nil {
		return nil, err
	}
	state := connOpen
	if connecting {
		state = connConnecting
	}
	return &Connection{stream: newStream(fd), state: state}, nil
}

// Call sends one method call. method is fully qualified
// ("org.example.ping.Ping"). parameters may be nil. Unless CallOneway is
// set, reply joins the FIFO queue and receives every reply to this call; a
// nil reply drops the replies on arrival. CallMore together with
// CallOneway fails with InvalidCall.
func (c *Connection) Call(method string, parameters *Object, flags CallFlags, reply ReplyHandler) error {
	if c.state == connClosed {
		return newError(ErrConnectionClosed, "connection is closed")
	}
	if flags&CallMore != 0 && flags&CallOneway != 0 {
		return newError(ErrInvalidCall, "oneway call cannot ask for more replies")
	}
	if _, _, err := splitMethodName(method); err != nil {
		return err
	}
	msg, err := packCall(method, parameters, flags)
	if err != nil {
		return err
	}
	_, err = c.stream.writeMessage(msg)
	msg.Release()
	if err != nil {
		c.teardown()
		return err
	}
	if flags&CallOneway == 0 {
		c.pending = append(c.pending, pendingCall{handler: reply, more: flags&CallMore != 0})
	}
	return nil
}

// Fd returns the connection's socket descriptor for the host poll loop, or
// -1 once closed.
func (c *Connection) Fd() int {
	return c.stream.fd
}

// Events returns the epoll interest mask the host loop should poll Fd
// with: readable while open, writable while connecting or while a blocked
// write is owed.
func (c *Connection) Events() uint32 {
	switch c.state {
	case connClosed:
		return 0
	case connConnecting:
		return unix.EPOLLOUT
	}
	events := uint32(unix.EPOLLIN)
	if c.stream.pendingWrite() {
		events |= unix.EPOLLOUT
	}
	return events
}

// ProcessEvents completes an in-progress connect, resumes blocked writes,
// reads available bytes and delivers buffered replies. events is the mask
// the host loop observed on Fd. Errors other than a reply handler's own
// failure mean the connection has been torn down.
func (c *Connection) ProcessEvents(events uint32) error {
	if c.state == connClosed {
		return newError(ErrConnectionClosed, "connection is closed")
	}
	if c.state == connConnecting {
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) == 0 {
			return nil
		}
		soErr, err := unix.GetsockoptInt(c.stream.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr != 0 {
			err = unix.Errno(soErr)
		}
		if err != nil {
			c.teardown()
			return wrapError(ErrCannotConnect, err)
		}
		c.state = connOpen
	}
	if events&unix.EPOLLOUT != 0 {
		if err := c.stream.flush(); err != nil {
			c.teardown()
			return err
		}
	}
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if err := c.stream.fill(); err != nil {
			c.teardown()
			return err
		}
	}
	return c.deliverReplies()
}

// deliverReplies dispatches buffered reply frames in FIFO order, then
// handles a drained EOF.
func (c *Connection) deliverReplies() error {
	for c.state == connOpen {
		msg, _, err := c.stream.readMessage()
		if err != nil {
			c.teardown()
			return err
		}
		if msg == nil {
			break
		}
		errorName, parameters, flags, err := unpackReply(msg)
		msg.Release()
		if err != nil {
			c.teardown()
			return err
		}
		err = c.deliverReply(errorName, parameters, flags)
		parameters.Release()
		if err != nil {
			c.teardown()
			return err
		}
	}
	if c.state == connOpen && c.stream.hup && !c.stream.hasBufferedFrame() {
		c.teardown()
		return newError(ErrConnectionClosed, "peer closed connection")
	}
	return nil
}

// deliverReply hands one reply to the queue head. A call made with more
// stays at the head until its terminal reply.
func (c *Connection) deliverReply(errorName string, parameters *Object, flags ReplyFlags) error {
	if len(c.pending) == 0 {
		return newError(ErrInvalidMessage, "reply without a pending call")
	}
	head := c.pending[0]
	if flags&ReplyContinues != 0 && !head.more {
		return newError(ErrInvalidMessage, "continues reply to a call made without more")
	}
	if flags&ReplyContinues == 0 {
		c.pending = c.pending[1:]
	}
	if head.handler == nil {
		return nil
	}
	return head.handler.HandleReply(c, errorName, parameters, flags)
}

// teardown closes the socket and drains the pending queue in FIFO order,
// invoking each remaining handler once with ReplyErrorConnectionClosed,
// then fires the connection-level closed handler. Idempotent.
func (c *Connection) teardown() {
	if c.state == connClosed {
		return
	}
	c.state = connClosed
	c.stream.close()

	pending := c.pending
	c.pending = nil
	for _, p := range pending {
		if p.handler == nil {
			continue
		}
		empty := NewObject()
		empty.seal()
		if err := p.handler.HandleReply(c, ReplyErrorConnectionClosed, empty, 0); err != nil {
			slog.Debug("reply handler failed during teardown", "err", err)
		}
		empty.Release()
	}
	if c.onClosed != nil {
		c.onClosed()
	}
}

// Close tears down the connection, notifying every pending call.
func (c *Connection) Close() {
	c.teardown()
}

// IsClosed reports whether the connection has been torn down.
func (c *Connection) IsClosed() bool {
	return c.state == connClosed
}

// SetClosedHandler registers fn to run once when the connection closes,
// after the pending queue has been drained.
func (c *Connection) SetClosedHandler(fn func()) {
	c.onClosed = fn
}
