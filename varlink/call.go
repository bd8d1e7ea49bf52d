// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"context"
	"strings"
)

// callState tracks one call through its reply lifecycle.
type callState int

const (
	// callPending: dispatched, no reply frame written yet.
	callPending callState = iota
	// callReplying: one or more continues replies written, terminal owed.
	callReplying
	// callDone: terminal reply written.
	callDone
)

// Call is one method invocation received by a Service. The bound handler may
// reply from inside HandleCall or keep the Call and reply later from the
// event loop; the call stays valid until its terminal reply, or until its
// connection closes.
//
// A call made with CallMore accepts any number of replies carrying
// ReplyContinues followed by exactly one terminal reply; every other call
// accepts exactly one. On oneway calls the reply methods succeed without
// writing anything.
type Call struct {
	service *Service
	conn    *serviceConn // nil once the connection is gone

	method     string
	parameters *Object
	flags      CallFlags
	state      callState

	onConnClosed func(*Call)

	// dispatch hook bookkeeping
	ctx         context.Context
	token       HookToken
	info        DispatchInfo
	stats       *CallStatistics
	hookStarted bool
	hookDone    bool
}

// Method returns the fully qualified method name.
func (c *Call) Method() string {
	return c.method
}

// Service returns the service that dispatched the call.
func (c *Call) Service() *Service {
	return c.service
}

// Flags returns the call flags sent by the peer.
func (c *Call) Flags() CallFlags {
	return c.flags
}

// WantsMore reports whether the caller asked for a reply stream.
func (c *Call) WantsMore() bool {
	return c.flags&CallMore != 0
}

// ConnectionFd returns the descriptor of the connection that carried the
// call, or -1 once the connection is gone. Hosts use it for peer credential
// queries; the engine itself never interprets credentials.
func (c *Call) ConnectionFd() int {
	if c.conn == nil {
		return -1
	}
	return c.conn.stream.fd
}

// SetConnectionClosedHandler registers fn to run when the connection closes
// before the call's terminal reply. The handler must not reply.
func (c *Call) SetConnectionClosedHandler(fn func(*Call)) {
	c.onConnClosed = fn
}

// Reply sends one reply frame. ReplyContinues is only legal when the call
// was made with CallMore and keeps the call open for further replies; a
// reply without it is terminal. Replying after the terminal reply fails
// with InvalidCall.
func (c *Call) Reply(parameters *Object, flags ReplyFlags) error {
	return c.reply("", parameters, flags)
}

// ReplyError sends a terminal error reply. name must be a fully qualified
// error name such as "org.example.ping.PongError"; parameters carry the
// error's declared fields and may be nil.
func (c *Call) ReplyError(name string, parameters *Object) error {
	if !strings.Contains(name, ".") {
		return errorf(ErrInvalidIdentifier, "error name %q is not fully qualified", name)
	}
	return c.reply(name, parameters, 0)
}

// ReplyInvalidParameter sends the org.varlink.service.InvalidParameter
// error naming one rejected call parameter.
func (c *Call) ReplyInvalidParameter(parameter string) error {
	p := NewObject()
	defer p.Release()
	if err := p.SetString("parameter", parameter); err != nil {
		return err
	}
	return c.reply(ServiceErrorInvalidParameter, p, 0)
}

func (c *Call) reply(errorName string, parameters *Object, flags ReplyFlags) error {
	if c.flags&CallOneway != 0 {
		return nil
	}
	if c.state == callDone {
		return newError(ErrInvalidCall, "call already replied")
	}
	if flags&ReplyContinues != 0 && c.flags&CallMore == 0 {
		return newError(ErrInvalidCall, "continues reply to a call made without more")
	}
	conn := c.conn
	if conn == nil || conn.closed {
		return newError(ErrConnectionClosed, "connection is closed")
	}
	msg, err := packReply(errorName, parameters, flags)
	if err != nil {
		return err
	}
	n, err := conn.stream.writeMessage(msg)
	msg.Release()
	if err != nil {
		conn.service.closeConn(conn, err)
		return err
	}
	c.stats.recordOutput(n)
	if errorName != "" {
		c.info.ErrorName = errorName
	}
	if flags&ReplyContinues != 0 {
		c.state = callReplying
		conn.service.updateEvents(conn)
		return nil
	}
	c.state = callDone
	conn.finishCall(c)
	return nil
}

// release drops the call's hold on its parameters.
func (c *Call) release() {
	if c.parameters != nil {
		c.parameters = c.parameters.Release()
	}
}
