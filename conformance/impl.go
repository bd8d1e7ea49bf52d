// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"golang.org/x/sys/unix"

	"github.com/ericonr/libvarlink/varlink"
)

// handlers carries the state shared by the conformance methods. A service
// is driven by a single event loop, so no locking is needed.
type handlers struct {
	notifications []string
}

// RegisterMethods registers the org.varlink.conformance interface and a
// handler for each of its methods on the service.
func RegisterMethods(service *varlink.Service) error {
	h := &handlers{}
	return service.AddInterface(InterfaceDescription,
		// Scalar echo
		varlink.BindFunc("EchoBool", h.echoBool),
		varlink.BindFunc("EchoInt", h.echoInt),
		varlink.BindFunc("EchoFloat", h.echoFloat),
		varlink.BindFunc("EchoString", h.echoString),

		// Aggregate echo
		varlink.BindFunc("EchoArray", h.echoArray),
		varlink.BindFunc("EchoObject", h.echoObject),
		varlink.BindFunc("Mirror", h.mirror),

		// Multi-parameter computation
		varlink.BindFunc("Sum", h.sum),

		// Streamed replies
		varlink.BindFunc("Sequence", h.sequence),

		// Oneway sink and readback
		varlink.BindFunc("Notify", h.notify),
		varlink.BindFunc("Notifications", h.listNotifications),

		// Peer credentials
		varlink.BindFunc("Peer", h.peer),

		// Error propagation
		varlink.BindFunc("Fail", h.fail),
		varlink.BindFunc("Hangup", h.hangup),
	)
}

// replyFailure sends the declared Failure error with the given code and
// message.
func replyFailure(call *varlink.Call, code int64, message string) error {
	p := varlink.NewObject()
	defer p.Release()
	if err := p.SetInt("code", code); err != nil {
		return err
	}
	if err := p.SetString("message", message); err != nil {
		return err
	}
	return call.ReplyError(ErrorFailure, p)
}

// --- Scalar echo ---

func (h *handlers) echoBool(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	v, err := parameters.GetBool("value")
	if err != nil {
		return call.ReplyInvalidParameter("value")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetBool("value", v); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func (h *handlers) echoInt(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	v, err := parameters.GetInt("value")
	if err != nil {
		return call.ReplyInvalidParameter("value")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetInt("value", v); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func (h *handlers) echoFloat(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	v, err := parameters.GetFloat("value")
	if err != nil {
		return call.ReplyInvalidParameter("value")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetFloat("value", v); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func (h *handlers) echoString(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	v, err := parameters.GetString("value")
	if err != nil {
		return call.ReplyInvalidParameter("value")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetString("value", v); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

// --- Aggregate echo ---

func (h *handlers) echoArray(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	values, err := parameters.GetArray("values")
	if err != nil {
		return call.ReplyInvalidParameter("values")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetArray("values", values); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func (h *handlers) echoObject(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	value, err := parameters.GetObject("value")
	if err != nil {
		return call.ReplyInvalidParameter("value")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetObject("value", value); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func (h *handlers) mirror(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	record, err := parameters.GetObject("record")
	if err != nil {
		return call.ReplyInvalidParameter("record")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetObject("record", record); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

// --- Multi-parameter computation ---

func (h *handlers) sum(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	terms, err := parameters.GetArray("terms")
	if err != nil {
		return call.ReplyInvalidParameter("terms")
	}
	var total int64
	for i := 0; i < terms.Len(); i++ {
		term, err := terms.GetInt(i)
		if err != nil {
			return call.ReplyInvalidParameter("terms")
		}
		total += term
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetInt("sum", total); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

// --- Streamed replies ---

func (h *handlers) sequence(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	count, err := parameters.GetInt("count")
	if err != nil || count < 1 || count > maxSequenceCount {
		return call.ReplyInvalidParameter("count")
	}
	if !call.WantsMore() {
		return call.ReplyError(ErrorExpectedMore, nil)
	}
	for i := int64(0); i < count; i++ {
		last := i == count-1
		out := varlink.NewObject()
		if err := out.SetInt("index", i); err != nil {
			out.Release()
			return err
		}
		if err := out.SetBool("done", last); err != nil {
			out.Release()
			return err
		}
		var replyFlags varlink.ReplyFlags
		if !last {
			replyFlags = varlink.ReplyContinues
		}
		err := call.Reply(out, replyFlags)
		out.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Oneway sink and readback ---

func (h *handlers) notify(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	message, err := parameters.GetString("message")
	if err != nil {
		return call.ReplyInvalidParameter("message")
	}
	h.notifications = append(h.notifications, message)
	return call.Reply(nil, 0)
}

func (h *handlers) listNotifications(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	messages := varlink.NewArray()
	defer messages.Release()
	for _, m := range h.notifications {
		if err := messages.AppendString(m); err != nil {
			return err
		}
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetArray("messages", messages); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

// --- Peer credentials ---

func (h *handlers) peer(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	cred, err := unix.GetsockoptUcred(call.ConnectionFd(), unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		// TCP sockets carry no peer credentials.
		return replyFailure(call, int64(unix.ENOTSUP), "peer credentials unavailable")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetInt("pid", int64(cred.Pid)); err != nil {
		return err
	}
	if err := out.SetInt("uid", int64(cred.Uid)); err != nil {
		return err
	}
	if err := out.SetInt("gid", int64(cred.Gid)); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

// --- Error propagation ---

func (h *handlers) fail(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	code, err := parameters.GetInt("code")
	if err != nil {
		return call.ReplyInvalidParameter("code")
	}
	message, err := parameters.GetString("message")
	if err != nil {
		return call.ReplyInvalidParameter("message")
	}
	return replyFailure(call, code, message)
}

func (h *handlers) hangup(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	// Returning an error from a handler drops the connection without a
	// reply, which is exactly what harnesses probe with this method.
	return &varlink.Error{Code: varlink.ErrConnectionClosed, Message: "hangup requested"}
}
