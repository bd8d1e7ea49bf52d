// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

// CallFlags modify how one call is issued and replied to.
type CallFlags uint64

const (
	// CallMore entitles the call to a stream of replies: any number marked
	// with ReplyContinues, then exactly one without.
	CallMore CallFlags = 1 << iota
	// CallOneway suppresses the reply entirely.
	CallOneway
)

// ReplyFlags qualify one reply frame.
type ReplyFlags uint64

// ReplyContinues marks a non-terminal reply to a call made with CallMore.
const ReplyContinues ReplyFlags = 1

// Error names of the org.varlink.service interface, sent as wire-level
// error replies by every service.
const (
	ServiceErrorInterfaceNotFound    = "org.varlink.service.InterfaceNotFound"
	ServiceErrorMethodNotFound       = "org.varlink.service.MethodNotFound"
	ServiceErrorMethodNotImplemented = "org.varlink.service.MethodNotImplemented"
	ServiceErrorInvalidParameter     = "org.varlink.service.InvalidParameter"
)

// packCall builds a call envelope. parameters may be nil; the envelope takes
// its own reference otherwise.
func packCall(method string, parameters *Object, flags CallFlags) (*Object, error) {
	msg := NewObject()
	if err := msg.SetString("method", method); err != nil {
		msg.Release()
		return nil, err
	}
	if parameters != nil {
		if err := msg.SetObject("parameters", parameters); err != nil {
			msg.Release()
			return nil, err
		}
	}
	if flags&CallOneway != 0 {
		if err := msg.SetBool("oneway", true); err != nil {
			msg.Release()
			return nil, err
		}
	}
	if flags&CallMore != 0 {
		if err := msg.SetBool("more", true); err != nil {
			msg.Release()
			return nil, err
		}
	}
	return msg, nil
}

// unpackCall validates a received call envelope and extracts its parts. The
// returned parameters are a retained handle: either the envelope's sealed
// parameters object or a fresh empty one when the field is absent.
func unpackCall(msg *Object) (method string, parameters *Object, flags CallFlags, err error) {
	method, err = msg.GetString("method")
	if err != nil {
		return "", nil, 0, newError(ErrInvalidMessage, "call carries no method")
	}
	parameters, err = envelopeParameters(msg)
	if err != nil {
		return "", nil, 0, err
	}
	oneway, err := envelopeFlag(msg, "oneway")
	if err != nil {
		parameters.Release()
		return "", nil, 0, err
	}
	if oneway {
		flags |= CallOneway
	}
	more, err := envelopeFlag(msg, "more")
	if err != nil {
		parameters.Release()
		return "", nil, 0, err
	}
	if more {
		flags |= CallMore
	}
	return method, parameters, flags, nil
}

// packReply builds a reply envelope. A non-empty errorName makes it an error
// reply.
func packReply(errorName string, parameters *Object, flags ReplyFlags) (*Object, error) {
	msg := NewObject()
	if errorName != "" {
		if err := msg.SetString("error", errorName); err != nil {
			msg.Release()
			return nil, err
		}
	}
	if parameters != nil {
		if err := msg.SetObject("parameters", parameters); err != nil {
			msg.Release()
			return nil, err
		}
	}
	if flags&ReplyContinues != 0 {
		if err := msg.SetBool("continues", true); err != nil {
			msg.Release()
			return nil, err
		}
	}
	return msg, nil
}

// unpackReply validates a received reply envelope. errorName is empty for
// success replies; parameters follow the unpackCall convention.
func unpackReply(msg *Object) (errorName string, parameters *Object, flags ReplyFlags, err error) {
	errorName, err = msg.GetString("error")
	if err != nil {
		if CodeOf(err) != ErrUnknownField {
			return "", nil, 0, newError(ErrInvalidMessage, "reply error name is not a string")
		}
		errorName = ""
	}
	parameters, err = envelopeParameters(msg)
	if err != nil {
		return "", nil, 0, err
	}
	continues, err := envelopeFlag(msg, "continues")
	if err != nil {
		parameters.Release()
		return "", nil, 0, err
	}
	if continues {
		flags |= ReplyContinues
	}
	return errorName, parameters, flags, nil
}

func envelopeParameters(msg *Object) (*Object, error) {
	parameters, err := msg.GetObject("parameters")
	switch CodeOf(err) {
	case 0:
		return parameters.Retain(), nil
	case ErrUnknownField:
		parameters = NewObject()
		parameters.seal()
		return parameters, nil
	default:
		return nil, newError(ErrInvalidMessage, "parameters is not an object")
	}
}

func envelopeFlag(msg *Object, name string) (bool, error) {
	v, err := msg.GetBool(name)
	if err != nil {
		if CodeOf(err) == ErrUnknownField {
			return false, nil
		}
		return false, errorf(ErrInvalidMessage, "%s is not a bool", name)
	}
	return v, nil
}
