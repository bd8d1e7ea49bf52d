// Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

// Package varlink implements the varlink IPC protocol: services expose
// typed methods described in a small interface definition language, and
// clients call them over a stream socket using NUL-terminated JSON
// message frames.
//
// A call frame is {"method": string, "parameters"?: object, "more"?: bool,
// "oneway"?: bool}; a reply frame is {"parameters"?: object, "error"?:
// string, "continues"?: bool}. A call flagged more receives an ordered
// stream of replies, each flagged continues except the last; a call
// flagged oneway receives none.
//
// # Values
//
// Parameters and results travel as dynamic JSON trees built from [Object]
// and [Array], tagged unions of null, bool, int64, float64, string and
// nested containers. Both are shared by reference counting: Retain takes
// a reference, Release drops one and returns nil so a handle can be
// overwritten in one statement. Containers take their own reference on
// values stored into them; getters return borrowed handles. Trees decoded
// off the wire are sealed: mutating them fails with ReadOnly.
//
// # Services
//
// [NewService] binds a listening socket and registers interfaces from IDL
// text with [Service.AddInterface], binding each declared method to a
// [MethodHandler]. Every service implements org.varlink.service, the
// introspection interface clients use to discover interfaces and fetch
// their descriptions. A handler replies through the [Call] it receives,
// immediately or later, once ([Call.Reply]), many times for a more call
// (ReplyContinues), or with a named error ([Call.ReplyError]).
//
// # Clients
//
// [Connect] opens a [Connection]. [Connection.Call] pipelines calls;
// replies are matched to their calls in FIFO order and delivered to each
// call's [ReplyHandler].
//
// # Event loop integration
//
// Neither side blocks or starts goroutines. A Service exposes one
// descriptor via [Service.Fd]; the host polls it for readability and
// calls [Service.ProcessEvents]. A Connection exposes [Connection.Fd] and
// [Connection.Events]; the host polls with that mask and passes the
// observed events to [Connection.ProcessEvents]. Addresses take the forms
// "unix:/run/org.example.ping", "unix:@abstract" and "tcp:127.0.0.1:4999".
//
// # Errors
//
// Fallible operations return [*Error] carrying one [ErrorCode] from a
// closed set with stable identifier strings ("InvalidInterface",
// "ConnectionClosed", ...). Transport failures close only the connection
// they occurred on; routing failures become wire-level error replies;
// contract violations such as replying twice fail with InvalidCall. Use
// [CodeOf] or errors.Is with [ErrVarlink] to classify.
//
// # Protocol reference
//
// The protocol is documented at https://varlink.org.
package varlink
