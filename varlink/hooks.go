// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import "context"

// DispatchHook provides observability callpoints around call dispatch.
// Implementations must be safe for concurrent use when one hook instance
// serves several services.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries call metadata passed to hooks.
type DispatchInfo struct {
	Method       string // fully qualified method name
	Interface    string // interface part of the method name
	ConnectionID string // stable identifier of the client connection
	More         bool   // caller asked for a reply stream
	Oneway       bool   // caller suppressed the reply

	// ErrorName is the wire error name of the terminal reply, or empty for
	// success. Filled only for OnDispatchEnd.
	ErrorName string
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	Replies     int64 // reply frames written for this call
	InputBytes  int64 // wire size of the call frame
	OutputBytes int64 // total wire size of all reply frames
}

// recordInput records the received call frame size.
func (s *CallStatistics) recordInput(frameBytes int) {
	s.InputBytes += int64(frameBytes)
}

// recordOutput records one written reply frame.
func (s *CallStatistics) recordOutput(frameBytes int) {
	s.Replies++
	s.OutputBytes += int64(frameBytes)
}
