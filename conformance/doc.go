// Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

// Package conformance implements org.varlink.conformance, the fixture
// interface behind the protocol conformance suite. Its methods exercise
// every feature of the protocol: round-trips for each value kind, object
// passthrough with field order preserved, typed records, streamed
// replies, oneway calls, peer credentials and declared errors.
//
// The only entry point intended for external use is [RegisterMethods],
// which registers the interface on a [varlink.Service]. The same fixture
// is exposed as a standalone server by cmd/varlink-conformance-go, which
// protocol harnesses in other languages run against.
package conformance
