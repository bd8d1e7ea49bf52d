// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackCall(t *testing.T) {
	msg, err := packCall("org.example.test.Ping", nil, 0)
	assert.Nil(t, err)
	out, err := msg.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, `{"method":"org.example.test.Ping"}`, out)
	msg.Release()

	parameters := NewObject()
	defer parameters.Release()
	assert.Nil(t, parameters.SetString("ping", "hello"))

	msg, err = packCall("org.example.test.Ping", parameters, CallMore)
	assert.Nil(t, err)
	out, err = msg.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, `{"method":"org.example.test.Ping","parameters":{"ping":"hello"},"more":true}`, out)
	msg.Release()

	msg, err = packCall("org.example.test.Ping", parameters, CallOneway)
	assert.Nil(t, err)
	out, err = msg.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, `{"method":"org.example.test.Ping","parameters":{"ping":"hello"},"oneway":true}`, out)
	msg.Release()
}

func TestUnpackCall(t *testing.T) {
	msg, err := ParseObject(`{"method":"org.example.test.Ping","parameters":{"ping":"hello"},"more":true}`)
	assert.Nil(t, err)
	defer msg.Release()

	method, parameters, flags, err := unpackCall(msg)
	assert.Nil(t, err)
	assert.Equal(t, "org.example.test.Ping", method)
	assert.Equal(t, CallMore, flags)
	ping, err := parameters.GetString("ping")
	assert.Nil(t, err)
	assert.Equal(t, "hello", ping)
	parameters.Release()
}

func TestUnpackCallWithoutParameters(t *testing.T) {
	msg, err := ParseObject(`{"method":"org.example.test.Ping"}`)
	assert.Nil(t, err)
	defer msg.Release()

	method, parameters, flags, err := unpackCall(msg)
	assert.Nil(t, err)
	assert.Equal(t, "org.example.test.Ping", method)
	assert.Equal(t, CallFlags(0), flags)
	// Absent parameters come back as an empty read-only object.
	assert.Equal(t, 0, parameters.Len())
	assert.Equal(t, ErrReadOnly, CodeOf(parameters.SetInt("x", 1)))
	parameters.Release()
}

func TestUnpackCallRejectsBadEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"no method", `{"parameters":{}}`},
		{"method not a string", `{"method":7}`},
		{"parameters not an object", `{"method":"a.b.C","parameters":[1]}`},
		{"oneway not a bool", `{"method":"a.b.C","oneway":"yes"}`},
		{"more not a bool", `{"method":"a.b.C","more":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseObject(tc.text)
			assert.Nil(t, err)
			defer msg.Release()

			_, _, _, err = unpackCall(msg)
			assert.Equal(t, ErrInvalidMessage, CodeOf(err))
		})
	}
}

func TestPackReply(t *testing.T) {
	parameters := NewObject()
	defer parameters.Release()
	assert.Nil(t, parameters.SetInt("value", 3))

	msg, err := packReply("", parameters, 0)
	assert.Nil(t, err)
	out, err := msg.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, `{"parameters":{"value":3}}`, out)
	msg.Release()

	msg, err = packReply("", parameters, ReplyContinues)
	assert.Nil(t, err)
	out, err = msg.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, `{"parameters":{"value":3},"continues":true}`, out)
	msg.Release()

	msg, err = packReply("org.example.test.Broken", nil, 0)
	assert.Nil(t, err)
	out, err = msg.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, `{"error":"org.example.test.Broken"}`, out)
	msg.Release()
}

func TestUnpackReply(t *testing.T) {
	msg, err := ParseObject(`{"parameters":{"value":3},"continues":true}`)
	assert.Nil(t, err)
	errorName, parameters, flags, err := unpackReply(msg)
	assert.Nil(t, err)
	assert.Equal(t, "", errorName)
	assert.Equal(t, ReplyContinues, flags)
	v, err := parameters.GetInt("value")
	assert.Nil(t, err)
	assert.Equal(t, int64(3), v)
	parameters.Release()
	msg.Release()

	msg, err = ParseObject(`{"error":"org.example.test.Broken","parameters":{"reason":"x"}}`)
	assert.Nil(t, err)
	errorName, parameters, flags, err = unpackReply(msg)
	assert.Nil(t, err)
	assert.Equal(t, "org.example.test.Broken", errorName)
	assert.Equal(t, ReplyFlags(0), flags)
	reason, err := parameters.GetString("reason")
	assert.Nil(t, err)
	assert.Equal(t, "x", reason)
	parameters.Release()
	msg.Release()

	// A bare reply is a success with empty parameters.
	msg, err = ParseObject(`{}`)
	assert.Nil(t, err)
	errorName, parameters, flags, err = unpackReply(msg)
	assert.Nil(t, err)
	assert.Equal(t, "", errorName)
	assert.Equal(t, ReplyFlags(0), flags)
	assert.Equal(t, 0, parameters.Len())
	parameters.Release()
	msg.Release()
}

func TestUnpackReplyRejectsBadEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"error not a string", `{"error":7}`},
		{"parameters not an object", `{"parameters":"x"}`},
		{"continues not a bool", `{"continues":"yes"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseObject(tc.text)
			assert.Nil(t, err)
			defer msg.Release()

			_, _, _, err = unpackReply(msg)
			assert.Equal(t, ErrInvalidMessage, CodeOf(err))
		})
	}
}
