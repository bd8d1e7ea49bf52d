// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseObjectRoundTrip(t *testing.T) {
	// Field order is wire order, not sorted.
	text := `{"zebra":"z","apple":1,"nested":{"y":true,"x":null},"list":[1,2.5,"three",false,null]}`
	o, err := ParseObject(text)
	assert.Nil(t, err)
	defer o.Release()

	out, err := o.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, text, out)
}

func TestParseObjectNumberKinds(t *testing.T) {
	o, err := ParseObject(`{"int":42,"neg":-7,"max":9223372036854775807,"min":-9223372036854775808,"frac":1.5,"exp":1e2,"big":9223372036854775808}`)
	assert.Nil(t, err)
	defer o.Release()

	i, err := o.GetInt("int")
	assert.Nil(t, err)
	assert.Equal(t, int64(42), i)
	i, err = o.GetInt("neg")
	assert.Nil(t, err)
	assert.Equal(t, int64(-7), i)
	i, err = o.GetInt("max")
	assert.Nil(t, err)
	assert.Equal(t, int64(math.MaxInt64), i)
	i, err = o.GetInt("min")
	assert.Nil(t, err)
	assert.Equal(t, int64(math.MinInt64), i)

	// A fraction or exponent makes a Float, as does int64 overflow.
	f, err := o.GetFloat("frac")
	assert.Nil(t, err)
	assert.Equal(t, 1.5, f)
	f, err = o.GetFloat("exp")
	assert.Nil(t, err)
	assert.Equal(t, 100.0, f)
	_, err = o.GetFloat("big")
	assert.Nil(t, err)
	_, err = o.GetInt("big")
	assert.Equal(t, ErrInvalidType, CodeOf(err))
}

func TestParseObjectDuplicateField(t *testing.T) {
	// The last duplicate wins but the field keeps its first position.
	o, err := ParseObject(`{"a":1,"b":2,"a":"three"}`)
	assert.Nil(t, err)
	defer o.Release()

	assert.Equal(t, []string{"a", "b"}, o.Fields())
	s, err := o.GetString("a")
	assert.Nil(t, err)
	assert.Equal(t, "three", s)
}

func TestParseObjectRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"top-level array", `[1,2]`},
		{"top-level number", `42`},
		{"top-level string", `"hi"`},
		{"truncated", `{"a":`},
		{"unterminated string", `{"a":"b`},
		{"trailing data", `{} {}`},
		{"trailing garbage", `{}x`},
		{"bare word", `{a:1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, err := ParseObject(tc.text)
			assert.Nil(t, o)
			assert.Equal(t, ErrInvalidJson, CodeOf(err))
		})
	}
}

func TestParseObjectDepthLimit(t *testing.T) {
	depth := maxParseDepth + 8
	text := `{"v":` + strings.Repeat("[", depth) + strings.Repeat("]", depth) + `}`
	o, err := ParseObject(text)
	assert.Nil(t, o)
	assert.Equal(t, ErrInvalidJson, CodeOf(err))
}

func TestParseObjectUnicode(t *testing.T) {
	o, err := ParseObject(`{"text":"héllo 😀","plain":"héllo"}`)
	assert.Nil(t, err)
	defer o.Release()

	s, err := o.GetString("text")
	assert.Nil(t, err)
	assert.Equal(t, "héllo 😀", s)
	s, err = o.GetString("plain")
	assert.Nil(t, err)
	assert.Equal(t, "héllo", s)
}

func TestSerializeNonFiniteFloat(t *testing.T) {
	o := NewObject()
	defer o.Release()
	assert.Nil(t, o.SetFloat("nan", math.NaN()))

	_, err := o.ToJSON()
	assert.Equal(t, ErrInvalidJson, CodeOf(err))

	assert.Nil(t, o.SetFloat("nan", math.Inf(1)))
	_, err = o.ToJSON()
	assert.Equal(t, ErrInvalidJson, CodeOf(err))
}

func TestSerializeEmptyContainers(t *testing.T) {
	o := NewObject()
	defer o.Release()
	out, err := o.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, "{}", out)

	a := NewArray()
	defer a.Release()
	out, err = a.ToJSON()
	assert.Nil(t, err)
	assert.Equal(t, "[]", out)
}

func TestParseObjectKeepsEmptyContainers(t *testing.T) {
	o, err := ParseObject(`{"obj":{},"arr":[]}`)
	assert.Nil(t, err)
	defer o.Release()

	obj, err := o.GetObject("obj")
	assert.Nil(t, err)
	assert.Equal(t, 0, obj.Len())
	arr, err := o.GetArray("arr")
	assert.Nil(t, err)
	assert.Equal(t, 0, arr.Len())
}
