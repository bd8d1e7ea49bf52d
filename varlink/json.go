// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// maxParseDepth bounds container nesting during parse so a hostile frame
// cannot exhaust the stack.
const maxParseDepth = 512

// ParseObject parses a single JSON object from text. Field order is
// preserved. Numbers without a fraction or exponent that fit in int64 become
// Int values, everything else Float. A duplicate field overwrites the earlier
// value in place, like calling a setter twice. Any syntax problem, a
// top-level value that is not an object, or trailing data fails with
// InvalidJson.
func ParseObject(text string) (*Object, error) {
	return parseObjectBytes([]byte(text))
}

func parseObjectBytes(data []byte) (*Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, errorf(ErrInvalidJson, "%v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, newError(ErrInvalidJson, "top-level value is not an object")
	}
	o, err := parseObjectBody(dec, 1)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		o.Release()
		return nil, newError(ErrInvalidJson, "trailing data after object")
	}
	return o, nil
}

// parseObjectBody consumes tokens up to and including the closing brace. The
// opening brace has already been read.
func parseObjectBody(dec *json.Decoder, depth int) (*Object, error) {
	if depth > maxParseDepth {
		return nil, newError(ErrInvalidJson, "nesting too deep")
	}
	o := NewObject()
	for {
		tok, err := dec.Token()
		if err != nil {
			o.Release()
			return nil, errorf(ErrInvalidJson, "%v", err)
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return o, nil
		}
		name, ok := tok.(string)
		if !ok {
			o.Release()
			return nil, newError(ErrInvalidJson, "object field name is not a string")
		}
		v, err := parseValue(dec, depth)
		if err != nil {
			o.Release()
			return nil, err
		}
		err = o.set(name, v)
		v.release()
		if err != nil {
			o.Release()
			return nil, err
		}
	}
}

// parseArrayBody consumes tokens up to and including the closing bracket.
func parseArrayBody(dec *json.Decoder, depth int) (*Array, error) {
	if depth > maxParseDepth {
		return nil, newError(ErrInvalidJson, "nesting too deep")
	}
	a := NewArray()
	for {
		if !dec.More() {
			tok, err := dec.Token()
			if err != nil {
				a.Release()
				return nil, errorf(ErrInvalidJson, "%v", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != ']' {
				a.Release()
				return nil, newError(ErrInvalidJson, "unterminated array")
			}
			return a, nil
		}
		v, err := parseValue(dec, depth)
		if err != nil {
			a.Release()
			return nil, err
		}
		err = a.append(v)
		v.release()
		if err != nil {
			a.Release()
			return nil, err
		}
	}
}

// parseValue reads one complete value. Containers come back holding one
// reference that the caller owns; set/append take their own, so the caller
// releases afterwards.
func parseValue(dec *json.Decoder, depth int) (value, error) {
	tok, err := dec.Token()
	if err != nil {
		return value{}, errorf(ErrInvalidJson, "%v", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			o, err := parseObjectBody(dec, depth+1)
			if err != nil {
				return value{}, err
			}
			return value{kind: KindObject, obj: o}, nil
		case '[':
			a, err := parseArrayBody(dec, depth+1)
			if err != nil {
				return value{}, err
			}
			return value{kind: KindArray, arr: a}, nil
		}
		return value{}, errorf(ErrInvalidJson, "unexpected %q", t.String())
	case bool:
		return value{kind: KindBool, b: t}, nil
	case string:
		return value{kind: KindString, s: t}, nil
	case json.Number:
		return numberValue(t)
	case nil:
		return value{kind: KindNull}, nil
	}
	return value{}, newError(ErrInvalidJson, "unexpected token")
}

func numberValue(n json.Number) (value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value{kind: KindInt, i: i}, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return value{}, errorf(ErrInvalidJson, "number %q: %v", s, err)
	}
	return value{kind: KindFloat, f: f}, nil
}

// ToJSON serializes the object to compact JSON text, fields in insertion
// order.
func (o *Object) ToJSON() (string, error) {
	b, err := o.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MarshalJSON implements json.Marshaler.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *Object) writeJSON(buf *bytes.Buffer) error {
	o.assertLive()
	buf.WriteByte('{')
	for i := range o.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(buf, o.fields[i].name); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := o.fields[i].val.writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// ToJSON serializes the array to compact JSON text.
func (a *Array) ToJSON() (string, error) {
	b, err := a.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MarshalJSON implements json.Marshaler.
func (a *Array) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Array) writeJSON(buf *bytes.Buffer) error {
	a.assertLive()
	buf.WriteByte('[')
	for i := range a.elements {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := a.elements[i].writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func (v *value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindInt:
		buf.Write(strconv.AppendInt(nil, v.i, 10))
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return errorf(ErrInvalidJson, "float %v has no JSON representation", v.f)
		}
		b, err := json.Marshal(v.f)
		if err != nil {
			return errorf(ErrInvalidJson, "%v", err)
		}
		buf.Write(b)
	case KindString:
		return writeJSONString(buf, v.s)
	case KindArray:
		return v.arr.writeJSON(buf)
	case KindObject:
		return v.obj.writeJSON(buf)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errorf(ErrInvalidJson, "%v", err)
	}
	buf.Write(b)
	return nil
}
