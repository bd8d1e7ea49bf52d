// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import "sync/atomic"

// Kind identifies the JSON kind stored in an Object field or Array element.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// value is one tagged slot inside an Object or Array.
type value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  *Array
	obj  *Object
}

// retain takes a reference on the contained subtree, if any.
func (v *value) retain() {
	switch v.kind {
	case KindArray:
		v.arr.Retain()
	case KindObject:
		v.obj.Retain()
	}
}

// release drops the reference on the contained subtree, if any.
func (v *value) release() {
	switch v.kind {
	case KindArray:
		v.arr.Release()
	case KindObject:
		v.obj.Release()
	}
	*v = value{}
}

func (v *value) seal() {
	switch v.kind {
	case KindArray:
		v.arr.seal()
	case KindObject:
		v.obj.seal()
	}
}

// Object is a JSON object: a set of uniquely named fields holding values of
// any JSON kind, with insertion order preserved for serialization.
//
// Objects are shared by reference counting, following the Retain/Release
// convention: Retain takes an additional reference, Release drops one and
// returns nil so callers can overwrite their handle in one statement. When
// the count reaches zero the object releases its children and becomes dead;
// any further use panics.
type Object struct {
	refs   atomic.Int64
	fields []objectField
	index  map[string]int
	sealed bool
}

type objectField struct {
	name string
	val  value
}

// NewObject creates an empty mutable Object with one reference held by the
// caller.
func NewObject() *Object {
	o := &Object{index: make(map[string]int)}
	o.refs.Store(1)
	return o
}

func (o *Object) assertLive() {
	if o.refs.Load() <= 0 {
		panic("varlink: use of released Object")
	}
}

// Retain takes an additional reference and returns the same handle.
func (o *Object) Retain() *Object {
	o.assertLive()
	o.refs.Add(1)
	return o
}

// Release drops one reference and returns nil. The last release frees the
// object's storage and releases all child containers. Releasing more times
// than Retain was called panics.
func (o *Object) Release() *Object {
	if o == nil {
		return nil
	}
	switch n := o.refs.Add(-1); {
	case n == 0:
		for i := range o.fields {
			o.fields[i].val.release()
		}
		o.fields = nil
		o.index = nil
	case n < 0:
		panic("varlink: too many releases of Object")
	}
	return nil
}

func (o *Object) seal() {
	o.sealed = true
	for i := range o.fields {
		o.fields[i].val.seal()
	}
}

// Len returns the number of fields.
func (o *Object) Len() int {
	o.assertLive()
	return len(o.fields)
}

// Fields returns the field names in insertion order.
func (o *Object) Fields() []string {
	o.assertLive()
	names := make([]string, len(o.fields))
	for i := range o.fields {
		names[i] = o.fields[i].name
	}
	return names
}

// field returns the value stored under name, or UnknownField.
func (o *Object) field(name string) (*value, error) {
	o.assertLive()
	i, ok := o.index[name]
	if !ok {
		return nil, errorf(ErrUnknownField, "no field %q", name)
	}
	return &o.fields[i].val, nil
}

func (o *Object) typedField(name string, kind Kind) (*value, error) {
	v, err := o.field(name)
	if err != nil {
		return nil, err
	}
	if v.kind != kind {
		return nil, errorf(ErrInvalidType, "field %q", name)
	}
	return v, nil
}

// GetBool returns the bool stored under name. A missing field fails with
// UnknownField, any other kind (including explicit null) with InvalidType.
func (o *Object) GetBool(name string) (bool, error) {
	v, err := o.typedField(name, KindBool)
	if err != nil {
		return false, err
	}
	return v.b, nil
}

// GetInt returns the int64 stored under name.
func (o *Object) GetInt(name string) (int64, error) {
	v, err := o.typedField(name, KindInt)
	if err != nil {
		return 0, err
	}
	return v.i, nil
}

// GetFloat returns the float64 stored under name.
func (o *Object) GetFloat(name string) (float64, error) {
	v, err := o.typedField(name, KindFloat)
	if err != nil {
		return 0, err
	}
	return v.f, nil
}

// GetString returns the string stored under name.
func (o *Object) GetString(name string) (string, error) {
	v, err := o.typedField(name, KindString)
	if err != nil {
		return "", err
	}
	return v.s, nil
}

// GetArray returns the array stored under name. The returned handle is
// borrowed; Retain it to keep it beyond the parent's lifetime.
func (o *Object) GetArray(name string) (*Array, error) {
	v, err := o.typedField(name, KindArray)
	if err != nil {
		return nil, err
	}
	return v.arr, nil
}

// GetObject returns the object stored under name. The returned handle is
// borrowed; Retain it to keep it beyond the parent's lifetime.
func (o *Object) GetObject(name string) (*Object, error) {
	v, err := o.typedField(name, KindObject)
	if err != nil {
		return nil, err
	}
	return v.obj, nil
}

// set replaces the value under name, keeping the field's insertion position,
// or appends a new field.
func (o *Object) set(name string, v value) error {
	o.assertLive()
	if o.sealed {
		return errorf(ErrReadOnly, "object is read-only")
	}
	v.retain()
	if i, ok := o.index[name]; ok {
		o.fields[i].val.release()
		o.fields[i].val = v
		return nil
	}
	o.index[name] = len(o.fields)
	o.fields = append(o.fields, objectField{name: name, val: v})
	return nil
}

// SetNull stores an explicit JSON null under name. A null field is present
// (it appears in Fields) but matches no typed getter.
func (o *Object) SetNull(name string) error {
	return o.set(name, value{kind: KindNull})
}

// SetBool stores a bool under name.
func (o *Object) SetBool(name string, b bool) error {
	return o.set(name, value{kind: KindBool, b: b})
}

// SetInt stores an int64 under name.
func (o *Object) SetInt(name string, i int64) error {
	return o.set(name, value{kind: KindInt, i: i})
}

// SetFloat stores a float64 under name.
func (o *Object) SetFloat(name string, f float64) error {
	return o.set(name, value{kind: KindFloat, f: f})
}

// SetString stores a string under name.
func (o *Object) SetString(name string, s string) error {
	return o.set(name, value{kind: KindString, s: s})
}

// SetArray stores an array under name. The object takes its own reference;
// the caller keeps the one it holds.
func (o *Object) SetArray(name string, a *Array) error {
	a.assertLive()
	return o.set(name, value{kind: KindArray, arr: a})
}

// SetObject stores a nested object under name. The object takes its own
// reference; the caller keeps the one it holds.
func (o *Object) SetObject(name string, nested *Object) error {
	nested.assertLive()
	return o.set(name, value{kind: KindObject, obj: nested})
}

// Array is an ordered JSON array. Elements are appended through typed
// writers and read back by bounds-checked index. Arrays share the
// Retain/Release ownership convention of Object.
type Array struct {
	refs     atomic.Int64
	elements []value
	sealed   bool
}

// NewArray creates an empty mutable Array with one reference held by the
// caller.
func NewArray() *Array {
	a := &Array{}
	a.refs.Store(1)
	return a
}

func (a *Array) assertLive() {
	if a.refs.Load() <= 0 {
		panic("varlink: use of released Array")
	}
}

// Retain takes an additional reference and returns the same handle.
func (a *Array) Retain() *Array {
	a.assertLive()
	a.refs.Add(1)
	return a
}

// Release drops one reference and returns nil, freeing the array and
// releasing its children when the count reaches zero.
func (a *Array) Release() *Array {
	if a == nil {
		return nil
	}
	switch n := a.refs.Add(-1); {
	case n == 0:
		for i := range a.elements {
			a.elements[i].release()
		}
		a.elements = nil
	case n < 0:
		panic("varlink: too many releases of Array")
	}
	return nil
}

func (a *Array) seal() {
	a.sealed = true
	for i := range a.elements {
		a.elements[i].seal()
	}
}

// Len returns the number of elements.
func (a *Array) Len() int {
	a.assertLive()
	return len(a.elements)
}

func (a *Array) element(i int, kind Kind) (*value, error) {
	a.assertLive()
	if i < 0 || i >= len(a.elements) {
		return nil, errorf(ErrInvalidIndex, "index %d out of range [0:%d]", i, len(a.elements))
	}
	v := &a.elements[i]
	if v.kind != kind {
		return nil, errorf(ErrInvalidType, "element %d", i)
	}
	return v, nil
}

// GetBool returns the bool at index i.
func (a *Array) GetBool(i int) (bool, error) {
	v, err := a.element(i, KindBool)
	if err != nil {
		return false, err
	}
	return v.b, nil
}

// GetInt returns the int64 at index i.
func (a *Array) GetInt(i int) (int64, error) {
	v, err := a.element(i, KindInt)
	if err != nil {
		return 0, err
	}
	return v.i, nil
}

// GetFloat returns the float64 at index i.
func (a *Array) GetFloat(i int) (float64, error) {
	v, err := a.element(i, KindFloat)
	if err != nil {
		return 0, err
	}
	return v.f, nil
}

// GetString returns the string at index i.
func (a *Array) GetString(i int) (string, error) {
	v, err := a.element(i, KindString)
	if err != nil {
		return "", err
	}
	return v.s, nil
}

// GetArray returns the array at index i (borrowed).
func (a *Array) GetArray(i int) (*Array, error) {
	v, err := a.element(i, KindArray)
	if err != nil {
		return nil, err
	}
	return v.arr, nil
}

// GetObject returns the object at index i (borrowed).
func (a *Array) GetObject(i int) (*Object, error) {
	v, err := a.element(i, KindObject)
	if err != nil {
		return nil, err
	}
	return v.obj, nil
}

func (a *Array) append(v value) error {
	a.assertLive()
	if a.sealed {
		return errorf(ErrReadOnly, "array is read-only")
	}
	v.retain()
	a.elements = append(a.elements, v)
	return nil
}

// AppendNull appends an explicit JSON null.
func (a *Array) AppendNull() error {
	return a.append(value{kind: KindNull})
}

// AppendBool appends a bool.
func (a *Array) AppendBool(b bool) error {
	return a.append(value{kind: KindBool, b: b})
}

// AppendInt appends an int64.
func (a *Array) AppendInt(i int64) error {
	return a.append(value{kind: KindInt, i: i})
}

// AppendFloat appends a float64.
func (a *Array) AppendFloat(f float64) error {
	return a.append(value{kind: KindFloat, f: f})
}

// AppendString appends a string.
func (a *Array) AppendString(s string) error {
	return a.append(value{kind: KindString, s: s})
}

// AppendArray appends a nested array, taking a reference on it.
func (a *Array) AppendArray(nested *Array) error {
	nested.assertLive()
	return a.append(value{kind: KindArray, arr: nested})
}

// AppendObject appends a nested object, taking a reference on it.
func (a *Array) AppendObject(o *Object) error {
	o.assertLive()
	return a.append(value{kind: KindObject, obj: o})
}
