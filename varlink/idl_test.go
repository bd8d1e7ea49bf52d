// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseServiceInterface(t *testing.T) {
	iface, err := ParseInterfaceDescription(serviceInterfaceDescription)
	assert.Nil(t, err)
	assert.Equal(t, "org.varlink.service", iface.Name)
	assert.NotEqual(t, "", iface.Doc)

	assert.NotNil(t, iface.Method("GetInfo"))
	assert.NotNil(t, iface.Method("GetInterfaceDescription"))
	assert.Nil(t, iface.Method("NoSuchMethod"))
	assert.Equal(t, []string{"GetInfo", "GetInterfaceDescription"}, iface.Methods())

	in := iface.Method("GetInterfaceDescription").In
	assert.Equal(t, TypeStruct, in.Kind)
	assert.Equal(t, 1, len(in.Fields))
	assert.Equal(t, "interface", in.Fields[0].Name)
	assert.Equal(t, TypeString, in.Fields[0].Type.Kind)
}

func TestParseInterfaceTypes(t *testing.T) {
	iface, err := ParseInterfaceDescription(`interface org.example.types

type Mode (automatic, manual)

type Entry (
  label: string,
  mode: Mode,
  weights: []float,
  index: [string]int,
  note: ?string
)

method Put(entry: Entry) -> ()

error NoSpace(remaining: int)
`)
	assert.Nil(t, err)

	put := iface.Method("Put")
	assert.NotNil(t, put)
	entry := put.In.Fields[0].Type
	assert.Equal(t, TypeAlias, entry.Kind)
	assert.Equal(t, "Entry", entry.Alias)
	assert.Equal(t, TypeStruct, put.Out.Kind)
	assert.Equal(t, 0, len(put.Out.Fields))
}

func TestInterfaceDescriptionWriteback(t *testing.T) {
	iface, err := ParseInterfaceDescription(serviceInterfaceDescription)
	assert.Nil(t, err)

	out := iface.Description()
	assert.True(t, strings.HasPrefix(out, "# The Varlink Service Interface"))
	assert.Contains(t, out, "interface org.varlink.service\n")
	// Writeback renders each method on one line.
	assert.Contains(t, out, "method GetInfo() -> (vendor: string, product: string, version: string, url: string, interfaces: []string)\n")
	assert.Contains(t, out, "error InterfaceNotFound (interface: string)\n")

	// The canonical form is a fixed point: parsing it back writes the
	// same text.
	again, err := ParseInterfaceDescription(out)
	assert.Nil(t, err)
	assert.Equal(t, out, again.Description())
}

func TestInterfaceDocCommentAttachment(t *testing.T) {
	iface, err := ParseInterfaceDescription(`# Interface doc.
interface org.example.doc

# Attached to Ping.
# Second line.
method Ping() -> ()

# Orphaned by the blank line below.

method Pong() -> ()
`)
	assert.Nil(t, err)
	assert.Equal(t, "Interface doc.", iface.Doc)
	assert.Equal(t, "Attached to Ping.\nSecond line.", iface.Method("Ping").Doc)
	assert.Equal(t, "", iface.Method("Pong").Doc)
}

func TestParseInterfaceErrors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"missing keyword", `method Foo() -> ()`},
		{"single segment name", `interface example`},
		{"uppercase name", `interface Org.Example`},
		{"empty segment", `interface org..example`},
		{"trailing dot", `interface org.example.`},
		{"underscore", `interface org.exam_ple`},
		{"edge hyphen", `interface org.-example`},
		{"lowercase method", "interface org.example.x\nmethod foo() -> ()"},
		{"duplicate member", "interface org.example.x\nmethod Foo() -> ()\nmethod Foo() -> ()"},
		{"shared namespace", "interface org.example.x\ntype Foo (a: int)\nmethod Foo() -> ()"},
		{"duplicate field", "interface org.example.x\nmethod Foo(a: int, a: string) -> ()"},
		{"duplicate enum value", "interface org.example.x\ntype E (on, off, on)"},
		{"undeclared alias", "interface org.example.x\nmethod Foo(v: Missing) -> ()"},
		{"scalar type decl", "interface org.example.x\ntype T int"},
		{"missing arrow", "interface org.example.x\nmethod Foo()"},
		{"map key not string", "interface org.example.x\nmethod Foo(v: [int]string) -> ()"},
		{"stray token", "interface org.example.x\nbogus Foo() -> ()"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInterfaceDescription(tc.text)
			assert.Equal(t, ErrInvalidInterface, CodeOf(err))
		})
	}
}

func TestSplitMethodName(t *testing.T) {
	iface, method, err := splitMethodName("org.varlink.service.GetInfo")
	assert.Nil(t, err)
	assert.Equal(t, "org.varlink.service", iface)
	assert.Equal(t, "GetInfo", method)

	_, _, err = splitMethodName("GetInfo")
	assert.Equal(t, ErrInvalidIdentifier, CodeOf(err))
	_, _, err = splitMethodName("org.varlink.service.getInfo")
	assert.Equal(t, ErrInvalidIdentifier, CodeOf(err))
	_, _, err = splitMethodName("Example.GetInfo")
	assert.Equal(t, ErrInvalidIdentifier, CodeOf(err))
	_, _, err = splitMethodName("")
	assert.Equal(t, ErrInvalidIdentifier, CodeOf(err))
}
