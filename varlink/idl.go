// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

package varlink

import (
	"fmt"
	"sort"
	"strings"
)

// TypeKind identifies one IDL type constructor.
type TypeKind int

const (
	// TypeBool, TypeInt, TypeFloat and TypeString are the scalar kinds.
	TypeBool TypeKind = iota
	TypeInt
	TypeFloat
	TypeString
	// TypeObject is the `object` keyword: an untyped JSON value passed
	// through without validation.
	TypeObject
	// TypeEnum is a set of symbolic values, carried as strings on the wire.
	TypeEnum
	// TypeArray is `[]T`, TypeMap is `[string]T`, TypeMaybe is `?T`.
	TypeArray
	TypeMap
	TypeMaybe
	// TypeStruct is a parenthesized field list.
	TypeStruct
	// TypeAlias references a named type declared in the same interface.
	TypeAlias
)

// Type is one node of a parsed IDL type expression.
type Type struct {
	Kind    TypeKind
	Element *Type    // Array, Map, Maybe element type
	Fields  []Field  // Struct fields in declaration order
	Values  []string // Enum values in declaration order
	Alias   string   // Alias target name
}

// Field is one named, typed struct field.
type Field struct {
	Name string
	Type *Type
}

// Method is one method signature declared by an interface. In and Out are
// always struct types.
type Method struct {
	Name string
	Doc  string
	In   *Type
	Out  *Type
}

// typeDecl is a named type declared by an interface.
type typeDecl struct {
	name string
	doc  string
	typ  *Type
}

// errorDecl is an error declared by an interface, with its parameter struct.
type errorDecl struct {
	name string
	doc  string
	typ  *Type
}

// interfaceMember keeps the original declaration order for writeback.
// Exactly one field is set.
type interfaceMember struct {
	method *Method
	typ    *typeDecl
	err    *errorDecl
}

// Interface is the parsed, immutable schema of one varlink interface: its
// reverse-domain name plus the methods, named types and errors it declares.
type Interface struct {
	Name string
	Doc  string

	members []interfaceMember
	methods map[string]*Method
	types   map[string]*typeDecl
	errors  map[string]*errorDecl
}

// Method returns the declared method with the given name, or nil.
func (i *Interface) Method(name string) *Method {
	return i.methods[name]
}

// Methods returns the declared method names, sorted.
func (i *Interface) Methods() []string {
	names := make([]string, 0, len(i.methods))
	for name := range i.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseInterfaceDescription parses an interface description into its schema.
// Any syntax or validation problem fails with InvalidInterface.
func ParseInterfaceDescription(description string) (*Interface, error) {
	s := &idlScanner{src: description, line: 1}

	s.skip()
	doc := s.takeDoc()
	if w := s.word(); w != "interface" {
		return nil, s.errorf("expected %q, got %q", "interface", w)
	}
	s.skip()
	name := s.word()
	if !interfaceNameValid(name) {
		return nil, s.errorf("invalid interface name %q", name)
	}

	iface := &Interface{
		Name:    name,
		Doc:     doc,
		methods: make(map[string]*Method),
		types:   make(map[string]*typeDecl),
		errors:  make(map[string]*errorDecl),
	}

	for {
		s.skip()
		if s.eof() {
			break
		}
		doc := s.takeDoc()
		kw := s.word()
		switch kw {
		case "type":
			s.skip()
			declName := s.word()
			if !memberNameValid(declName) {
				return nil, s.errorf("invalid type name %q", declName)
			}
			if iface.hasMember(declName) {
				return nil, s.errorf("duplicate member %q", declName)
			}
			t, err := s.parseType(0)
			if err != nil {
				return nil, err
			}
			if t.Kind != TypeStruct && t.Kind != TypeEnum {
				return nil, s.errorf("type %s must be a structure or an enum", declName)
			}
			decl := &typeDecl{name: declName, doc: doc, typ: t}
			iface.types[declName] = decl
			iface.members = append(iface.members, interfaceMember{typ: decl})
		case "method":
			s.skip()
			declName := s.word()
			if !memberNameValid(declName) {
				return nil, s.errorf("invalid method name %q", declName)
			}
			if iface.hasMember(declName) {
				return nil, s.errorf("duplicate member %q", declName)
			}
			in, err := s.parseType(0)
			if err != nil {
				return nil, err
			}
			if in.Kind != TypeStruct {
				return nil, s.errorf("method %s parameters must be a structure", declName)
			}
			s.skip()
			if !s.consume('-') || !s.consume('>') {
				return nil, s.errorf("expected %q after method parameters", "->")
			}
			out, err := s.parseType(0)
			if err != nil {
				return nil, err
			}
			if out.Kind != TypeStruct {
				return nil, s.errorf("method %s return values must be a structure", declName)
			}
			m := &Method{Name: declName, Doc: doc, In: in, Out: out}
			iface.methods[declName] = m
			iface.members = append(iface.members, interfaceMember{method: m})
		case "error":
			s.skip()
			declName := s.word()
			if !memberNameValid(declName) {
				return nil, s.errorf("invalid error name %q", declName)
			}
			if iface.hasMember(declName) {
				return nil, s.errorf("duplicate member %q", declName)
			}
			t, err := s.parseType(0)
			if err != nil {
				return nil, err
			}
			if t.Kind != TypeStruct {
				return nil, s.errorf("error %s parameters must be a structure", declName)
			}
			decl := &errorDecl{name: declName, doc: doc, typ: t}
			iface.errors[declName] = decl
			iface.members = append(iface.members, interfaceMember{err: decl})
		default:
			return nil, s.errorf("expected type, method or error, got %q", kw)
		}
	}

	for _, m := range iface.members {
		var roots []*Type
		switch {
		case m.method != nil:
			roots = []*Type{m.method.In, m.method.Out}
		case m.typ != nil:
			roots = []*Type{m.typ.typ}
		case m.err != nil:
			roots = []*Type{m.err.typ}
		}
		for _, t := range roots {
			if err := iface.resolveAliases(t); err != nil {
				return nil, err
			}
		}
	}
	return iface, nil
}

func (i *Interface) hasMember(name string) bool {
	// Methods, types and errors share one namespace.
	if _, ok := i.methods[name]; ok {
		return true
	}
	if _, ok := i.types[name]; ok {
		return true
	}
	_, ok := i.errors[name]
	return ok
}

func (i *Interface) resolveAliases(t *Type) error {
	switch t.Kind {
	case TypeAlias:
		if _, ok := i.types[t.Alias]; !ok {
			return errorf(ErrInvalidInterface, "reference to undeclared type %q", t.Alias)
		}
	case TypeArray, TypeMap, TypeMaybe:
		return i.resolveAliases(t.Element)
	case TypeStruct:
		for _, f := range t.Fields {
			if err := i.resolveAliases(f.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

// Description writes the canonical form of the interface description,
// including member doc comments.
func (i *Interface) Description() string {
	var b strings.Builder
	writeDoc(&b, i.Doc)
	fmt.Fprintf(&b, "interface %s\n", i.Name)
	for _, m := range i.members {
		b.WriteByte('\n')
		switch {
		case m.method != nil:
			writeDoc(&b, m.method.Doc)
			fmt.Fprintf(&b, "method %s", m.method.Name)
			writeTypeString(&b, m.method.In)
			b.WriteString(" -> ")
			writeTypeString(&b, m.method.Out)
			b.WriteByte('\n')
		case m.typ != nil:
			writeDoc(&b, m.typ.doc)
			fmt.Fprintf(&b, "type %s ", m.typ.name)
			writeTypeString(&b, m.typ.typ)
			b.WriteByte('\n')
		case m.err != nil:
			writeDoc(&b, m.err.doc)
			fmt.Fprintf(&b, "error %s ", m.err.name)
			writeTypeString(&b, m.err.typ)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func writeDoc(b *strings.Builder, doc string) {
	if doc == "" {
		return
	}
	for _, line := range strings.Split(doc, "\n") {
		if line == "" {
			b.WriteString("#\n")
			continue
		}
		b.WriteString("# ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func writeTypeString(b *strings.Builder, t *Type) {
	switch t.Kind {
	case TypeBool:
		b.WriteString("bool")
	case TypeInt:
		b.WriteString("int")
	case TypeFloat:
		b.WriteString("float")
	case TypeString:
		b.WriteString("string")
	case TypeObject:
		b.WriteString("object")
	case TypeMaybe:
		b.WriteByte('?')
		writeTypeString(b, t.Element)
	case TypeArray:
		b.WriteString("[]")
		writeTypeString(b, t.Element)
	case TypeMap:
		b.WriteString("[string]")
		writeTypeString(b, t.Element)
	case TypeAlias:
		b.WriteString(t.Alias)
	case TypeEnum:
		b.WriteByte('(')
		for i, v := range t.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(v)
		}
		b.WriteByte(')')
	case TypeStruct:
		b.WriteByte('(')
		for i, f := range t.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Name)
			b.WriteString(": ")
			writeTypeString(b, f.Type)
		}
		b.WriteByte(')')
	}
}

// idlScanner walks an interface description, collecting comment blocks so
// the parser can attach them to the member that follows.
type idlScanner struct {
	src  string
	pos  int
	line int
	doc  []string
}

func (s *idlScanner) eof() bool {
	return s.pos >= len(s.src)
}

// skip advances over whitespace and comments. Comment lines accumulate as
// the doc block for the next member; a blank line discards the block.
func (s *idlScanner) skip() {
	sawNewline := false
	for !s.eof() {
		switch c := s.src[s.pos]; c {
		case ' ', '\t', '\r':
			s.pos++
		case '\n':
			if sawNewline {
				s.doc = nil
			}
			sawNewline = true
			s.line++
			s.pos++
		case '#':
			s.pos++
			start := s.pos
			for !s.eof() && s.src[s.pos] != '\n' {
				s.pos++
			}
			s.doc = append(s.doc, strings.TrimPrefix(s.src[start:s.pos], " "))
			sawNewline = false
		default:
			return
		}
	}
}

func (s *idlScanner) takeDoc() string {
	doc := strings.Join(s.doc, "\n")
	s.doc = nil
	return doc
}

func (s *idlScanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

func (s *idlScanner) consume(c byte) bool {
	if s.peek() != c {
		return false
	}
	s.pos++
	return true
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.'
}

// word reads one identifier-like token. Validation happens at the caller.
func (s *idlScanner) word() string {
	start := s.pos
	for !s.eof() && isWordByte(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func (s *idlScanner) errorf(format string, args ...any) error {
	return errorf(ErrInvalidInterface, "line %d: %s", s.line, fmt.Sprintf(format, args...))
}

// parseType parses one type expression.
func (s *idlScanner) parseType(depth int) (*Type, error) {
	if depth > maxParseDepth {
		return nil, s.errorf("type nesting too deep")
	}
	s.skip()
	switch s.peek() {
	case '?':
		s.pos++
		el, err := s.parseType(depth + 1)
		if err != nil {
			return nil, err
		}
		return &Type{Kind: TypeMaybe, Element: el}, nil
	case '[':
		s.pos++
		kind := TypeArray
		if s.peek() != ']' {
			if w := s.word(); w != "string" {
				return nil, s.errorf("map keys must be %q, got %q", "string", w)
			}
			kind = TypeMap
		}
		if !s.consume(']') {
			return nil, s.errorf("expected %q", "]")
		}
		el, err := s.parseType(depth + 1)
		if err != nil {
			return nil, err
		}
		return &Type{Kind: kind, Element: el}, nil
	case '(':
		return s.parseStructOrEnum(depth)
	}

	switch w := s.word(); w {
	case "bool":
		return &Type{Kind: TypeBool}, nil
	case "int":
		return &Type{Kind: TypeInt}, nil
	case "float":
		return &Type{Kind: TypeFloat}, nil
	case "string":
		return &Type{Kind: TypeString}, nil
	case "object":
		return &Type{Kind: TypeObject}, nil
	default:
		if !memberNameValid(w) {
			return nil, s.errorf("expected a type, got %q", w)
		}
		return &Type{Kind: TypeAlias, Alias: w}, nil
	}
}

// parseStructOrEnum parses a parenthesized field list or enum value list.
// The two are told apart by the colon after the first name.
func (s *idlScanner) parseStructOrEnum(depth int) (*Type, error) {
	s.pos++ // opening parenthesis
	s.skip()
	if s.consume(')') {
		return &Type{Kind: TypeStruct}, nil
	}

	first := s.word()
	if !fieldNameValid(first) {
		return nil, s.errorf("invalid field name %q", first)
	}
	s.skip()

	if s.consume(':') {
		t := &Type{Kind: TypeStruct}
		seen := map[string]bool{}
		name := first
		for {
			ft, err := s.parseType(depth + 1)
			if err != nil {
				return nil, err
			}
			if seen[name] {
				return nil, s.errorf("duplicate field %q", name)
			}
			seen[name] = true
			t.Fields = append(t.Fields, Field{Name: name, Type: ft})
			s.skip()
			if s.consume(')') {
				return t, nil
			}
			if !s.consume(',') {
				return nil, s.errorf("expected %q or %q in structure", ",", ")")
			}
			s.skip()
			name = s.word()
			if !fieldNameValid(name) {
				return nil, s.errorf("invalid field name %q", name)
			}
			s.skip()
			if !s.consume(':') {
				return nil, s.errorf("expected %q after field name %q", ":", name)
			}
		}
	}

	t := &Type{Kind: TypeEnum, Values: []string{first}}
	seen := map[string]bool{first: true}
	for {
		if s.consume(')') {
			return t, nil
		}
		if !s.consume(',') {
			return nil, s.errorf("expected %q or %q in enum", ",", ")")
		}
		s.skip()
		v := s.word()
		if !fieldNameValid(v) {
			return nil, s.errorf("invalid enum value %q", v)
		}
		if seen[v] {
			return nil, s.errorf("duplicate enum value %q", v)
		}
		seen[v] = true
		t.Values = append(t.Values, v)
		s.skip()
	}
}

// interfaceNameValid reports whether name is a well-formed reverse-domain
// interface name: at least two dot-separated segments of lowercase letters,
// digits and interior hyphens, starting with a letter.
func interfaceNameValid(name string) bool {
	if len(name) < 3 || len(name) > 255 {
		return false
	}
	if name[0] < 'a' || name[0] > 'z' {
		return false
	}
	segments := strings.Split(name, ".")
	if len(segments) < 2 {
		return false
	}
	for _, seg := range segments {
		if seg == "" || seg[0] == '-' || seg[len(seg)-1] == '-' {
			return false
		}
		for i := 0; i < len(seg); i++ {
			switch c := seg[i]; {
			case c >= 'a' && c <= 'z':
			case c >= '0' && c <= '9':
			case c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// memberNameValid reports whether name is a valid method/type/error name:
// an uppercase letter followed by letters and digits.
func memberNameValid(name string) bool {
	if name == "" || name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	for i := 1; i < len(name); i++ {
		switch c := name[i]; {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// fieldNameValid reports whether name is a valid field or enum value name:
// a letter followed by letters and digits with single interior underscores.
func fieldNameValid(name string) bool {
	if name == "" {
		return false
	}
	if c := name[0]; !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return false
	}
	for i := 1; i < len(name); i++ {
		switch c := name[i]; {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
			if name[i-1] == '_' || i == len(name)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// splitMethodName splits a fully qualified method name into interface and
// method parts at the final dot.
func splitMethodName(method string) (string, string, error) {
	dot := strings.LastIndexByte(method, '.')
	if dot < 0 {
		return "", "", errorf(ErrInvalidIdentifier, "method %q is not fully qualified", method)
	}
	ifaceName, methodName := method[:dot], method[dot+1:]
	if !interfaceNameValid(ifaceName) || !memberNameValid(methodName) {
		return "", "", errorf(ErrInvalidIdentifier, "invalid method %q", method)
	}
	return ifaceName, methodName, nil
}
