// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmltree provides a small XML document model.
//
// Elements keep their attributes and children in insertion order and
// look both up by a case-insensitive "ns:name" key, so a document
// serializes back to exactly the shape it was built in while lookups
// stay forgiving about case.
package xmltree // import "mellium.im/reactor/xmltree"

import "strings"

// An Attribute is a single name value pair on an element, optionally
// namespace prefixed.
type Attribute struct {
	Namespace string
	Name      string
	Value     string
}

// An Element is a node in an XML document: a named tag carrying
// attributes, a single text run, and child elements.
type Element struct {
	Namespace string
	Name      string
	Value     string

	attributes []Attribute
	children   []*Element
}

// New returns an element with the given name and no namespace prefix.
func New(name string) *Element {
	return &Element{Name: name}
}

// NewNS returns an element with the given namespace prefix and name.
func NewNS(namespace, name string) *Element {
	return &Element{Namespace: namespace, Name: name}
}

func key(namespace, name string) string {
	return strings.ToLower(namespace + ":" + name)
}

// Key returns the element's lookup key.
func (e *Element) Key() string {
	return key(e.Namespace, e.Name)
}

// SetAttr sets an attribute, replacing the value of an existing
// attribute with the same key and otherwise appending. It returns the
// element for chaining while building documents.
func (e *Element) SetAttr(namespace, name, value string) *Element {
	k := key(namespace, name)
	for i := range e.attributes {
		if key(e.attributes[i].Namespace, e.attributes[i].Name) == k {
			e.attributes[i].Value = value
			return e
		}
	}
	e.attributes = append(e.attributes, Attribute{Namespace: namespace, Name: name, Value: value})
	return e
}

// Attr returns the value of the named attribute and whether it is
// present. Lookup is case-insensitive.
func (e *Element) Attr(namespace, name string) (string, bool) {
	k := key(namespace, name)
	for _, a := range e.attributes {
		if key(a.Namespace, a.Name) == k {
			return a.Value, true
		}
	}
	return "", false
}

// Attributes returns the attributes in insertion order. The slice is
// shared with the element and must not be modified.
func (e *Element) Attributes() []Attribute {
	return e.attributes
}

// Add appends a child element. It returns the parent for chaining.
func (e *Element) Add(child *Element) *Element {
	e.children = append(e.children, child)
	return e
}

// Child returns the first child with the given name, or nil. Lookup is
// case-insensitive.
func (e *Element) Child(namespace, name string) *Element {
	k := key(namespace, name)
	for _, c := range e.children {
		if c.Key() == k {
			return c
		}
	}
	return nil
}

// ChildValue returns the text of the first child with the given name,
// or the empty string if there is no such child.
func (e *Element) ChildValue(namespace, name string) string {
	c := e.Child(namespace, name)
	if c == nil {
		return ""
	}
	return c.Value
}

// Children returns every child with the given name in insertion order.
func (e *Element) Children(namespace, name string) []*Element {
	k := key(namespace, name)
	var out []*Element
	for _, c := range e.children {
		if c.Key() == k {
			out = append(out, c)
		}
	}
	return out
}

// AllChildren returns the children in insertion order. The slice is
// shared with the element and must not be modified.
func (e *Element) AllChildren() []*Element {
	return e.children
}

// Len returns the number of children.
func (e *Element) Len() int {
	return len(e.children)
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"'", "&apos;",
	`"`, "&quot;",
	"<", "&lt;",
	">", "&gt;",
)

var unescaper = strings.NewReplacer(
	"&apos;", "'",
	"&quot;", `"`,
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
)

// Escape replaces the five predefined XML entities in s.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape replaces the five predefined XML entity references in s
// with their characters.
func Unescape(s string) string {
	return unescaper.Replace(s)
}

func qualified(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + ":" + name
}

// String serializes the element. Attributes use single quoted values
// and appear in insertion order; an element with no text and no
// children self-closes.
func (e *Element) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *Element) write(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(qualified(e.Namespace, e.Name))
	for _, a := range e.attributes {
		b.WriteByte(' ')
		b.WriteString(qualified(a.Namespace, a.Name))
		b.WriteString("='")
		b.WriteString(Escape(a.Value))
		b.WriteByte('\'')
	}
	if e.Value == "" && len(e.children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	b.WriteString(Escape(e.Value))
	for _, c := range e.children {
		c.write(b)
	}
	b.WriteString("</")
	b.WriteString(qualified(e.Namespace, e.Name))
	b.WriteByte('>')
}
