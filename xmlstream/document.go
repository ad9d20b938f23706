// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmlstream

import (
	"mellium.im/reactor/event"
	"mellium.im/reactor/xmltree"
)

// A DocumentParser assembles progressive parse events into xmltree
// documents. Each completed top-level element fires Parsed, so a
// stream carrying one document after another is consumed by feeding
// bytes as they arrive.
type DocumentParser struct {
	// Parsed fires with the root element of every completed
	// document.
	Parsed event.Event[*xmltree.Element]

	parser *Parser
	root   *xmltree.Element
	stack  []*xmltree.Element
	attr   Name
	err    error
}

// NewDocumentParser returns a document parser awaiting the first
// byte.
func NewDocumentParser() *DocumentParser {
	d := &DocumentParser{
		parser: NewParser(),
		root:   xmltree.New(""),
	}
	d.stack = []*xmltree.Element{d.root}

	d.parser.StartElement.Subscribe(func(n Name) {
		child := xmltree.NewNS(n.Namespace, n.Name)
		d.top().Add(child)
		d.stack = append(d.stack, child)
	})
	d.parser.AttributeName.Subscribe(func(n Name) {
		d.attr = n
	})
	d.parser.AttributeValue.Subscribe(func(v string) {
		d.top().SetAttr(d.attr.Namespace, d.attr.Name, v)
	})
	d.parser.Data.Subscribe(func(text string) {
		d.top().Value += text
	})
	d.parser.EndElement.Subscribe(func(n Name) {
		top := d.top()
		if top == d.root {
			d.fail(ErrInvalidFormat)
			return
		}
		if top.Namespace != n.Namespace || top.Name != n.Name {
			d.fail(ErrInvalidFormat)
			return
		}
		d.stack = d.stack[:len(d.stack)-1]
		if d.top() == d.root {
			// The sentinel root is reset before the event fires so a
			// handler can feed more bytes without seeing stale
			// children.
			d.root = xmltree.New("")
			d.stack[0] = d.root
			d.Parsed.Fire(top)
		}
	})
	return d
}

func (d *DocumentParser) top() *xmltree.Element {
	return d.stack[len(d.stack)-1]
}

func (d *DocumentParser) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Feed appends bytes to the parse buffer, firing Parsed for every
// document completed by them.
func (d *DocumentParser) Feed(data []byte) error {
	if d.err != nil {
		return d.err
	}
	if err := d.parser.Feed(data); err != nil {
		d.fail(err)
	}
	return d.err
}

// Depth returns how many elements are currently open.
func (d *DocumentParser) Depth() int {
	return len(d.stack) - 1
}
