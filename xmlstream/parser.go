// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmlstream parses XML incrementally from a byte stream.
//
// The progressive Parser tokenizes a forward-only stream into element,
// attribute, and text events without ever holding a whole document.
// Parsing is resumable at any byte boundary: feeding more bytes
// re-enters the parser exactly where it suspended. The DocumentParser
// assembles those tokens into xmltree documents, emitting one event per
// completed top-level element, which is how streams of stanzas are
// consumed.
//
// The supported dialect is deliberately small: one text run per
// element, single quoted or double quoted attribute values, a single
// optional namespace prefix on names, the five predefined entities,
// and an XML declaration that is recognized and discarded. There is no
// CDATA, no comments, and no DTD.
package xmlstream // import "mellium.im/reactor/xmlstream"

import (
	"errors"

	"mellium.im/reactor/event"
	"mellium.im/reactor/statemachine"
	"mellium.im/reactor/xmltree"
)

// ErrInvalidFormat is returned when the input cannot be part of a well
// formed document.
var ErrInvalidFormat = errors.New("xmlstream: invalid format")

// A Name is an element or attribute name with its optional namespace
// prefix.
type Name struct {
	Namespace string
	Name      string
}

type parserState int

const (
	stateProlog parserState = iota
	stateTagBegin
	stateDeclaration
	stateDeclarationEnd
	stateElementName
	stateBeforeAttribute
	stateAttributeName
	stateAttributeValueBegin
	stateAttributeValueApos
	stateAttributeValueQuot
	stateSelfClose
	stateText
	stateEndElementName
)

type parserTrigger int

const (
	triggerAppend parserTrigger = iota
	triggerTagBegin
	triggerDeclaration
	triggerDeclarationEnd
	triggerProlog
	triggerElementName
	triggerBeforeAttribute
	triggerAttributeName
	triggerAttributeValueBegin
	triggerAttributeValueApos
	triggerAttributeValueQuot
	triggerSelfClose
	triggerText
	triggerEndElementName
)

// A Parser tokenizes a byte stream into XML events. Feed it bytes as
// they arrive; events fire synchronously from within Feed, in stream
// order.
type Parser struct {
	// StartElement fires when an element's name has been read,
	// before any of its attributes.
	StartElement event.Event[Name]
	// AttributeName fires for each attribute, followed by exactly one
	// AttributeValue.
	AttributeName event.Event[Name]
	// AttributeValue fires with the unescaped attribute text.
	AttributeValue event.Event[string]
	// Data fires with the unescaped text run of an element.
	Data event.Event[string]
	// EndElement fires when an element closes, including the
	// immediate close of a self-closing tag.
	EndElement event.Event[Name]

	machine  *statemachine.Machine[parserState, parserTrigger]
	buf      []byte
	ns       string
	name     string
	elemNS   string
	elemName string
	acc      []byte
	err      error
}

// NewParser returns a parser awaiting the start of a document.
func NewParser() *Parser {
	p := &Parser{}
	p.machine = newParserMachine(p)
	return p
}

func newParserMachine(p *Parser) *statemachine.Machine[parserState, parserTrigger] {
	m := statemachine.New[parserState, parserTrigger](stateProlog)
	m.Configure(stateProlog).
		Permit(triggerAppend, stateProlog).
		Permit(triggerTagBegin, stateTagBegin).
		OnEntry(p.enterProlog)
	m.Configure(stateTagBegin).
		Permit(triggerAppend, stateTagBegin).
		Permit(triggerDeclaration, stateDeclaration).
		Permit(triggerElementName, stateElementName).
		Permit(triggerEndElementName, stateEndElementName).
		OnEntry(p.enterTagBegin)
	m.Configure(stateDeclaration).
		Permit(triggerAppend, stateDeclaration).
		Permit(triggerDeclarationEnd, stateDeclarationEnd).
		OnEntry(p.enterDeclaration)
	m.Configure(stateDeclarationEnd).
		Permit(triggerAppend, stateDeclarationEnd).
		Permit(triggerDeclaration, stateDeclaration).
		Permit(triggerProlog, stateProlog).
		OnEntry(p.enterDeclarationEnd)
	m.Configure(stateElementName).
		Permit(triggerAppend, stateElementName).
		Permit(triggerBeforeAttribute, stateBeforeAttribute).
		OnEntry(p.enterElementName)
	m.Configure(stateBeforeAttribute).
		Permit(triggerAppend, stateBeforeAttribute).
		Permit(triggerAttributeName, stateAttributeName).
		Permit(triggerSelfClose, stateSelfClose).
		Permit(triggerText, stateText).
		OnEntry(p.enterBeforeAttribute)
	m.Configure(stateAttributeName).
		Permit(triggerAppend, stateAttributeName).
		Permit(triggerAttributeValueBegin, stateAttributeValueBegin).
		OnEntry(p.enterAttributeName)
	m.Configure(stateAttributeValueBegin).
		Permit(triggerAppend, stateAttributeValueBegin).
		Permit(triggerAttributeValueApos, stateAttributeValueApos).
		Permit(triggerAttributeValueQuot, stateAttributeValueQuot).
		OnEntry(p.enterAttributeValueBegin)
	m.Configure(stateAttributeValueApos).
		Permit(triggerAppend, stateAttributeValueApos).
		Permit(triggerBeforeAttribute, stateBeforeAttribute).
		OnEntry(p.enterAttributeValueApos)
	m.Configure(stateAttributeValueQuot).
		Permit(triggerAppend, stateAttributeValueQuot).
		Permit(triggerBeforeAttribute, stateBeforeAttribute).
		OnEntry(p.enterAttributeValueQuot)
	m.Configure(stateSelfClose).
		Permit(triggerAppend, stateSelfClose).
		Permit(triggerText, stateText).
		OnEntry(p.enterSelfClose)
	m.Configure(stateText).
		Permit(triggerAppend, stateText).
		Permit(triggerTagBegin, stateTagBegin).
		OnEntry(p.enterText)
	m.Configure(stateEndElementName).
		Permit(triggerAppend, stateEndElementName).
		Permit(triggerText, stateText).
		OnEntry(p.enterEndElementName)
	return m
}

// Feed appends bytes to the parse buffer and consumes as much of it as
// possible, firing events for every completed token. Once Feed returns
// an error the parser is stuck and every later call returns the same
// error.
func (p *Parser) Feed(data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.buf = append(p.buf, data...)
	if err := p.machine.Fire(triggerAppend); err != nil {
		p.fail(err)
	}
	return p.err
}

func (p *Parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// fire dispatches a trigger from within an entry action.
func (p *Parser) fire(t parserTrigger) {
	if err := p.machine.Fire(t); err != nil {
		p.fail(err)
	}
}

func (p *Parser) takeName() Name {
	n := Name{Namespace: p.ns, Name: p.name}
	return n
}

// accumulateName consumes name characters into the accumulator,
// splitting a single namespace prefix on ':'. It reports whether a
// byte from stop was reached, leaving that byte unconsumed.
func (p *Parser) accumulateName(stop string) bool {
	for len(p.buf) > 0 {
		c := p.buf[0]
		for i := 0; i < len(stop); i++ {
			if c == stop[i] {
				p.name = string(p.acc)
				return true
			}
		}
		if c == ':' {
			p.ns = string(p.acc)
			p.acc = p.acc[:0]
		} else {
			p.acc = append(p.acc, c)
		}
		p.buf = p.buf[1:]
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func (p *Parser) enterProlog() {
	for len(p.buf) > 0 {
		c := p.buf[0]
		p.buf = p.buf[1:]
		if c == '<' {
			p.fire(triggerTagBegin)
			return
		}
		if !isSpace(c) {
			p.fail(ErrInvalidFormat)
			return
		}
	}
}

func (p *Parser) enterTagBegin() {
	if len(p.buf) == 0 {
		return
	}
	switch p.buf[0] {
	case '?':
		p.buf = p.buf[1:]
		p.fire(triggerDeclaration)
	case '/':
		p.buf = p.buf[1:]
		p.ns, p.name, p.acc = "", "", p.acc[:0]
		p.fire(triggerEndElementName)
	default:
		p.ns, p.name, p.acc = "", "", p.acc[:0]
		p.fire(triggerElementName)
	}
}

func (p *Parser) enterDeclaration() {
	for len(p.buf) > 0 {
		c := p.buf[0]
		p.buf = p.buf[1:]
		if c == '?' {
			p.fire(triggerDeclarationEnd)
			return
		}
	}
}

func (p *Parser) enterDeclarationEnd() {
	if len(p.buf) == 0 {
		return
	}
	c := p.buf[0]
	p.buf = p.buf[1:]
	if c == '>' {
		p.fire(triggerProlog)
		return
	}
	p.fire(triggerDeclaration)
}

func (p *Parser) enterElementName() {
	if !p.accumulateName(" \t\r\n/>") {
		return
	}
	p.elemNS, p.elemName = p.ns, p.name
	p.StartElement.Fire(p.takeName())
	p.fire(triggerBeforeAttribute)
}

func (p *Parser) enterBeforeAttribute() {
	for len(p.buf) > 0 && isSpace(p.buf[0]) {
		p.buf = p.buf[1:]
	}
	if len(p.buf) == 0 {
		return
	}
	switch p.buf[0] {
	case '>':
		p.buf = p.buf[1:]
		p.acc = p.acc[:0]
		p.fire(triggerText)
	case '/':
		p.buf = p.buf[1:]
		p.fire(triggerSelfClose)
	default:
		p.ns, p.name, p.acc = "", "", p.acc[:0]
		p.fire(triggerAttributeName)
	}
}

func (p *Parser) enterAttributeName() {
	if !p.accumulateName("= \t\r\n") {
		return
	}
	// Skip any whitespace and the equals sign itself.
	for len(p.buf) > 0 {
		c := p.buf[0]
		p.buf = p.buf[1:]
		if c == '=' {
			p.AttributeName.Fire(p.takeName())
			p.fire(triggerAttributeValueBegin)
			return
		}
		if !isSpace(c) {
			p.fail(ErrInvalidFormat)
			return
		}
	}
}

func (p *Parser) enterAttributeValueBegin() {
	if len(p.buf) == 0 {
		return
	}
	c := p.buf[0]
	p.buf = p.buf[1:]
	switch c {
	case '\'':
		p.acc = p.acc[:0]
		p.fire(triggerAttributeValueApos)
	case '"':
		p.acc = p.acc[:0]
		p.fire(triggerAttributeValueQuot)
	default:
		p.fail(ErrInvalidFormat)
	}
}

func (p *Parser) accumulateValue(quote byte) {
	for len(p.buf) > 0 {
		c := p.buf[0]
		p.buf = p.buf[1:]
		if c == quote {
			p.AttributeValue.Fire(xmltree.Unescape(string(p.acc)))
			p.fire(triggerBeforeAttribute)
			return
		}
		p.acc = append(p.acc, c)
	}
}

func (p *Parser) enterAttributeValueApos() {
	p.accumulateValue('\'')
}

func (p *Parser) enterAttributeValueQuot() {
	p.accumulateValue('"')
}

func (p *Parser) enterSelfClose() {
	if len(p.buf) == 0 {
		return
	}
	c := p.buf[0]
	p.buf = p.buf[1:]
	if c != '>' {
		p.fail(ErrInvalidFormat)
		return
	}
	p.EndElement.Fire(Name{Namespace: p.elemNS, Name: p.elemName})
	p.acc = p.acc[:0]
	p.fire(triggerText)
}

func (p *Parser) enterText() {
	for len(p.buf) > 0 {
		c := p.buf[0]
		p.buf = p.buf[1:]
		if c == '<' {
			if len(p.acc) > 0 {
				p.Data.Fire(xmltree.Unescape(string(p.acc)))
				p.acc = p.acc[:0]
			}
			p.fire(triggerTagBegin)
			return
		}
		p.acc = append(p.acc, c)
	}
}

func (p *Parser) enterEndElementName() {
	if !p.accumulateName(">") {
		return
	}
	p.buf = p.buf[1:]
	p.EndElement.Fire(p.takeName())
	p.acc = p.acc[:0]
	p.fire(triggerText)
}
