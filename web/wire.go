// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package web implements HTTP/1.1 on the wire: a client, a server,
// and a pattern-matching router, all driven by the reactor loop.
//
// Requests and responses are parsed incrementally by a state machine
// that suspends whenever the connection has no more bytes and resumes
// when the next chunk arrives, so a message may be delivered one byte
// at a time without any event reordering. Bodies are framed by
// Content-Length, chunked transfer coding, or connection close.
package web // import "mellium.im/reactor/web"

import (
	"errors"
	"strconv"
	"strings"

	"mellium.im/reactor/statemachine"
)

// ErrInvalidFormat is reported when a start line or header cannot be
// parsed.
var ErrInvalidFormat = errors.New("web: invalid format")

// ErrTruncated is reported when the connection closes in the middle
// of a framed message.
var ErrTruncated = errors.New("web: connection closed mid message")

type wireState int

const (
	stateActionLine wireState = iota
	stateHeaderLine
	stateContent
	stateContentUntilClosed
	stateChunkSize
	stateChunk
	stateChunkDelimiter
	stateLastChunk
	stateEnd
)

type wireTrigger int

const (
	triggerAppend wireTrigger = iota
	triggerHeaders
	triggerContent
	triggerUntilClosed
	triggerChunkSize
	triggerChunk
	triggerChunkDelimiter
	triggerLastChunk
	triggerEnd
	triggerNextMessage
)

// wire parses one HTTP message after another from a byte stream. The
// same machine serves responses on the client and requests on the
// server; only the start line callback differs.
type wire struct {
	onStart   func(first, second, rest string)
	onHeader  func(key, value string)
	onContent func(data []byte)
	onEnd     func()

	// request marks the machine as parsing requests, where a bare
	// Connection: close ends at the blank line instead of implying a
	// read-until-close body.
	request bool

	machine        *statemachine.Machine[wireState, wireTrigger]
	buf            []byte
	contentLength  int
	chunkRemaining int
	chunked        bool
	hasLength      bool
	connClose      bool
	err            error
}

func newWire() *wire {
	w := &wire{}
	m := statemachine.New[wireState, wireTrigger](stateActionLine)
	m.Configure(stateActionLine).
		Permit(triggerAppend, stateActionLine).
		Permit(triggerHeaders, stateHeaderLine).
		OnEntry(w.enterActionLine)
	m.Configure(stateHeaderLine).
		Permit(triggerAppend, stateHeaderLine).
		Permit(triggerContent, stateContent).
		Permit(triggerUntilClosed, stateContentUntilClosed).
		Permit(triggerChunkSize, stateChunkSize).
		Permit(triggerEnd, stateEnd).
		OnEntry(w.enterHeaderLine)
	m.Configure(stateContent).
		Permit(triggerAppend, stateContent).
		Permit(triggerEnd, stateEnd).
		OnEntry(w.enterContent)
	m.Configure(stateContentUntilClosed).
		Permit(triggerAppend, stateContentUntilClosed).
		Permit(triggerEnd, stateEnd).
		OnEntry(w.enterContentUntilClosed)
	m.Configure(stateChunkSize).
		Permit(triggerAppend, stateChunkSize).
		Permit(triggerChunk, stateChunk).
		Permit(triggerLastChunk, stateLastChunk).
		OnEntry(w.enterChunkSize)
	m.Configure(stateChunk).
		Permit(triggerAppend, stateChunk).
		Permit(triggerChunkDelimiter, stateChunkDelimiter).
		OnEntry(w.enterChunk)
	m.Configure(stateChunkDelimiter).
		Permit(triggerAppend, stateChunkDelimiter).
		Permit(triggerChunkSize, stateChunkSize).
		OnEntry(w.enterChunkDelimiter)
	m.Configure(stateLastChunk).
		Permit(triggerAppend, stateLastChunk).
		Permit(triggerEnd, stateEnd).
		OnEntry(w.enterLastChunk)
	m.Configure(stateEnd).
		Permit(triggerNextMessage, stateActionLine).
		OnEntry(w.enterEnd)
	w.machine = m
	return w
}

// feed appends bytes and parses as far as they allow.
func (w *wire) feed(data []byte) error {
	if w.err != nil {
		return w.err
	}
	w.buf = append(w.buf, data...)
	if err := w.machine.Fire(triggerAppend); err != nil {
		w.fail(err)
	}
	return w.err
}

// closed tells the parser the peer closed the connection. In the read
// until close state this completes the message; in the middle of any
// other framing it is an error, and between messages it is ignored.
func (w *wire) closed() error {
	if w.err != nil {
		return w.err
	}
	switch w.machine.State() {
	case stateContentUntilClosed:
		w.fire(triggerEnd)
	case stateActionLine:
		if len(w.buf) > 0 {
			w.fail(ErrTruncated)
		}
	default:
		w.fail(ErrTruncated)
	}
	return w.err
}

func (w *wire) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *wire) fire(t wireTrigger) {
	if err := w.machine.Fire(t); err != nil {
		w.fail(err)
	}
}

// line removes and returns the next CRLF terminated line from the
// buffer.
func (w *wire) line() (string, bool) {
	i := strings.Index(string(w.buf), "\r\n")
	if i < 0 {
		return "", false
	}
	line := string(w.buf[:i])
	w.buf = w.buf[i+2:]
	return line, true
}

func (w *wire) enterActionLine() {
	line, ok := w.line()
	if !ok {
		return
	}
	first, rest, found := strings.Cut(line, " ")
	if !found {
		w.fail(ErrInvalidFormat)
		return
	}
	second, rest, _ := strings.Cut(rest, " ")
	w.onStart(first, second, rest)
	w.fire(triggerHeaders)
}

func (w *wire) enterHeaderLine() {
	line, ok := w.line()
	if !ok {
		return
	}
	if line == "" {
		switch {
		case w.chunked:
			w.fire(triggerChunkSize)
		case w.hasLength:
			if w.contentLength == 0 {
				w.fire(triggerEnd)
				return
			}
			w.fire(triggerContent)
		case w.connClose && !w.request:
			w.fire(triggerUntilClosed)
		default:
			w.fire(triggerEnd)
		}
		return
	}

	// Keys and values are separated by a colon and a single space.
	endOfKey := strings.Index(line, ":")
	if endOfKey < 0 || endOfKey+2 > len(line) {
		w.fail(ErrInvalidFormat)
		return
	}
	key := line[:endOfKey]
	value := line[endOfKey+2:]
	switch {
	case strings.EqualFold(key, "Transfer-Encoding") && strings.EqualFold(value, "chunked"):
		w.chunked = true
	case strings.EqualFold(key, "Content-Length"):
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			w.fail(ErrInvalidFormat)
			return
		}
		w.hasLength = true
		w.contentLength = n
	case strings.EqualFold(key, "Connection") && strings.EqualFold(value, "close"):
		w.connClose = true
	}
	w.onHeader(key, value)
	w.fire(triggerAppend)
}

func (w *wire) enterContent() {
	if len(w.buf) == 0 {
		return
	}
	n := w.contentLength
	if n > len(w.buf) {
		n = len(w.buf)
	}
	data := w.buf[:n:n]
	w.buf = w.buf[n:]
	w.contentLength -= n
	w.onContent(data)
	if w.contentLength == 0 {
		w.fire(triggerEnd)
	}
}

func (w *wire) enterContentUntilClosed() {
	if len(w.buf) == 0 {
		return
	}
	data := w.buf
	w.buf = nil
	w.onContent(data)
}

func (w *wire) enterChunkSize() {
	line, ok := w.line()
	if !ok {
		return
	}
	size, err := strconv.ParseUint(line, 16, 31)
	if err != nil {
		w.fail(ErrInvalidFormat)
		return
	}
	if size == 0 {
		w.fire(triggerLastChunk)
		return
	}
	w.chunkRemaining = int(size)
	w.fire(triggerChunk)
}

func (w *wire) enterChunk() {
	if len(w.buf) == 0 {
		return
	}
	n := w.chunkRemaining
	if n > len(w.buf) {
		n = len(w.buf)
	}
	data := w.buf[:n:n]
	w.buf = w.buf[n:]
	w.chunkRemaining -= n
	w.onContent(data)
	if w.chunkRemaining == 0 {
		w.fire(triggerChunkDelimiter)
	}
}

func (w *wire) expectCRLF(next wireTrigger) {
	if len(w.buf) < 2 {
		return
	}
	if w.buf[0] != '\r' || w.buf[1] != '\n' {
		w.fail(ErrInvalidFormat)
		return
	}
	w.buf = w.buf[2:]
	w.fire(next)
}

func (w *wire) enterChunkDelimiter() {
	w.expectCRLF(triggerChunkSize)
}

func (w *wire) enterLastChunk() {
	w.expectCRLF(triggerEnd)
}

func (w *wire) enterEnd() {
	w.onEnd()
	w.chunked = false
	w.hasLength = false
	w.connClose = false
	w.contentLength = 0
	w.chunkRemaining = 0
	w.fire(triggerNextMessage)
}

// wasClose reports whether the message most recently parsed carried
// Connection: close. It is only meaningful from within the onEnd
// callback, before the flags reset for the next message.
func (w *wire) wasClose() bool {
	return w.connClose
}
