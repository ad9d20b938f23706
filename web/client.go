// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package web

import (
	"strconv"

	"mellium.im/reactor/event"
)

// A Sender is the write half of the transport a request or response
// is written to. Both tcp.Client and tcp.TLSClient satisfy it.
type Sender interface {
	Send(data []byte) error
}

// ResponseStart carries the status line of a response.
type ResponseStart struct {
	Version     string
	Code        int
	Description string
}

// RequestStart carries the action line of a request.
type RequestStart struct {
	Method  string
	Path    string
	Version string
}

// A Header is a single key and value pair.
type Header struct {
	Key   string
	Value string
}

// A Client speaks the client half of HTTP/1.1 over a byte transport.
// Requests are written through the Sender passed to NewClient;
// response bytes are handed to Feed as the transport receives them
// and come back out as events, in wire order: ResponseStarted, then
// HeaderReceived for each header, then ContentReceived for each run
// of body bytes, then ResponseEnded.
type Client struct {
	// ResponseStarted fires when a status line has been parsed.
	ResponseStarted event.Event[ResponseStart]
	// HeaderReceived fires for every header line.
	HeaderReceived event.Event[Header]
	// ContentReceived fires for every run of body bytes. A body may
	// arrive in any number of runs.
	ContentReceived event.Event[[]byte]
	// ResponseEnded fires once per complete response.
	ResponseEnded event.Event[*Client]

	conn    Sender
	wire    *wire
	chunked bool
	err     error
}

// NewClient returns a client that writes requests to conn. The caller
// wires the transport's receive and close notifications to Feed and
// ConnectionClosed.
func NewClient(conn Sender) *Client {
	c := &Client{conn: conn}
	w := newWire()
	w.onStart = func(version, code, description string) {
		n, err := strconv.Atoi(code)
		if err != nil {
			c.fail(ErrInvalidFormat)
			return
		}
		c.ResponseStarted.Fire(ResponseStart{Version: version, Code: n, Description: description})
	}
	w.onHeader = func(key, value string) {
		c.HeaderReceived.Fire(Header{Key: key, Value: value})
	}
	w.onContent = func(data []byte) {
		c.ContentReceived.Fire(data)
	}
	w.onEnd = func() {
		c.ResponseEnded.Fire(c)
	}
	c.wire = w
	return c
}

func (c *Client) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Feed hands response bytes to the parser, firing events for whatever
// they complete. Errors are sticky: once a response fails to parse the
// connection is unusable.
func (c *Client) Feed(data []byte) error {
	if c.err != nil {
		return c.err
	}
	if err := c.wire.feed(data); err != nil {
		c.fail(err)
	}
	return c.err
}

// ConnectionClosed tells the parser the transport closed. For a
// response framed by Connection: close this is the normal end; in the
// middle of any other framing it is an error.
func (c *Client) ConnectionClosed() error {
	if c.err != nil {
		return c.err
	}
	if err := c.wire.closed(); err != nil {
		c.fail(err)
	}
	return c.err
}

// Begin starts a request by writing its action line.
func (c *Client) Begin(method, path, version string) error {
	c.chunked = false
	return c.conn.Send([]byte(method + " " + path + " " + version + "\r\n"))
}

// SendHeader writes one request header.
func (c *Client) SendHeader(key, value string) error {
	return c.conn.Send([]byte(key + ": " + value + "\r\n"))
}

// Send writes one chunk of the request body. The first call also
// writes the Transfer-Encoding header and the blank line terminating
// the header block. An empty chunk writes no framing.
func (c *Client) Send(data []byte) error {
	if !c.chunked {
		c.chunked = true
		if err := c.conn.Send([]byte("Transfer-Encoding: chunked\r\n\r\n")); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return nil
	}
	return c.conn.Send(chunkFrame(data))
}

// End terminates the request body, entering it first if no chunk was
// ever sent.
func (c *Client) End() error {
	if err := c.Send(nil); err != nil {
		return err
	}
	return c.conn.Send([]byte("0\r\n\r\n"))
}

// chunkFrame wraps data in chunked transfer coding: a hex length
// line, the bytes, and a trailing CRLF.
func chunkFrame(data []byte) []byte {
	frame := make([]byte, 0, len(data)+16)
	frame = strconv.AppendUint(frame, uint64(len(data)), 16)
	frame = append(frame, '\r', '\n')
	frame = append(frame, data...)
	return append(frame, '\r', '\n')
}
