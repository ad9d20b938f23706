// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package web

import (
	"log/slog"
	"strconv"

	"mellium.im/reactor"
	"mellium.im/reactor/event"
	"mellium.im/reactor/tcp"
)

// A Conn is the transport an accepted connection runs over.
type Conn interface {
	Sender
	Disconnect()
}

// A ServerClient speaks the server half of HTTP/1.1 on one accepted
// connection: it parses requests into events and writes responses
// back.
//
// If the request asked for Connection: close the response body is
// written raw and End closes the connection; otherwise the body uses
// chunked transfer coding and the connection stays open for the next
// request.
type ServerClient struct {
	// RequestStarted fires when an action line has been parsed.
	RequestStarted event.Event[RequestStart]
	// HeaderReceived fires for every header line.
	HeaderReceived event.Event[Header]
	// ContentReceived fires for every run of body bytes.
	ContentReceived event.Event[[]byte]
	// RequestEnded fires once per complete request. The response may
	// be written from the handler or any later loop turn.
	RequestEnded event.Event[*ServerClient]
	// Disconnected fires when the transport closes.
	Disconnected event.Event[*ServerClient]

	conn           Conn
	wire           *wire
	closeRequested bool
	headersDone    bool
	err            error
}

// NewServerClient returns a server-side connection speaking HTTP over
// conn. The caller wires the transport's receive and close
// notifications to Feed and ConnectionClosed; Server does this for
// connections it accepts.
func NewServerClient(conn Conn) *ServerClient {
	s := &ServerClient{conn: conn}
	w := newWire()
	w.request = true
	w.onStart = func(method, path, version string) {
		s.RequestStarted.Fire(RequestStart{Method: method, Path: path, Version: version})
	}
	w.onHeader = func(key, value string) {
		s.HeaderReceived.Fire(Header{Key: key, Value: value})
	}
	w.onContent = func(data []byte) {
		s.ContentReceived.Fire(data)
	}
	w.onEnd = func() {
		s.closeRequested = w.wasClose()
		s.RequestEnded.Fire(s)
	}
	s.wire = w
	return s
}

func (s *ServerClient) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Feed hands request bytes to the parser, firing events for whatever
// they complete.
func (s *ServerClient) Feed(data []byte) error {
	if s.err != nil {
		return s.err
	}
	if err := s.wire.feed(data); err != nil {
		s.fail(err)
	}
	return s.err
}

// ConnectionClosed tells the parser the transport closed and fires
// Disconnected. Between requests this is the normal end of the
// connection; in the middle of a framed request it is an error.
func (s *ServerClient) ConnectionClosed() error {
	if s.err == nil {
		if err := s.wire.closed(); err != nil {
			s.fail(err)
		}
	}
	s.Disconnected.Fire(s)
	return s.err
}

// Disconnect closes the underlying transport.
func (s *ServerClient) Disconnect() {
	s.conn.Disconnect()
}

// Begin starts a response by writing its status line.
func (s *ServerClient) Begin(version string, code int, description string) error {
	s.headersDone = false
	return s.conn.Send([]byte(version + " " + strconv.Itoa(code) + " " + description + "\r\n"))
}

// SendHeader writes one response header.
func (s *ServerClient) SendHeader(key, value string) error {
	return s.conn.Send([]byte(key + ": " + value + "\r\n"))
}

// Send writes part of the response body. The first call terminates
// the header block: with Connection: close when the request asked for
// it, with Transfer-Encoding: chunked otherwise. An empty chunk
// writes only that.
func (s *ServerClient) Send(data []byte) error {
	if !s.headersDone {
		s.headersDone = true
		last := "Transfer-Encoding: chunked\r\n\r\n"
		if s.closeRequested {
			last = "Connection: close\r\n\r\n"
		}
		if err := s.conn.Send([]byte(last)); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return nil
	}
	if s.closeRequested {
		return s.conn.Send(data)
	}
	return s.conn.Send(chunkFrame(data))
}

// End finishes the response. In close mode it disconnects the
// transport; in chunked mode it writes the terminating chunk and
// leaves the connection open for the next request.
func (s *ServerClient) End() error {
	if err := s.Send(nil); err != nil {
		return err
	}
	if s.closeRequested {
		s.conn.Disconnect()
		return nil
	}
	return s.conn.Send([]byte("0\r\n\r\n"))
}

// A Server accepts TCP connections and wraps each one in a
// ServerClient.
type Server struct {
	// Accepted fires for every connection, after its request parser
	// is wired and before any bytes are read.
	Accepted event.Event[*ServerClient]

	// Logger receives request parse failures and, for a Router, handler
	// and response failures. Accept failures are logged by the
	// underlying tcp.Server, not here. Defaults to slog.Default.
	Logger *slog.Logger

	tcp *tcp.Server
}

// NewServer returns a server driven by the given loop.
func NewServer(loop *reactor.Loop) *Server {
	s := &Server{tcp: tcp.NewServer(loop)}
	s.tcp.Accepted.Subscribe(func(a tcp.Accepted) {
		s.adopt(a.Client)
	})
	return s
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) adopt(conn *tcp.Client) {
	sc := NewServerClient(conn)
	conn.Received.Subscribe(func(data []byte) {
		if err := sc.Feed(data); err != nil {
			s.log().Error("request parse failed", "err", err)
			conn.Disconnect()
		}
	})
	conn.Disconnected.Subscribe(func(*tcp.Client) {
		if err := sc.ConnectionClosed(); err != nil {
			s.log().Debug("connection ended mid request", "err", err)
		}
	})
	s.Accepted.Fire(sc)
}

// Listen binds the given port and starts accepting connections. Port
// zero picks a free port, reported by Port.
func (s *Server) Listen(port uint16) error {
	return s.tcp.Listen(port)
}

// Port returns the port the server is listening on.
func (s *Server) Port() (uint16, error) {
	return s.tcp.Port()
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	return s.tcp.Len()
}

// Close stops accepting and disconnects every open connection.
func (s *Server) Close() {
	s.tcp.Close()
}
