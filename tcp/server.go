// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp

import (
	"log/slog"

	"mellium.im/reactor"
	"mellium.im/reactor/clock"
	"mellium.im/reactor/event"
	"mellium.im/reactor/socket"
)

// An Accepted describes a connection taken off a server's listening
// socket.
type Accepted struct {
	Client *Client
	Peer   socket.Endpoint
}

// A Server listens for TCP connections and hands each one off as an
// event-driven Client.
//
// The server owns every accepted client until that client disconnects;
// it never needs to be told to free one.
type Server struct {
	// PollInterval is the delay between accept readiness checks.
	PollInterval clock.Duration
	// Backlog is passed to listen.
	Backlog int
	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// Accepted fires for every new connection, before the client's
	// own Connected event, so subscribers can attach handlers first.
	Accepted event.Event[Accepted]

	loop      *reactor.Loop
	sock      *socket.Socket
	clients   map[uint64]*Client
	nextID    uint64
	listening bool
}

// NewServer returns a server driven by the given loop.
func NewServer(loop *reactor.Loop) *Server {
	return &Server{
		PollInterval: DefaultPollInterval,
		Backlog:      DefaultBacklog,
		loop:         loop,
		clients:      make(map[uint64]*Client),
	}
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Listen binds the given port and starts accepting connections. Port
// zero picks a free port; the chosen one is reported by Port.
func (s *Server) Listen(port uint16) error {
	sock, err := socket.Open(socket.INet, socket.Stream, 0)
	if err != nil {
		return err
	}
	if err := sock.SetBlocking(false); err != nil {
		sock.Close()
		return err
	}
	if err := sock.Bind(port); err != nil {
		sock.Close()
		return err
	}
	if err := sock.Listen(s.Backlog); err != nil {
		sock.Close()
		return err
	}
	s.sock = sock
	s.listening = true
	s.loop.Invoke(s.pollAccept)
	return nil
}

// Port returns the port the server is listening on.
func (s *Server) Port() (uint16, error) {
	return s.sock.LocalPort()
}

// Len returns the number of connected clients.
func (s *Server) Len() int {
	return len(s.clients)
}

// Close stops accepting and disconnects every connected client.
func (s *Server) Close() {
	if !s.listening {
		return
	}
	s.listening = false
	s.sock.Close()
	for _, c := range s.clients {
		c.Disconnect()
	}
}

func (s *Server) pollAccept() {
	if !s.listening {
		return
	}
	readable, err := s.sock.Poll(socket.Read, 0)
	if err != nil {
		s.log().Error("tcp: server poll failed", "err", err)
		s.Close()
		return
	}
	if !readable {
		s.loop.Schedule(s.PollInterval, s.pollAccept)
		return
	}
	child, peer, err := s.sock.Accept()
	if err != nil {
		s.log().Error("tcp: accept failed", "err", err)
		s.loop.Schedule(s.PollInterval, s.pollAccept)
		return
	}
	if err := child.SetBlocking(false); err != nil {
		s.log().Error("tcp: accepted socket setup failed", "err", err)
		child.Close()
		s.loop.Schedule(s.PollInterval, s.pollAccept)
		return
	}
	s.adopt(newAccepted(s.loop, child, peer), peer)
	s.loop.Invoke(s.pollAccept)
}

// adopt registers a client in the ownership map, announces it, and
// starts its read loop. The map entry is removed when the client
// disconnects.
func (s *Server) adopt(client *Client, peer socket.Endpoint) {
	s.nextID++
	id := s.nextID
	s.clients[id] = client
	client.Disconnected.Subscribe(func(*Client) {
		delete(s.clients, id)
	})
	s.Accepted.Fire(Accepted{Client: client, Peer: peer})
	client.start()
}
