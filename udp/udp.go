// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package udp provides an event-driven datagram endpoint on top of the
// reactor loop and non-blocking sockets.
package udp // import "mellium.im/reactor/udp"

import (
	"log/slog"

	"mellium.im/reactor"
	"mellium.im/reactor/clock"
	"mellium.im/reactor/event"
	"mellium.im/reactor/socket"
)

// Defaults used unless overridden before Open.
const (
	DefaultPollInterval = clock.Duration(1)
	DefaultBufferSize   = 4096
)

// A Datagram is a single received packet together with its sender.
type Datagram struct {
	From socket.Endpoint
	Data []byte
}

// A Client sends and receives datagrams cooperatively on a reactor
// loop.
type Client struct {
	// PollInterval is the delay between readiness checks.
	PollInterval clock.Duration
	// BufferSize bounds the size of a received datagram.
	BufferSize int
	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// Received fires for every datagram read.
	Received event.Event[Datagram]

	loop *reactor.Loop
	sock *socket.Socket
	open bool
}

// NewClient returns a closed client driven by the given loop.
func NewClient(loop *reactor.Loop) *Client {
	return &Client{
		PollInterval: DefaultPollInterval,
		BufferSize:   DefaultBufferSize,
		loop:         loop,
	}
}

func (c *Client) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Open binds the given local port and starts receiving. Port zero
// picks a free port, reported by Port.
func (c *Client) Open(port uint16) error {
	sock, err := socket.Open(socket.INet, socket.Datagram, 0)
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
	c.sock = sock
	c.open = true
	c.loop.Invoke(c.pollRead)
	return nil
}

// Port returns the bound local port.
func (c *Client) Port() (uint16, error) {
	return c.sock.LocalPort()
}

// Send transmits a single datagram to the given endpoint.
func (c *Client) Send(data []byte, to socket.Endpoint) error {
	if !c.open {
		return socket.ErrInvalidHandle
	}
	return c.sock.SendTo(data, to)
}

// Close stops receiving and releases the socket.
func (c *Client) Close() {
	if !c.open {
		return
	}
	c.open = false
	c.sock.Close()
}

func (c *Client) pollRead() {
	if !c.open {
		return
	}
	readable, err := c.sock.Poll(socket.Read, 0)
	if err != nil {
		c.log().Error("udp: poll failed", "err", err)
		c.Close()
		return
	}
	if !readable {
		c.loop.Schedule(c.PollInterval, c.pollRead)
		return
	}
	data, from, err := c.sock.ReceiveFrom(c.BufferSize)
	if err != nil {
		c.log().Error("udp: receive failed", "err", err)
		c.Close()
		return
	}
	if len(data) > 0 {
		c.Received.Fire(Datagram{From: from, Data: data})
	}
	c.loop.Invoke(c.pollRead)
}
