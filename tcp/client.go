// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package tcp provides event-driven TCP clients and servers on top of
// the reactor loop and non-blocking sockets.
//
// All I/O is cooperative: a client polls its socket from callbacks
// scheduled on the loop and surfaces connection lifecycle and data as
// events. Nothing in this package starts goroutines.
package tcp // import "mellium.im/reactor/tcp"

import (
	"log/slog"

	"mellium.im/reactor"
	"mellium.im/reactor/clock"
	"mellium.im/reactor/event"
	"mellium.im/reactor/socket"
	"mellium.im/reactor/statemachine"
)

// Defaults used by clients and servers unless overridden before
// Connect or Listen.
const (
	DefaultPollInterval = clock.Duration(1)
	DefaultBufferSize   = 4096
	DefaultBacklog      = 16
)

// DefaultConnectTimeout bounds how long a client waits for a connect
// to complete before giving up and disconnecting.
var DefaultConnectTimeout = clock.FromSeconds(30)

type clientState int

const (
	stateIdle clientState = iota
	stateConnecting
	stateConnected
	stateSending
	stateDisconnected
)

type clientTrigger int

const (
	triggerConnect clientTrigger = iota
	triggerConnected
	triggerSend
	triggerDisconnect
)

// A Client is a non-blocking TCP connection driven by a reactor loop.
//
// Configure the exported fields and subscribe to events before calling
// Connect. A client is single use: after Disconnected fires it cannot
// be reconnected.
type Client struct {
	// PollInterval is the delay between socket readiness checks.
	PollInterval clock.Duration
	// BufferSize bounds the size of a single read.
	BufferSize int
	// ConnectTimeout bounds the connecting phase. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout clock.Duration
	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// Connected fires once the connection is established.
	Connected event.Event[*Client]
	// Received fires for every chunk of bytes read.
	Received event.Event[[]byte]
	// Disconnected fires once when the connection ends, whether by
	// Disconnect, peer close, or a socket error.
	Disconnected event.Event[*Client]

	loop    *reactor.Loop
	sock    *socket.Socket
	machine *statemachine.Machine[clientState, clientTrigger]
	sendBuf []byte
	remote  socket.Endpoint
	timeout reactor.Token
}

// NewClient returns an idle client driven by the given loop.
func NewClient(loop *reactor.Loop) *Client {
	c := &Client{
		PollInterval: DefaultPollInterval,
		BufferSize:   DefaultBufferSize,
		loop:         loop,
	}
	c.machine = newClientMachine(c, stateIdle)
	return c
}

// newAccepted wraps an already connected socket, as produced by a
// server's accept loop. The machine begins in the connected state; the
// caller starts the read loop with start once its subscribers are in
// place.
func newAccepted(loop *reactor.Loop, sock *socket.Socket, peer socket.Endpoint) *Client {
	c := &Client{
		PollInterval: DefaultPollInterval,
		BufferSize:   DefaultBufferSize,
		loop:         loop,
		sock:         sock,
		remote:       peer,
	}
	c.machine = newClientMachine(c, stateConnected)
	return c
}

// start announces the connection and begins reading. It is used for
// clients whose sockets were connected externally.
func (c *Client) start() {
	c.Connected.Fire(c)
	c.loop.Invoke(c.pollRead)
}

func newClientMachine(c *Client, initial clientState) *statemachine.Machine[clientState, clientTrigger] {
	m := statemachine.New[clientState, clientTrigger](initial)
	m.Configure(stateIdle).
		Permit(triggerConnect, stateConnecting)
	m.Configure(stateConnecting).
		Permit(triggerConnected, stateConnected).
		Permit(triggerDisconnect, stateDisconnected).
		OnEntry(c.enterConnecting)
	m.Configure(stateConnected).
		Permit(triggerSend, stateSending).
		Permit(triggerDisconnect, stateDisconnected).
		OnEntry(c.enterConnected)
	m.Configure(stateSending).
		SubstateOf(stateConnected).
		Permit(triggerSend, stateSending).
		OnEntry(c.enterSending)
	m.Configure(stateDisconnected).
		OnEntry(c.enterDisconnected)
	return m
}

func (c *Client) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// IsConnected reports whether the connection is established and not
// yet disconnected.
func (c *Client) IsConnected() bool {
	return c.machine.IsIn(stateConnected)
}

// Connect opens a socket and starts connecting to the given endpoint.
// The result is reported through the Connected or Disconnected event.
func (c *Client) Connect(endpoint socket.Endpoint) error {
	sock, err := socket.Open(socket.INet, socket.Stream, 0)
	if err != nil {
		return err
	}
	if err := sock.SetBlocking(false); err != nil {
		sock.Close()
		return err
	}
	if err := sock.Connect(endpoint); err != nil {
		sock.Close()
		return err
	}
	c.sock = sock
	c.remote = endpoint
	return c.machine.Fire(triggerConnect)
}

// Remote returns the endpoint passed to Connect.
func (c *Client) Remote() socket.Endpoint {
	return c.remote
}

func (c *Client) enterConnecting() {
	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	c.timeout = c.loop.Schedule(timeout, func() {
		if c.machine.State() == stateConnecting {
			c.log().Debug("tcp: connect timed out", "remote", c.remote.String())
			c.fire(triggerDisconnect)
		}
	})
	c.pollConnect()
}

func (c *Client) pollConnect() {
	if c.machine.State() != stateConnecting {
		return
	}
	writable, err := c.sock.Poll(socket.Write|socket.Error, 0)
	if err != nil {
		c.fire(triggerDisconnect)
		return
	}
	if writable {
		c.timeout.Cancel()
		if err := c.sock.TakeError(); err != nil {
			c.log().Debug("tcp: connect failed", "remote", c.remote.String(), "err", err)
			c.fire(triggerDisconnect)
			return
		}
		c.fire(triggerConnected)
		return
	}
	c.loop.Schedule(c.PollInterval, c.pollConnect)
}

func (c *Client) enterConnected() {
	c.sendBuf = c.sendBuf[:0]
	c.Connected.Fire(c)
	c.loop.Invoke(c.pollRead)
}

func (c *Client) pollRead() {
	if !c.machine.IsIn(stateConnected) {
		return
	}
	readable, err := c.sock.Poll(socket.Read, 0)
	if err != nil {
		c.fire(triggerDisconnect)
		return
	}
	if !readable {
		c.loop.Schedule(c.PollInterval, c.pollRead)
		return
	}
	data, err := c.sock.Receive(c.BufferSize)
	if err != nil {
		c.fire(triggerDisconnect)
		return
	}
	if len(data) == 0 {
		// Readable with nothing to read: the peer closed.
		c.fire(triggerDisconnect)
		return
	}
	c.Received.Fire(data)
	c.loop.Invoke(c.pollRead)
}

// Send queues data for transmission. Bytes from successive Send calls
// reach the wire in call order.
func (c *Client) Send(data []byte) error {
	c.sendBuf = append(c.sendBuf, data...)
	return c.machine.Fire(triggerSend)
}

func (c *Client) enterSending() {
	if len(c.sendBuf) == 0 {
		return
	}
	n, err := c.sock.Send(c.sendBuf)
	if err != nil {
		c.log().Debug("tcp: send failed", "remote", c.remote.String(), "err", err)
		c.fire(triggerDisconnect)
		return
	}
	c.sendBuf = c.sendBuf[n:]
	if len(c.sendBuf) == 0 {
		return
	}
	if n == 0 {
		// Kernel buffer full: wait for writability at the poll
		// interval instead of spinning.
		c.loop.Schedule(c.PollInterval, func() { c.resumeSend() })
		return
	}
	c.loop.Invoke(func() { c.resumeSend() })
}

func (c *Client) resumeSend() {
	if !c.machine.IsIn(stateConnected) || len(c.sendBuf) == 0 {
		return
	}
	c.fire(triggerSend)
}

// Disconnect closes the connection. It is a no-op on a client that is
// already disconnected or was never connected.
func (c *Client) Disconnect() {
	if c.machine.State() == stateDisconnected || c.machine.State() == stateIdle {
		return
	}
	c.fire(triggerDisconnect)
}

func (c *Client) enterDisconnected() {
	c.timeout.Cancel()
	if c.sock != nil {
		c.sock.Close()
	}
	c.sendBuf = nil
	c.Disconnected.Fire(c)
}

// fire dispatches a trigger whose failure would indicate a bug in this
// package's own transition table.
func (c *Client) fire(t clientTrigger) {
	if err := c.machine.Fire(t); err != nil {
		c.log().Error("tcp: internal state machine error", "err", err)
	}
}
