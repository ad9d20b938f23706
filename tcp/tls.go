// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"mellium.im/reactor"
	"mellium.im/reactor/clock"
	"mellium.im/reactor/event"
	"mellium.im/reactor/socket"
	"mellium.im/reactor/statemachine"
)

// DefaultHandshakeTimeout bounds the TLS handshake phase.
var DefaultHandshakeTimeout = clock.FromSeconds(30)

// DefaultReadStallTimeout bounds how long a read that has started
// decoding a TLS record may wait for the rest of it.
var DefaultReadStallTimeout = clock.FromSeconds(5)

type tlsState int

const (
	tlsIdle tlsState = iota
	tlsConnecting
	tlsHandshaking
	tlsHandshaked
	tlsSending
	tlsDisconnected
)

type tlsTrigger int

const (
	tlsTriggerConnect tlsTrigger = iota
	tlsTriggerHandshake
	tlsTriggerHandshaked
	tlsTriggerSend
	tlsTriggerDisconnect
)

// A TLSClient is a TLS connection with the same event surface as
// Client: Connected fires only after the handshake succeeds, and
// Received carries plaintext.
//
// Handshake and record decoding run on the loop and may block it for
// up to the handshake and read stall timeouts when a peer stalls
// mid-record; both timeouts are short and end in disconnection.
type TLSClient struct {
	// PollInterval is the delay between socket readiness checks.
	PollInterval clock.Duration
	// BufferSize bounds the size of a single plaintext read.
	BufferSize int
	// ConnectTimeout bounds the connecting phase. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout clock.Duration
	// HandshakeTimeout bounds the handshake. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout clock.Duration
	// Config is the TLS configuration. For clients a nil config uses
	// the host being connected to as the server name.
	Config *tls.Config
	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// Connected fires once the handshake has completed.
	Connected event.Event[*TLSClient]
	// Received fires for every chunk of plaintext read.
	Received event.Event[[]byte]
	// Disconnected fires once when the connection ends.
	Disconnected event.Event[*TLSClient]

	loop    *reactor.Loop
	sock    *socket.Socket
	conn    *tls.Conn
	machine *statemachine.Machine[tlsState, tlsTrigger]
	sendBuf []byte
	remote  socket.Endpoint
	timeout reactor.Token
	server  bool
}

// NewTLSClient returns an idle TLS client driven by the given loop.
func NewTLSClient(loop *reactor.Loop) *TLSClient {
	c := &TLSClient{
		PollInterval: DefaultPollInterval,
		BufferSize:   DefaultBufferSize,
		loop:         loop,
	}
	c.machine = newTLSMachine(c, tlsIdle)
	return c
}

// newTLSAccepted wraps an accepted socket for the server side of a
// handshake.
func newTLSAccepted(loop *reactor.Loop, sock *socket.Socket, peer socket.Endpoint, config *tls.Config) *TLSClient {
	c := &TLSClient{
		PollInterval: DefaultPollInterval,
		BufferSize:   DefaultBufferSize,
		Config:       config,
		loop:         loop,
		sock:         sock,
		remote:       peer,
		server:       true,
	}
	c.machine = newTLSMachine(c, tlsHandshaking)
	return c
}

func newTLSMachine(c *TLSClient, initial tlsState) *statemachine.Machine[tlsState, tlsTrigger] {
	m := statemachine.New[tlsState, tlsTrigger](initial)
	m.Configure(tlsIdle).
		Permit(tlsTriggerConnect, tlsConnecting)
	m.Configure(tlsConnecting).
		Permit(tlsTriggerHandshake, tlsHandshaking).
		Permit(tlsTriggerDisconnect, tlsDisconnected).
		OnEntry(c.enterConnecting)
	m.Configure(tlsHandshaking).
		Permit(tlsTriggerHandshaked, tlsHandshaked).
		Permit(tlsTriggerDisconnect, tlsDisconnected).
		OnEntry(c.enterHandshaking)
	m.Configure(tlsHandshaked).
		Permit(tlsTriggerSend, tlsSending).
		Permit(tlsTriggerDisconnect, tlsDisconnected).
		OnEntry(c.enterHandshaked)
	m.Configure(tlsSending).
		SubstateOf(tlsHandshaked).
		Permit(tlsTriggerSend, tlsSending).
		OnEntry(c.enterSending)
	m.Configure(tlsDisconnected).
		OnEntry(c.enterDisconnected)
	return m
}

func (c *TLSClient) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// IsConnected reports whether the handshake has completed and the
// connection has not yet ended.
func (c *TLSClient) IsConnected() bool {
	return c.machine.IsIn(tlsHandshaked)
}

// Connect opens a socket and starts connecting to the given endpoint.
// The handshake begins as soon as the TCP connection is established.
func (c *TLSClient) Connect(endpoint socket.Endpoint) error {
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
	return c.machine.Fire(tlsTriggerConnect)
}

// Remote returns the endpoint passed to Connect.
func (c *TLSClient) Remote() socket.Endpoint {
	return c.remote
}

func (c *TLSClient) enterConnecting() {
	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	c.timeout = c.loop.Schedule(timeout, func() {
		if c.machine.State() == tlsConnecting {
			c.fire(tlsTriggerDisconnect)
		}
	})
	c.pollConnect()
}

func (c *TLSClient) pollConnect() {
	if c.machine.State() != tlsConnecting {
		return
	}
	writable, err := c.sock.Poll(socket.Write|socket.Error, 0)
	if err != nil {
		c.fire(tlsTriggerDisconnect)
		return
	}
	if writable {
		c.timeout.Cancel()
		if err := c.sock.TakeError(); err != nil {
			c.log().Debug("tcp: tls connect failed", "remote", c.remote.String(), "err", err)
			c.fire(tlsTriggerDisconnect)
			return
		}
		c.fire(tlsTriggerHandshake)
		return
	}
	c.loop.Schedule(c.PollInterval, c.pollConnect)
}

func (c *TLSClient) enterHandshaking() {
	if c.server {
		// The client speaks first: wait for its hello before the
		// handshake call can make progress without stalling the loop.
		c.loop.Invoke(c.pollServerHello)
		return
	}
	c.handshake()
}

func (c *TLSClient) pollServerHello() {
	if c.machine.State() != tlsHandshaking {
		return
	}
	readable, err := c.sock.Poll(socket.Read|socket.Error, 0)
	if err != nil {
		c.fire(tlsTriggerDisconnect)
		return
	}
	if !readable {
		c.loop.Schedule(c.PollInterval, c.pollServerHello)
		return
	}
	c.handshake()
}

func (c *TLSClient) handshake() {
	config := c.Config
	if config == nil {
		config = &tls.Config{}
	}
	if !c.server && config.ServerName == "" {
		config = config.Clone()
		config.ServerName = c.remote.Host
	}
	raw := newSockConn(c.sock, c.remote)
	if c.server {
		c.conn = tls.Server(raw, config)
	} else {
		c.conn = tls.Client(raw, config)
	}

	timeout := c.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout.Std())
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.fire(tlsTriggerDisconnect)
		return
	}
	if err := c.conn.Handshake(); err != nil {
		c.log().Debug("tcp: tls handshake failed", "remote", c.remote.String(), "err", err)
		c.fire(tlsTriggerDisconnect)
		return
	}
	c.conn.SetDeadline(time.Time{})
	c.fire(tlsTriggerHandshaked)
}

func (c *TLSClient) enterHandshaked() {
	c.sendBuf = c.sendBuf[:0]
	c.Connected.Fire(c)
	c.loop.Invoke(c.pollRead)
}

func (c *TLSClient) pollRead() {
	if !c.machine.IsIn(tlsHandshaked) {
		return
	}
	readable, err := c.sock.Poll(socket.Read, 0)
	if err != nil {
		c.fire(tlsTriggerDisconnect)
		return
	}
	if !readable {
		c.loop.Schedule(c.PollInterval, c.pollRead)
		return
	}
	stall := DefaultReadStallTimeout
	c.conn.SetReadDeadline(time.Now().Add(stall.Std()))
	buf := make([]byte, c.BufferSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.Received.Fire(buf[:n])
	}
	switch {
	case err == nil:
		c.loop.Invoke(c.pollRead)
	case errors.Is(err, io.EOF):
		c.fire(tlsTriggerDisconnect)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// A record stalled past the stall timeout; the TLS state
			// is no longer trustworthy.
			c.log().Debug("tcp: tls read stalled", "remote", c.remote.String())
		}
		c.fire(tlsTriggerDisconnect)
	}
}

// Send queues plaintext for transmission. Bytes from successive Send
// calls reach the wire in call order.
func (c *TLSClient) Send(data []byte) error {
	c.sendBuf = append(c.sendBuf, data...)
	return c.machine.Fire(tlsTriggerSend)
}

func (c *TLSClient) enterSending() {
	if len(c.sendBuf) == 0 {
		return
	}
	data := c.sendBuf
	c.sendBuf = nil
	if _, err := c.conn.Write(data); err != nil {
		c.log().Debug("tcp: tls send failed", "remote", c.remote.String(), "err", err)
		c.fire(tlsTriggerDisconnect)
	}
}

// Disconnect closes the connection. It is a no-op on a client that is
// already disconnected or was never connected.
func (c *TLSClient) Disconnect() {
	if c.machine.State() == tlsDisconnected || c.machine.State() == tlsIdle {
		return
	}
	c.fire(tlsTriggerDisconnect)
}

func (c *TLSClient) enterDisconnected() {
	c.timeout.Cancel()
	if c.conn != nil {
		c.conn.Close()
	} else if c.sock != nil {
		c.sock.Close()
	}
	c.sendBuf = nil
	c.Disconnected.Fire(c)
}

func (c *TLSClient) fire(t tlsTrigger) {
	if err := c.machine.Fire(t); err != nil {
		c.log().Error("tcp: internal state machine error", "err", err)
	}
}

// A TLSAccepted describes a connection taken off a TLS server's
// listening socket. The handshake is already complete when it fires.
type TLSAccepted struct {
	Client *TLSClient
	Peer   socket.Endpoint
}

// A TLSServer listens for TLS connections and hands each one off as a
// TLSClient once its handshake completes.
type TLSServer struct {
	// PollInterval is the delay between accept readiness checks.
	PollInterval clock.Duration
	// Backlog is passed to listen.
	Backlog int
	// Config must carry at least one certificate.
	Config *tls.Config
	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// Accepted fires for every connection whose handshake succeeded,
	// from inside the client's own Connected dispatch; handlers that
	// an Accepted subscriber adds to Connected miss that firing.
	Accepted event.Event[TLSAccepted]

	loop      *reactor.Loop
	sock      *socket.Socket
	clients   map[uint64]*TLSClient
	nextID    uint64
	listening bool
}

// NewTLSServer returns a TLS server driven by the given loop.
func NewTLSServer(loop *reactor.Loop, config *tls.Config) *TLSServer {
	return &TLSServer{
		PollInterval: DefaultPollInterval,
		Backlog:      DefaultBacklog,
		Config:       config,
		loop:         loop,
		clients:      make(map[uint64]*TLSClient),
	}
}

func (s *TLSServer) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Listen binds the given port and starts accepting connections.
func (s *TLSServer) Listen(port uint16) error {
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
func (s *TLSServer) Port() (uint16, error) {
	return s.sock.LocalPort()
}

// Len returns the number of connected clients.
func (s *TLSServer) Len() int {
	return len(s.clients)
}

// Close stops accepting and disconnects every connected client.
func (s *TLSServer) Close() {
	if !s.listening {
		return
	}
	s.listening = false
	s.sock.Close()
	for _, c := range s.clients {
		c.Disconnect()
	}
}

func (s *TLSServer) pollAccept() {
	if !s.listening {
		return
	}
	readable, err := s.sock.Poll(socket.Read, 0)
	if err != nil {
		s.log().Error("tcp: tls server poll failed", "err", err)
		s.Close()
		return
	}
	if !readable {
		s.loop.Schedule(s.PollInterval, s.pollAccept)
		return
	}
	child, peer, err := s.sock.Accept()
	if err != nil {
		s.log().Error("tcp: tls accept failed", "err", err)
		s.loop.Schedule(s.PollInterval, s.pollAccept)
		return
	}
	if err := child.SetBlocking(false); err != nil {
		s.log().Error("tcp: accepted socket setup failed", "err", err)
		child.Close()
		s.loop.Schedule(s.PollInterval, s.pollAccept)
		return
	}
	s.adopt(newTLSAccepted(s.loop, child, peer, s.Config), peer)
	s.loop.Invoke(s.pollAccept)
}

func (s *TLSServer) adopt(client *TLSClient, peer socket.Endpoint) {
	s.nextID++
	id := s.nextID
	s.clients[id] = client
	client.Disconnected.Subscribe(func(*TLSClient) {
		delete(s.clients, id)
	})
	client.Connected.Subscribe(func(c *TLSClient) {
		s.Accepted.Fire(TLSAccepted{Client: c, Peer: peer})
	})
	// The accepted machine starts in the handshaking state; entry
	// actions do not run for initial states, so kick it explicitly.
	client.enterHandshaking()
}
