// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"mellium.im/reactor"
	"mellium.im/reactor/socket"
	"mellium.im/reactor/tcp"
)

// A Client is a Session bound to a TLS connection. Stream negotiation
// begins as soon as the handshake completes.
type Client struct {
	*Session

	tls *tcp.TLSClient
}

// NewClient returns a client that will log in to server as username
// once Connect succeeds. The embedded TLS client may be configured
// before calling Connect.
func NewClient(loop *reactor.Loop, server, username, password string) *Client {
	conn := tcp.NewTLSClient(loop)
	c := &Client{
		Session: NewSession(loop, conn, server, username, password),
		tls:     conn,
	}
	conn.Connected.Subscribe(func(*tcp.TLSClient) {
		c.Open()
	})
	conn.Received.Subscribe(func(data []byte) {
		c.Feed(data)
	})
	conn.Disconnected.Subscribe(func(*tcp.TLSClient) {
		c.ConnectionClosed()
	})
	return c
}

// TLS returns the underlying TLS client for configuration before
// Connect.
func (c *Client) TLS() *tcp.TLSClient {
	return c.tls
}

// Connect opens the TLS connection. Negotiation continues through the
// session's events once the handshake completes.
func (c *Client) Connect(endpoint socket.Endpoint) error {
	return c.tls.Connect(endpoint)
}
