// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp

import (
	"io"
	"net"
	"os"
	"time"

	"mellium.im/reactor/socket"
)

// sockConn adapts a non-blocking socket to the net.Conn contract that
// crypto/tls requires. Reads and writes wait for readiness by polling
// in short slices so a deadline is honored to within one slice.
type sockConn struct {
	sock          *socket.Socket
	readDeadline  time.Time
	writeDeadline time.Time
	remote        socket.Endpoint
}

// pollSlice is how long a single readiness wait may block before the
// deadline is rechecked.
const pollSlice = 100 // milliseconds

func newSockConn(sock *socket.Socket, remote socket.Endpoint) *sockConn {
	return &sockConn{sock: sock, remote: remote}
}

func (c *sockConn) wait(events socket.Events, deadline time.Time) error {
	for {
		timeout := pollSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return os.ErrDeadlineExceeded
			}
			if ms := int(remaining / time.Millisecond); ms < timeout {
				timeout = ms + 1
			}
		}
		ready, err := c.sock.Poll(events, timeout)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}

// Read implements net.Conn. A readable socket with no data means the
// peer closed, reported as io.EOF.
func (c *sockConn) Read(p []byte) (int, error) {
	data, err := c.sock.Receive(len(p))
	if err != nil {
		return 0, err
	}
	if len(data) > 0 {
		return copy(p, data), nil
	}
	if err := c.wait(socket.Read|socket.Error, c.readDeadline); err != nil {
		return 0, err
	}
	data, err = c.sock.Receive(len(p))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

// Write implements net.Conn.
func (c *sockConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := c.sock.Send(p[written:])
		if err != nil {
			return written, err
		}
		written += n
		if n == 0 {
			if err := c.wait(socket.Write|socket.Error, c.writeDeadline); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close implements net.Conn.
func (c *sockConn) Close() error {
	return c.sock.Close()
}

// sockAddr names a socket endpoint for the net.Addr interface.
type sockAddr struct {
	endpoint socket.Endpoint
}

func (a sockAddr) Network() string { return "tcp" }
func (a sockAddr) String() string  { return a.endpoint.String() }

// LocalAddr implements net.Conn.
func (c *sockConn) LocalAddr() net.Addr {
	return sockAddr{}
}

// RemoteAddr implements net.Conn.
func (c *sockConn) RemoteAddr() net.Addr {
	return sockAddr{endpoint: c.remote}
}

// SetDeadline implements net.Conn.
func (c *sockConn) SetDeadline(t time.Time) error {
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *sockConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *sockConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline = t
	return nil
}
