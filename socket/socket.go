// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package socket wraps non-blocking stream and datagram sockets.
//
// A Socket owns its file descriptor exclusively: closing the socket
// releases the descriptor and the value must not be copied. All
// operations are non-blocking once SetBlocking(false) has been called;
// readiness is observed with Poll, never by blocking in a read or
// write.
package socket // import "mellium.im/reactor/socket"

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Errors reported by socket operations, matched with errors.Is.
var (
	ErrHostNotFound      = errors.New("socket: host not found")
	ErrConnectionRefused = errors.New("socket: connection refused")
	ErrBindFailed        = errors.New("socket: bind failed")
	ErrListenFailed      = errors.New("socket: listen failed")
	ErrSendFailed        = errors.New("socket: send failed")
	ErrIoctlFailed       = errors.New("socket: ioctl failed")
	ErrInvalidOption     = errors.New("socket: invalid option")
	ErrInvalidHandle     = errors.New("socket: invalid handle")
)

// An Endpoint names one end of a connection as a host (name or IP
// literal) and a port.
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Events is a set of readiness conditions for Poll.
type Events int

// Readiness conditions. They combine with bitwise or.
const (
	Read Events = 1 << iota
	Write
	Error
)

// Family selects the socket address family.
type Family int

// Supported address families.
const (
	INet Family = unix.AF_INET
)

// Type selects the socket type.
type Type int

// Supported socket types.
const (
	Stream   Type = unix.SOCK_STREAM
	Datagram Type = unix.SOCK_DGRAM
)

// A Socket is an open socket descriptor. The zero value is invalid;
// open one with Open or obtain one from Accept.
type Socket struct {
	fd   int
	open bool
}

// Open creates a new socket of the given family, type, and protocol.
func Open(family Family, typ Type, proto int) (*Socket, error) {
	fd, err := unix.Socket(int(family), int(typ), proto)
	if err != nil {
		return nil, fmt.Errorf("socket: open: %w", err)
	}
	return &Socket{fd: fd, open: true}, nil
}

// Close releases the descriptor. Closing an already closed socket is a
// no-op.
func (s *Socket) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	return unix.Close(s.fd)
}

// SetBlocking switches the socket between blocking and non-blocking
// mode.
func (s *Socket) SetBlocking(blocking bool) error {
	if !s.open {
		return ErrInvalidHandle
	}
	if err := unix.SetNonblock(s.fd, !blocking); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}
	return nil
}

// resolve turns an endpoint into a sockaddr, looking up host names
// through the system resolver. IPv4 addresses are preferred.
func resolve(endpoint Endpoint) (unix.Sockaddr, error) {
	ips, err := net.LookupIP(endpoint.Host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrHostNotFound, endpoint.Host)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: int(endpoint.Port)}
			copy(sa.Addr[:], v4)
			return sa, nil
		}
	}
	sa := &unix.SockaddrInet6{Port: int(endpoint.Port)}
	copy(sa.Addr[:], ips[0].To16())
	return sa, nil
}

func endpointOf(sa unix.Sockaddr) Endpoint {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{Host: net.IP(sa.Addr[:]).String(), Port: uint16(sa.Port)}
	case *unix.SockaddrInet6:
		return Endpoint{Host: net.IP(sa.Addr[:]).String(), Port: uint16(sa.Port)}
	}
	return Endpoint{}
}

// Connect starts connecting the socket to the given endpoint. On a
// non-blocking socket the connection is usually still in progress when
// Connect returns; poll for writability to learn when it completes.
func (s *Socket) Connect(endpoint Endpoint) error {
	if !s.open {
		return ErrInvalidHandle
	}
	sa, err := resolve(endpoint)
	if err != nil {
		return err
	}
	err = unix.Connect(s.fd, sa)
	switch {
	case err == nil, errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return nil
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, endpoint)
	default:
		return fmt.Errorf("socket: connect %v: %w", endpoint, err)
	}
}

// Bind binds the socket to the given local port on all interfaces.
func (s *Socket) Bind(port uint16) error {
	if !s.open {
		return ErrInvalidHandle
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}
	if err := unix.Bind(s.fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		return fmt.Errorf("%w: port %d: %v", ErrBindFailed, port, err)
	}
	return nil
}

// Listen marks the socket as accepting connections with the given
// backlog.
func (s *Socket) Listen(backlog int) error {
	if !s.open {
		return ErrInvalidHandle
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("%w: %v", ErrListenFailed, err)
	}
	return nil
}

// Accept takes the next pending connection off a listening socket and
// returns it together with the peer's endpoint. The child socket
// inherits nothing: set its blocking mode explicitly.
func (s *Socket) Accept() (*Socket, Endpoint, error) {
	if !s.open {
		return nil, Endpoint{}, ErrInvalidHandle
	}
	fd, sa, err := unix.Accept(s.fd)
	if err != nil {
		return nil, Endpoint{}, fmt.Errorf("socket: accept: %w", err)
	}
	return &Socket{fd: fd, open: true}, endpointOf(sa), nil
}

// LocalPort returns the port the socket is bound to, which is useful
// after binding port zero.
func (s *Socket) LocalPort() (uint16, error) {
	if !s.open {
		return 0, ErrInvalidHandle
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, fmt.Errorf("socket: getsockname: %w", err)
	}
	return endpointOf(sa).Port, nil
}

// Poll reports whether any of the requested conditions is ready,
// waiting at most timeout milliseconds. A zero timeout polls without
// waiting; a negative timeout waits indefinitely.
func (s *Socket) Poll(events Events, timeoutMillis int) (bool, error) {
	if !s.open {
		return false, ErrInvalidHandle
	}
	var want int16
	if events&Read != 0 {
		want |= unix.POLLIN
	}
	if events&Write != 0 {
		want |= unix.POLLOUT
	}
	if events&Error != 0 {
		want |= unix.POLLERR
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: want}}
	for {
		n, err := unix.Poll(fds, timeoutMillis)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("socket: poll: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		// POLLERR and POLLHUP are reported even when not requested;
		// only surface conditions the caller asked about.
		got := fds[0].Revents
		if events&Error == 0 {
			got &^= unix.POLLERR | unix.POLLHUP
		} else {
			want |= unix.POLLERR | unix.POLLHUP
		}
		return got&want != 0, nil
	}
}

// TakeError returns and clears the socket's pending error, as set by a
// failed asynchronous connect.
func (s *Socket) TakeError() error {
	if !s.open {
		return ErrInvalidHandle
	}
	code, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}
	switch unix.Errno(code) {
	case 0:
		return nil
	case unix.ECONNREFUSED:
		return ErrConnectionRefused
	default:
		return fmt.Errorf("socket: %w", unix.Errno(code))
	}
}

// Available returns the number of bytes that can be read without
// blocking.
func (s *Socket) Available() (int, error) {
	if !s.open {
		return 0, ErrInvalidHandle
	}
	n, err := unix.IoctlGetInt(s.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIoctlFailed, err)
	}
	return n, nil
}

// Receive reads at most n bytes from the socket. It returns an empty
// slice both when no data is available yet and when the peer has
// closed; distinguish the two by only calling Receive after a
// successful read poll, after which an empty result means the peer
// closed the connection.
func (s *Socket) Receive(n int) ([]byte, error) {
	if !s.open {
		return nil, ErrInvalidHandle
	}
	buf := make([]byte, n)
	for {
		read, err := unix.Read(s.fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("socket: receive: %w", err)
		}
		return buf[:read], nil
	}
}

// Send writes as much of data as the socket will take and returns the
// number of bytes written. A full send buffer is not an error: the
// result is simply zero.
func (s *Socket) Send(data []byte) (int, error) {
	if !s.open {
		return 0, ErrInvalidHandle
	}
	for {
		n, err := unix.Write(s.fd, data)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return n, nil
	}
}

// ReceiveFrom reads a single datagram of at most n bytes and returns it
// with the sender's endpoint.
func (s *Socket) ReceiveFrom(n int) ([]byte, Endpoint, error) {
	if !s.open {
		return nil, Endpoint{}, ErrInvalidHandle
	}
	buf := make([]byte, n)
	for {
		read, sa, err := unix.Recvfrom(s.fd, buf, 0)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, Endpoint{}, nil
		case err != nil:
			return nil, Endpoint{}, fmt.Errorf("socket: receive from: %w", err)
		}
		return buf[:read], endpointOf(sa), nil
	}
}

// SendTo writes a single datagram to the given endpoint.
func (s *Socket) SendTo(data []byte, endpoint Endpoint) error {
	if !s.open {
		return ErrInvalidHandle
	}
	sa, err := resolve(endpoint)
	if err != nil {
		return err
	}
	if err := unix.Sendto(s.fd, data, 0, sa); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}
