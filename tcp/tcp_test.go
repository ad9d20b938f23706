// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp_test

import (
	"io"
	"net"
	"strconv"
	"testing"

	"golang.org/x/sync/errgroup"

	"mellium.im/reactor"
	"mellium.im/reactor/clock"
	"mellium.im/reactor/socket"
	"mellium.im/reactor/tcp"
)

// peerListener starts a stdlib listener that serves as the remote end
// of client tests.
func peerListener(t *testing.T) (net.Listener, socket.Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	return ln, socket.Endpoint{Host: "127.0.0.1", Port: port}
}

func TestClientSendOrder(t *testing.T) {
	ln, addr := peerListener(t)

	var group errgroup.Group
	var got []byte
	group.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		got, err = io.ReadAll(conn)
		return err
	})

	loop := reactor.New()
	client := tcp.NewClient(loop)
	client.Connected.Subscribe(func(c *tcp.Client) {
		if err := c.Send([]byte("AB")); err != nil {
			t.Errorf("send: %v", err)
		}
		if err := c.Send([]byte("CD")); err != nil {
			t.Errorf("send: %v", err)
		}
		loop.Schedule(clock.FromMilliseconds(50), c.Disconnect)
	})
	if err := client.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	loop.Run()

	if err := group.Wait(); err != nil {
		t.Fatalf("peer: %v", err)
	}
	if string(got) != "ABCD" {
		t.Errorf("wire saw %q, want %q", got, "ABCD")
	}
}

func TestClientReceiveAndPeerClose(t *testing.T) {
	ln, addr := peerListener(t)

	var group errgroup.Group
	group.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if _, err := conn.Write([]byte("hello")); err != nil {
			return err
		}
		return conn.Close()
	})

	loop := reactor.New()
	client := tcp.NewClient(loop)
	var received []byte
	disconnects := 0
	client.Received.Subscribe(func(data []byte) {
		received = append(received, data...)
	})
	client.Disconnected.Subscribe(func(*tcp.Client) {
		disconnects++
	})
	if err := client.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	loop.Run()

	if err := group.Wait(); err != nil {
		t.Fatalf("peer: %v", err)
	}
	if string(received) != "hello" {
		t.Errorf("received %q, want %q", received, "hello")
	}
	if disconnects != 1 {
		t.Errorf("Disconnected fired %d times, want 1", disconnects)
	}
	if client.IsConnected() {
		t.Error("client still reports connected after peer close")
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port that nothing is listening on.
	ln, addr := peerListener(t)
	ln.Close()

	loop := reactor.New()
	client := tcp.NewClient(loop)
	client.ConnectTimeout = clock.FromSeconds(2)
	connects, disconnects := 0, 0
	client.Connected.Subscribe(func(*tcp.Client) { connects++ })
	client.Disconnected.Subscribe(func(*tcp.Client) { disconnects++ })
	if err := client.Connect(addr); err != nil {
		// A synchronous refusal is also acceptable.
		return
	}
	loop.Run()

	if connects != 0 {
		t.Error("Connected fired for a refused connection")
	}
	if disconnects != 1 {
		t.Errorf("Disconnected fired %d times, want 1", disconnects)
	}
}

func TestServerAcceptAndEcho(t *testing.T) {
	loop := reactor.New()
	server := tcp.NewServer(loop)
	server.Accepted.Subscribe(func(acc tcp.Accepted) {
		acc.Client.Received.Subscribe(func(data []byte) {
			if err := acc.Client.Send(data); err != nil {
				t.Errorf("echo send: %v", err)
			}
		})
		acc.Client.Disconnected.Subscribe(func(*tcp.Client) {
			server.Close()
		})
	})
	if err := server.Listen(0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	port, err := server.Port()
	if err != nil {
		t.Fatalf("port: %v", err)
	}

	var group errgroup.Group
	var echoed []byte
	group.Go(func() error {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
		if err != nil {
			return err
		}
		if _, err := conn.Write([]byte("ping")); err != nil {
			return err
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}
		echoed = buf
		return conn.Close()
	})

	loop.Run()

	if err := group.Wait(); err != nil {
		t.Fatalf("peer: %v", err)
	}
	if string(echoed) != "ping" {
		t.Errorf("echoed %q, want %q", echoed, "ping")
	}
	if server.Len() != 0 {
		t.Errorf("server still owns %d clients after disconnect", server.Len())
	}
}
