// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package web_test

import (
	"io"
	"net"
	"strconv"
	"testing"

	"golang.org/x/sync/errgroup"

	"mellium.im/reactor"
	"mellium.im/reactor/web"
)

func TestServerClientKeepAlive(t *testing.T) {
	conn := &sink{}
	sc := web.NewServerClient(conn)
	sc.RequestEnded.Subscribe(func(sc *web.ServerClient) {
		sc.Begin("HTTP/1.1", 200, "OK")
		sc.Send([]byte("hi"))
		sc.End()
	})

	if err := sc.Feed([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	const want = "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nhi\r\n0\r\n\r\n"
	if got := conn.buf.String(); got != want {
		t.Errorf("response bytes\n got %q\nwant %q", got, want)
	}
	if conn.disconnected {
		t.Error("kept-alive connection was disconnected")
	}

	// The connection stays usable for the next request.
	conn.buf.Reset()
	if err := sc.Feed([]byte("GET /again HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("second feed: %v", err)
	}
	if got := conn.buf.String(); got != want {
		t.Errorf("second response bytes\n got %q\nwant %q", got, want)
	}
}

func TestServerClientConnectionClose(t *testing.T) {
	conn := &sink{}
	sc := web.NewServerClient(conn)
	sc.RequestEnded.Subscribe(func(sc *web.ServerClient) {
		sc.Begin("HTTP/1.1", 200, "OK")
		sc.Send([]byte("bye"))
		sc.End()
	})

	if err := sc.Feed([]byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	const want = "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nbye"
	if got := conn.buf.String(); got != want {
		t.Errorf("response bytes\n got %q\nwant %q", got, want)
	}
	if !conn.disconnected {
		t.Error("connection stayed open after Connection: close response")
	}
}

func TestServerClientRequestBody(t *testing.T) {
	conn := &sink{}
	sc := web.NewServerClient(conn)
	var body []byte
	sc.ContentReceived.Subscribe(func(data []byte) {
		body = append(body, data...)
	})
	var ended int
	sc.RequestEnded.Subscribe(func(*web.ServerClient) { ended++ })

	if err := sc.Feed([]byte("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
	if ended != 1 {
		t.Errorf("request ended %d times, want 1", ended)
	}
}

func TestServer(t *testing.T) {
	loop := reactor.New()
	srv := web.NewServer(loop)
	srv.Accepted.Subscribe(func(sc *web.ServerClient) {
		sc.RequestEnded.Subscribe(func(sc *web.ServerClient) {
			sc.Begin("HTTP/1.1", 200, "OK")
			sc.Send([]byte("hi"))
			sc.End()
		})
		sc.Disconnected.Subscribe(func(*web.ServerClient) {
			srv.Close()
		})
	})
	if err := srv.Listen(0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	port, err := srv.Port()
	if err != nil {
		t.Fatalf("port: %v", err)
	}

	var group errgroup.Group
	var got []byte
	group.Go(func() error {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.Write([]byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n"))
		if err != nil {
			return err
		}
		got, err = io.ReadAll(conn)
		return err
	})

	loop.Run()
	if err := group.Wait(); err != nil {
		t.Fatalf("peer: %v", err)
	}
	const want = "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nhi"
	if string(got) != want {
		t.Errorf("response bytes\n got %q\nwant %q", got, want)
	}
}
