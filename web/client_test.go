// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package web_test

import (
	"bytes"
	"fmt"
	"testing"

	"mellium.im/reactor/web"
)

// sink collects everything a client writes to its transport.
type sink struct {
	buf          bytes.Buffer
	disconnected bool
}

func (s *sink) Send(data []byte) error {
	s.buf.Write(data)
	return nil
}

func (s *sink) Disconnect() {
	s.disconnected = true
}

func TestRequestChunked(t *testing.T) {
	conn := &sink{}
	c := web.NewClient(conn)
	if err := c.Begin("POST", "/", "HTTP/1.1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := c.SendHeader("Host", "h"); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := c.Send([]byte("ABC")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	const want = "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nABC\r\n0\r\n\r\n"
	if got := conn.buf.String(); got != want {
		t.Errorf("request bytes\n got %q\nwant %q", got, want)
	}
}

func TestRequestWithoutBody(t *testing.T) {
	conn := &sink{}
	c := web.NewClient(conn)
	c.Begin("GET", "/index.html", "HTTP/1.1")
	c.SendHeader("Host", "h")
	c.End()
	const want = "GET /index.html HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n"
	if got := conn.buf.String(); got != want {
		t.Errorf("request bytes\n got %q\nwant %q", got, want)
	}
}

func TestRequestEmptyChunkWritesNoFraming(t *testing.T) {
	conn := &sink{}
	c := web.NewClient(conn)
	c.Begin("POST", "/", "HTTP/1.1")
	c.Send(nil)
	c.Send([]byte("x"))
	c.End()
	const want = "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nx\r\n0\r\n\r\n"
	if got := conn.buf.String(); got != want {
		t.Errorf("request bytes\n got %q\nwant %q", got, want)
	}
}

// record subscribes to every response event and keeps a readable
// trace. Adjacent content events merge, since a body may arrive in
// any number of runs.
func record(c *web.Client) *[]string {
	var trace []string
	content := func(data []byte) {
		if n := len(trace); n > 0 && len(trace[n-1]) >= 8 && trace[n-1][:8] == "content " {
			trace[n-1] += string(data)
			return
		}
		trace = append(trace, "content "+string(data))
	}
	c.ResponseStarted.Subscribe(func(s web.ResponseStart) {
		trace = append(trace, fmt.Sprintf("start %s %d %s", s.Version, s.Code, s.Description))
	})
	c.HeaderReceived.Subscribe(func(h web.Header) {
		trace = append(trace, fmt.Sprintf("header %s=%s", h.Key, h.Value))
	})
	c.ContentReceived.Subscribe(content)
	c.ResponseEnded.Subscribe(func(*web.Client) {
		trace = append(trace, "end")
	})
	return &trace
}

var responseCases = [...]struct {
	input string
	want  []string
}{
	0: {
		input: "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello",
		want: []string{
			"start HTTP/1.1 200 OK",
			"header Content-Length=5",
			"content hello",
			"end",
		},
	},
	1: {
		input: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n",
		want: []string{
			"start HTTP/1.1 200 OK",
			"header Transfer-Encoding=chunked",
			"content abcde",
			"end",
		},
	},
	2: {
		input: "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n",
		want: []string{
			"start HTTP/1.1 204 No Content",
			"header Content-Length=0",
			"end",
		},
	},
	3: {
		// Two responses back to back on a kept-alive connection.
		input: "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nab" +
			"HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n",
		want: []string{
			"start HTTP/1.1 200 OK",
			"header Content-Length=2",
			"content ab",
			"end",
			"start HTTP/1.1 404 Not Found",
			"header Content-Length=0",
			"end",
		},
	},
	4: {
		input: "HTTP/1.1 200 OK\r\n\r\n",
		want: []string{
			"start HTTP/1.1 200 OK",
			"end",
		},
	},
}

func TestResponses(t *testing.T) {
	for i, tc := range responseCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			c := web.NewClient(&sink{})
			trace := record(c)
			if err := c.Feed([]byte(tc.input)); err != nil {
				t.Fatalf("feed: %v", err)
			}
			assertTrace(t, *trace, tc.want)
		})
	}
}

// TestResponsesByteAtATime verifies that suspension at every byte
// boundary produces the same event sequence.
func TestResponsesByteAtATime(t *testing.T) {
	for i, tc := range responseCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			c := web.NewClient(&sink{})
			trace := record(c)
			for j := 0; j < len(tc.input); j++ {
				if err := c.Feed([]byte{tc.input[j]}); err != nil {
					t.Fatalf("feed byte %d: %v", j, err)
				}
			}
			assertTrace(t, *trace, tc.want)
		})
	}
}

func TestResponseUntilClosed(t *testing.T) {
	c := web.NewClient(&sink{})
	trace := record(c)
	if err := c.Feed([]byte("HTTP/1.0 200 OK\r\nConnection: close\r\n\r\nhello world")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := c.ConnectionClosed(); err != nil {
		t.Fatalf("closed: %v", err)
	}
	assertTrace(t, *trace, []string{
		"start HTTP/1.0 200 OK",
		"header Connection=close",
		"content hello world",
		"end",
	})
}

func TestResponseTruncated(t *testing.T) {
	c := web.NewClient(&sink{})
	if err := c.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhe")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := c.ConnectionClosed(); err == nil {
		t.Fatal("close mid body reported no error")
	}
}

func TestResponseBadStatusCode(t *testing.T) {
	c := web.NewClient(&sink{})
	if err := c.Feed([]byte("HTTP/1.1 abc OK\r\n\r\n")); err == nil {
		t.Fatal("unparseable status code accepted")
	}
}

func assertTrace(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %q, want %d %q", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}
