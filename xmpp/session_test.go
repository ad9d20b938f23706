// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp_test

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"testing"

	"mellium.im/reactor"
	"mellium.im/reactor/jid"
	"mellium.im/reactor/xmpp"
)

const serverHeader = "<stream:stream from='example.net' id='s1' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>"

// pipe collects everything the session writes.
type pipe struct {
	out          bytes.Buffer
	disconnected bool
}

func (p *pipe) Send(data []byte) error {
	p.out.Write(data)
	return nil
}

func (p *pipe) Disconnect() {
	p.disconnected = true
}

func newSession(t *testing.T) (*xmpp.Session, *pipe) {
	t.Helper()
	conn := &pipe{}
	s := xmpp.NewSession(reactor.New(), conn, "example.net", "u", "p")
	s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return s, conn
}

// take returns everything written since the last call.
func (p *pipe) take() string {
	s := p.out.String()
	p.out.Reset()
	return s
}

// authPayload extracts and decodes the base64 value of an auth
// element.
func authPayload(t *testing.T, sent string) []byte {
	t.Helper()
	open := strings.Index(sent, "mechanism='PLAIN'>")
	close := strings.Index(sent, "</auth>")
	if open < 0 || close < 0 {
		t.Fatalf("no PLAIN auth element in %q", sent)
	}
	value := sent[open+len("mechanism='PLAIN'>") : close]
	payload, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		t.Fatalf("auth value %q is not base64: %v", value, err)
	}
	return payload
}

func TestOpenSendsStreamHeader(t *testing.T) {
	s, conn := newSession(t)
	s.Open()
	want := "<stream:stream to='example.net' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>"
	if got := conn.take(); got != want {
		t.Errorf("header = %q, want %q", got, want)
	}
}

func TestPlainAuthPayload(t *testing.T) {
	s, conn := newSession(t)
	s.Open()
	conn.take()

	s.Feed([]byte(serverHeader))
	payload := authPayload(t, conn.take())
	if want := []byte{0, 'u', 0, 'p'}; !bytes.Equal(payload, want) {
		t.Errorf("payload = %v, want %v", payload, want)
	}
}

// establish drives a session through the whole login flow and returns
// it established.
func establish(t *testing.T, s *xmpp.Session, conn *pipe) {
	t.Helper()
	s.Open()
	s.Feed([]byte(serverHeader))
	if !strings.Contains(conn.take(), "<auth") {
		t.Fatal("no auth element after pre-login stream")
	}

	s.Feed([]byte("<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>"))
	if !strings.Contains(conn.take(), "<stream:stream") {
		t.Fatal("no stream header after login")
	}

	s.Feed([]byte(serverHeader))
	s.Feed([]byte("<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>"))
	if !strings.Contains(conn.take(), "<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'") {
		t.Fatal("no bind request after post-login stream")
	}

	s.Feed([]byte("<iq type='result' id='b'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>u@example.net/res</jid></bind></iq>"))
	if !strings.Contains(conn.take(), "<session xmlns='urn:ietf:params:xml:ns:xmpp-session'") {
		t.Fatal("no session request after bind")
	}

	s.Feed([]byte("<iq type='result' id='s'/>"))
}

func TestLoginFlow(t *testing.T) {
	s, conn := newSession(t)
	var connected int
	s.Connected.Subscribe(func(*xmpp.Session) { connected++ })

	establish(t, s, conn)

	if connected != 1 {
		t.Errorf("Connected fired %d times, want 1", connected)
	}
	if !s.IsEstablished() {
		t.Error("session not established after login flow")
	}
	if got := s.JID().String(); got != "u@example.net/res" {
		t.Errorf("JID = %q, want %q", got, "u@example.net/res")
	}
	if got := conn.take(); got != "<presence/>" {
		t.Errorf("initial presence = %q, want %q", got, "<presence/>")
	}
}

func TestLoginFlowByteAtATime(t *testing.T) {
	s, conn := newSession(t)
	s.Open()
	for i := 0; i < len(serverHeader); i++ {
		s.Feed([]byte{serverHeader[i]})
	}
	if !strings.Contains(conn.take(), "<auth") {
		t.Fatal("no auth element after split stream header")
	}
}

func TestRegistrationFallback(t *testing.T) {
	s, conn := newSession(t)
	s.Open()
	s.Feed([]byte(serverHeader))
	conn.take()

	s.Feed([]byte("<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><bad-protocol/></failure>"))
	sent := conn.take()
	if !strings.Contains(sent, "<query xmlns='jabber:iq:register'>") ||
		!strings.Contains(sent, "<username>u</username>") ||
		!strings.Contains(sent, "<password>p</password>") {
		t.Fatalf("registration request = %q, want register query with credentials", sent)
	}

	s.Feed([]byte("<iq type='result' id='r'/>"))
	if !strings.Contains(conn.take(), "<stream:stream") {
		t.Error("no stream header after registration")
	}
}

func TestAuthFailurePermanent(t *testing.T) {
	s, conn := newSession(t)
	s.Open()
	s.Feed([]byte(serverHeader))
	conn.take()

	s.Feed([]byte("<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>"))
	if got := conn.take(); got != "" {
		t.Errorf("sent %q after auth failure, want nothing", got)
	}
	if s.IsEstablished() {
		t.Error("session established after auth failure")
	}
	if conn.disconnected {
		t.Error("auth failure closed the connection")
	}
}

func TestRosterPushAutoAccepted(t *testing.T) {
	s, conn := newSession(t)
	establish(t, s, conn)
	conn.take()

	s.Feed([]byte("<iq type='set' id='42'><query xmlns='jabber:iq:roster'><item jid='f@example.net' subscription='from'/></query></iq>"))
	sent := conn.take()
	for _, want := range []string{"id='42'", "jid='f@example.net'", "subscription='to'"} {
		if !strings.Contains(sent, want) {
			t.Errorf("reply = %q, missing %q", sent, want)
		}
	}
}

func TestPresenceSubscribeAnswered(t *testing.T) {
	s, conn := newSession(t)
	establish(t, s, conn)
	conn.take()

	s.Feed([]byte("<presence from='f@example.net' type='subscribe'/>"))
	want := "<presence to='f@example.net' type='subscribed'/>"
	if got := conn.take(); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestPresenceShowDelivered(t *testing.T) {
	s, conn := newSession(t)
	establish(t, s, conn)

	var got []xmpp.Presence
	s.PresenceReceived.Subscribe(func(p xmpp.Presence) { got = append(got, p) })
	s.Feed([]byte("<presence from='f@example.net/res'><show>away</show></presence>"))
	if len(got) != 1 || got[0].Show != "away" || got[0].From.String() != "f@example.net/res" {
		t.Errorf("presence events = %v, want one away from f@example.net/res", got)
	}
}

func TestMessageDelivered(t *testing.T) {
	s, conn := newSession(t)
	establish(t, s, conn)

	var got []xmpp.Message
	s.MessageReceived.Subscribe(func(m xmpp.Message) { got = append(got, m) })
	s.Feed([]byte("<message from='f@example.net' to='u@example.net'><body>hi &amp; bye</body></message>"))
	if len(got) != 1 || got[0].Body != "hi & bye" || got[0].From.String() != "f@example.net" {
		t.Errorf("message events = %v, want one from f@example.net", got)
	}
}

func TestSendMessage(t *testing.T) {
	s, conn := newSession(t)
	establish(t, s, conn)
	conn.take()

	s.SendMessage(jid.MustParse("f@example.net"), "it's <b>")
	want := "<message from='u@example.net/res' to='f@example.net'><body>it&apos;s &lt;b&gt;</body></message>"
	if got := conn.take(); got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestDisconnectClosesConnection(t *testing.T) {
	s, conn := newSession(t)
	var disconnected int
	s.Disconnected.Subscribe(func(*xmpp.Session) { disconnected++ })
	establish(t, s, conn)

	s.Disconnect()
	s.Disconnect()
	if !conn.disconnected {
		t.Error("transport left open")
	}
	if disconnected != 1 {
		t.Errorf("Disconnected fired %d times, want 1", disconnected)
	}
}

func TestKeepaliveScheduled(t *testing.T) {
	conn := &pipe{}
	loop := reactor.New()
	s := xmpp.NewSession(loop, conn, "example.net", "u", "p")
	s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	establish(t, s, conn)

	if loop.Len() == 0 {
		t.Error("no keepalive pending after session establishment")
	}
}
