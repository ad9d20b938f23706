// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpp implements an event-driven XMPP client: stream
// negotiation, SASL-PLAIN authentication with in-band registration as
// a fallback, resource binding, session establishment, presence, and
// messaging.
//
// The Session type speaks the protocol over any connection that can
// send bytes; Client binds one to a TLS connection driven by a reactor
// loop. Both parsers from the xmlstream package are involved: a
// progressive parser watches for the stream header, which is never
// closed, and a document parser consumes the stanzas inside it.
package xmpp // import "mellium.im/reactor/xmpp"

import (
	"bytes"
	"encoding/base64"
	"log/slog"

	"github.com/google/uuid"
	"mellium.im/sasl"

	"mellium.im/reactor"
	"mellium.im/reactor/clock"
	"mellium.im/reactor/event"
	"mellium.im/reactor/internal/ns"
	"mellium.im/reactor/jid"
	"mellium.im/reactor/statemachine"
	"mellium.im/reactor/xmlstream"
	"mellium.im/reactor/xmltree"
)

// KeepaliveInterval is how often an established session sends a single
// space character to keep the connection from idling out (RFC 6120
// §4.6.1).
var KeepaliveInterval = clock.FromMinutes(1)

// A Conn is the transport a session speaks over.
type Conn interface {
	Send(data []byte) error
	Disconnect()
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateCanDisconnect
	stateCreatingPreLoginStream
	stateCreatedPreLoginStream
	stateLoggingIn
	stateLoggedIn
	stateLoginFailed
	stateCreatingAccount
	stateCreatingPostLoginStream
	stateCreatedPostLoginStream
	stateBindingResource
	stateBoundResource
	stateCreatingSession
	stateCreatedSession
	stateDisconnected
)

type sessionTrigger int

const (
	triggerOpen sessionTrigger = iota
	triggerStreamCreated
	triggerLogIn
	triggerLoggedIn
	triggerAccountMissing
	triggerAuthFailed
	triggerBindResource
	triggerBoundResource
	triggerCreateSession
	triggerSessionCreated
	triggerDisconnect
)

// A Presence is a peer's availability report.
type Presence struct {
	From jid.JID
	Show string
}

// A Message is an inbound chat message.
type Message struct {
	From jid.JID
	Body string
}

// A Session is the XMPP protocol state machine over an established
// connection. Feed it the connection's bytes; it negotiates the
// stream, authenticates, binds a resource, and then surfaces presence
// and messages as events.
type Session struct {
	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// Connected fires once the session is established, just before the
	// initial presence is sent.
	Connected event.Event[*Session]
	// Disconnected fires once when the session ends.
	Disconnected event.Event[*Session]
	// PresenceReceived fires for every availability update from a
	// peer.
	PresenceReceived event.Event[Presence]
	// MessageReceived fires for every chat message carrying a body.
	MessageReceived event.Event[Message]

	loop     *reactor.Loop
	conn     Conn
	server   string
	username string
	password string
	jid      jid.JID

	machine *statemachine.Machine[sessionState, sessionTrigger]
	prog    *xmlstream.Parser
	doc     *xmlstream.DocumentParser
	raw     []byte
	header  bool

	keepalive reactor.Token
}

// NewSession returns a session that will authenticate as
// username@server over conn. Nothing is sent until Open is called.
func NewSession(loop *reactor.Loop, conn Conn, server, username, password string) *Session {
	s := &Session{
		loop:     loop,
		conn:     conn,
		server:   server,
		username: username,
		password: password,
	}
	s.machine = newSessionMachine(s)
	return s
}

func newSessionMachine(s *Session) *statemachine.Machine[sessionState, sessionTrigger] {
	m := statemachine.New[sessionState, sessionTrigger](stateIdle)
	m.Configure(stateCanDisconnect).
		Permit(triggerDisconnect, stateDisconnected)
	m.Configure(stateIdle).
		SubstateOf(stateCanDisconnect).
		Permit(triggerOpen, stateCreatingPreLoginStream)
	m.Configure(stateCreatingPreLoginStream).
		SubstateOf(stateCanDisconnect).
		Permit(triggerStreamCreated, stateCreatedPreLoginStream).
		OnEntry(s.enterCreatingStream)
	m.Configure(stateCreatedPreLoginStream).
		SubstateOf(stateCanDisconnect).
		Permit(triggerLogIn, stateLoggingIn).
		OnEntry(func() { s.fire(triggerLogIn) })
	m.Configure(stateLoggingIn).
		SubstateOf(stateCanDisconnect).
		Permit(triggerLoggedIn, stateLoggedIn).
		Permit(triggerAccountMissing, stateCreatingAccount).
		Permit(triggerAuthFailed, stateLoginFailed).
		OnEntry(s.enterLoggingIn)
	m.Configure(stateCreatingAccount).
		SubstateOf(stateCanDisconnect).
		Permit(triggerLoggedIn, stateLoggedIn).
		OnEntry(s.enterCreatingAccount)
	m.Configure(stateLoginFailed).
		SubstateOf(stateCanDisconnect).
		OnEntry(s.enterLoginFailed)
	m.Configure(stateLoggedIn).
		SubstateOf(stateCanDisconnect).
		Permit(triggerOpen, stateCreatingPostLoginStream).
		OnEntry(func() { s.fire(triggerOpen) })
	m.Configure(stateCreatingPostLoginStream).
		SubstateOf(stateCanDisconnect).
		Permit(triggerStreamCreated, stateCreatedPostLoginStream).
		OnEntry(s.enterCreatingStream)
	m.Configure(stateCreatedPostLoginStream).
		SubstateOf(stateCanDisconnect).
		Permit(triggerBindResource, stateBindingResource).
		OnEntry(func() { s.fire(triggerBindResource) })
	m.Configure(stateBindingResource).
		SubstateOf(stateCanDisconnect).
		Permit(triggerBoundResource, stateBoundResource).
		OnEntry(s.enterBindingResource)
	m.Configure(stateBoundResource).
		SubstateOf(stateCanDisconnect).
		Permit(triggerCreateSession, stateCreatingSession).
		OnEntry(func() { s.fire(triggerCreateSession) })
	m.Configure(stateCreatingSession).
		SubstateOf(stateCanDisconnect).
		Permit(triggerSessionCreated, stateCreatedSession).
		OnEntry(s.enterCreatingSession)
	m.Configure(stateCreatedSession).
		SubstateOf(stateCanDisconnect).
		OnEntry(s.enterCreatedSession)
	m.Configure(stateDisconnected).
		OnEntry(s.enterDisconnected)
	return m
}

func (s *Session) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// JID returns the address the server assigned when the resource was
// bound. It is the zero JID before then.
func (s *Session) JID() jid.JID {
	return s.jid
}

// IsEstablished reports whether the session has completed negotiation
// and can exchange presence and messages.
func (s *Session) IsEstablished() bool {
	return s.machine.State() == stateCreatedSession
}

// Open starts stream negotiation. Call it once the underlying
// connection is established.
func (s *Session) Open() {
	s.fire(triggerOpen)
}

// Disconnect tears the session down and closes the connection.
func (s *Session) Disconnect() {
	if s.machine.State() == stateDisconnected {
		return
	}
	s.fire(triggerDisconnect)
}

// ConnectionClosed tells the session its transport is gone.
func (s *Session) ConnectionClosed() {
	s.Disconnect()
}

// Feed hands the session bytes read from the connection. While a
// stream header is pending the bytes go to the progressive parser;
// everything after the header's closing '>' goes to the document
// parser, one stanza at a time.
func (s *Session) Feed(data []byte) {
	if s.machine.State() == stateDisconnected {
		return
	}
	if s.awaitingHeader() {
		s.raw = append(s.raw, data...)
		if err := s.prog.Feed(data); err != nil {
			s.log().Error("xmpp: malformed stream header", "err", err)
			s.Disconnect()
			return
		}
		if !s.header {
			return
		}
		start := bytes.Index(s.raw, []byte("<stream:stream"))
		if start < 0 {
			return
		}
		end := bytes.IndexByte(s.raw[start:], '>')
		if end < 0 {
			return
		}
		rest := s.raw[start+end+1:]
		s.raw = nil
		s.header = false
		s.fire(triggerStreamCreated)
		if len(rest) > 0 {
			s.Feed(rest)
		}
		return
	}
	if err := s.doc.Feed(data); err != nil {
		s.log().Error("xmpp: malformed stanza", "err", err)
		s.Disconnect()
	}
}

func (s *Session) awaitingHeader() bool {
	st := s.machine.State()
	return st == stateCreatingPreLoginStream || st == stateCreatingPostLoginStream
}

// send serializes an element and writes it to the connection.
func (s *Session) send(el *xmltree.Element) {
	s.sendRaw([]byte(el.String()))
}

func (s *Session) sendRaw(data []byte) {
	if err := s.conn.Send(data); err != nil {
		s.log().Error("xmpp: send failed", "err", err)
		s.Disconnect()
	}
}

// enterCreatingStream emits a stream header and arms fresh parsers.
// The header element stays open for the life of the stream, so the
// progressive parser only ever sees its opening tag.
func (s *Session) enterCreatingStream() {
	s.prog = xmlstream.NewParser()
	s.prog.StartElement.Subscribe(func(n xmlstream.Name) {
		if n.Namespace == "stream" && n.Name == "stream" {
			s.header = true
		}
	})
	s.doc = xmlstream.NewDocumentParser()
	s.doc.Parsed.Subscribe(s.handleStanza)
	s.raw = nil
	s.header = false

	s.sendRaw([]byte("<stream:stream to='" + xmltree.Escape(s.server) +
		"' xmlns='" + ns.Client +
		"' xmlns:stream='" + ns.Stream +
		"' version='1.0'>"))
}

func (s *Session) enterLoggingIn() {
	client := sasl.NewClient(sasl.Plain, sasl.Credentials(func() (username, password, identity []byte) {
		return []byte(s.username), []byte(s.password), nil
	}))
	_, resp, err := client.Step(nil)
	if err != nil {
		s.log().Error("xmpp: sasl initial response", "err", err)
		s.Disconnect()
		return
	}
	auth := xmltree.New("auth").
		SetAttr("", "xmlns", ns.SASL).
		SetAttr("", "mechanism", "PLAIN")
	auth.Value = base64.StdEncoding.EncodeToString(resp)
	s.send(auth)
}

func (s *Session) enterCreatingAccount() {
	query := xmltree.New("query").SetAttr("", "xmlns", ns.Register)
	user := xmltree.New("username")
	user.Value = s.username
	pass := xmltree.New("password")
	pass.Value = s.password
	query.Add(user).Add(pass)
	iq := xmltree.New("iq").
		SetAttr("", "type", "set").
		SetAttr("", "id", uuid.NewString())
	iq.Add(query)
	s.send(iq)
}

func (s *Session) enterLoginFailed() {
	s.log().Error("xmpp: authentication failed", "username", s.username, "server", s.server)
}

func (s *Session) enterBindingResource() {
	bind := xmltree.New("bind").SetAttr("", "xmlns", ns.Bind)
	iq := xmltree.New("iq").
		SetAttr("", "type", "set").
		SetAttr("", "id", uuid.NewString())
	iq.Add(bind)
	s.send(iq)
}

func (s *Session) enterCreatingSession() {
	session := xmltree.New("session").SetAttr("", "xmlns", ns.Session)
	iq := xmltree.New("iq").
		SetAttr("", "type", "set").
		SetAttr("", "id", uuid.NewString())
	iq.Add(session)
	s.send(iq)
}

func (s *Session) enterCreatedSession() {
	s.Connected.Fire(s)
	s.send(xmltree.New("presence"))
	s.keepalive = s.loop.Schedule(KeepaliveInterval, s.sendKeepalive)
}

func (s *Session) sendKeepalive() {
	if s.machine.State() != stateCreatedSession {
		return
	}
	s.sendRaw([]byte(" "))
	s.keepalive = s.loop.Schedule(KeepaliveInterval, s.sendKeepalive)
}

func (s *Session) enterDisconnected() {
	s.keepalive.Cancel()
	s.conn.Disconnect()
	s.Disconnected.Fire(s)
}

// handleStanza dispatches one parsed top-level element.
func (s *Session) handleStanza(el *xmltree.Element) {
	switch {
	case el.Namespace == "stream" && el.Name == "features":
		// Negotiation is driven by state, not by the advertised
		// features.
	case el.Name == "success":
		s.fire(triggerLoggedIn)
	case el.Name == "failure":
		s.handleFailure(el)
	case el.Name == "iq":
		s.handleIQ(el)
	case el.Name == "presence":
		s.handlePresence(el)
	case el.Name == "message":
		s.handleMessage(el)
	default:
		s.log().Warn("xmpp: unhandled stanza", "name", el.Key())
	}
}

func (s *Session) handleFailure(el *xmltree.Element) {
	if el.Child("", "bad-protocol") != nil {
		// The server rejected the mechanism outright, which the login
		// flow reads as a missing account worth registering in band.
		s.fire(triggerAccountMissing)
		return
	}
	s.fire(triggerAuthFailed)
}

func (s *Session) handleIQ(el *xmltree.Element) {
	switch s.machine.State() {
	case stateCreatingAccount:
		s.fire(triggerLoggedIn)
	case stateBindingResource:
		bound := el.Child("", "bind")
		if bound == nil {
			s.log().Warn("xmpp: bind reply without bind element")
			return
		}
		j, err := jid.Parse(bound.ChildValue("", "jid"))
		if err != nil {
			s.log().Error("xmpp: bind reply with malformed address", "err", err)
			s.Disconnect()
			return
		}
		s.jid = j
		s.fire(triggerBoundResource)
	case stateCreatingSession:
		s.fire(triggerSessionCreated)
	case stateCreatedSession:
		s.handleRosterPush(el)
	default:
		s.log().Warn("xmpp: unexpected iq", "id", attr(el, "id"))
	}
}

// handleRosterPush auto-accepts subscription pushes by echoing the iq
// with the subscription direction flipped, reusing the inbound id.
func (s *Session) handleRosterPush(el *xmltree.Element) {
	query := el.Child("", "query")
	if query == nil {
		return
	}
	if xmlns, _ := query.Attr("", "xmlns"); xmlns != ns.Roster {
		return
	}
	reply := xmltree.New("query").SetAttr("", "xmlns", ns.Roster)
	for _, item := range query.Children("", "item") {
		if sub, _ := item.Attr("", "subscription"); sub != "from" {
			continue
		}
		accepted := xmltree.New("item").
			SetAttr("", "jid", attr(item, "jid")).
			SetAttr("", "subscription", "to")
		reply.Add(accepted)
	}
	if reply.Len() == 0 {
		return
	}
	iq := xmltree.New("iq").
		SetAttr("", "type", "set").
		SetAttr("", "id", attr(el, "id"))
	iq.Add(reply)
	s.send(iq)
}

func (s *Session) handlePresence(el *xmltree.Element) {
	from := attr(el, "from")
	if attr(el, "type") == "subscribe" {
		subscribed := xmltree.New("presence").
			SetAttr("", "to", from).
			SetAttr("", "type", "subscribed")
		s.send(subscribed)
		return
	}
	show := el.ChildValue("", "show")
	if show == "" {
		return
	}
	j, err := jid.Parse(from)
	if err != nil {
		s.log().Warn("xmpp: presence with malformed address", "from", from, "err", err)
		return
	}
	s.PresenceReceived.Fire(Presence{From: j, Show: show})
}

func (s *Session) handleMessage(el *xmltree.Element) {
	body := el.ChildValue("", "body")
	if body == "" {
		return
	}
	j, err := jid.Parse(attr(el, "from"))
	if err != nil {
		s.log().Warn("xmpp: message with malformed address", "from", attr(el, "from"), "err", err)
		return
	}
	s.MessageReceived.Fire(Message{From: j, Body: body})
}

// SendMessage sends a chat message to the given address.
func (s *Session) SendMessage(to jid.JID, text string) {
	body := xmltree.New("body")
	body.Value = text
	msg := xmltree.New("message").
		SetAttr("", "from", s.jid.String()).
		SetAttr("", "to", to.String())
	msg.Add(body)
	s.send(msg)
}

func attr(el *xmltree.Element, name string) string {
	v, _ := el.Attr("", name)
	return v
}

// fire dispatches a trigger whose failure would indicate a bug in this
// package's own transition table.
func (s *Session) fire(t sessionTrigger) {
	if err := s.machine.Fire(t); err != nil {
		s.log().Error("xmpp: internal state machine error", "err", err)
	}
}
