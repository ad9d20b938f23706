// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements XMPP addresses (JIDs) as defined by RFC
// 7622. A JID has the form localpart@domainpart/resourcepart where
// the localpart and resourcepart are optional; all parts are stored
// in canonical form so comparison has the greatest chance of
// succeeding.
package jid // import "mellium.im/reactor/jid"

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

var (
	// ErrInvalidUTF8 is returned when a part is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("jid: part contains invalid UTF-8")
	// ErrPartLength is returned when a part is empty where it must
	// not be, or longer than 1023 bytes.
	ErrPartLength = errors.New("jid: part has invalid length")
	// ErrForbiddenChars is returned when a localpart carries one of
	// the characters RFC 7622 §3.3.1 forbids.
	ErrForbiddenChars = errors.New("jid: localpart contains forbidden characters")
	// ErrInvalidIP is returned when a bracketed domainpart is not a
	// valid IPv6 address.
	ErrInvalidIP = errors.New("jid: domainpart is not a valid IPv6 address")
)

// A JID is an XMPP address. The zero value is empty and invalid but
// safe to compare and print.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a JID from its string representation.
func Parse(s string) (JID, error) {
	local, domain, resource, err := split(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics on malformed input. It
// simplifies initialization from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a JID from its three parts, canonicalizing each:
// the localpart with the PRECIS UsernameCaseMapped profile, the
// domainpart with IDNA ToUnicode, and the resourcepart with the
// PRECIS OpaqueString profile.
func New(local, domain, resource string) (JID, error) {
	if !utf8.ValidString(local) || !utf8.ValidString(resource) {
		return JID{}, ErrInvalidUTF8
	}

	// RFC 7622 §3.2.1: A-labels are converted to U-labels before the
	// domainpart is used.
	domain, err := idna.ToUnicode(domain)
	if err != nil {
		return JID{}, err
	}
	if !utf8.ValidString(domain) {
		return JID{}, ErrInvalidUTF8
	}

	if local != "" {
		local, err = precis.UsernameCaseMapped.String(local)
		if err != nil {
			return JID{}, err
		}
	}
	if resource != "" {
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return JID{}, err
		}
	}

	if err := check(local, domain, resource); err != nil {
		return JID{}, err
	}
	return JID{local: local, domain: domain, resource: resource}, nil
}

// WithResource returns a copy of the JID with a new resourcepart,
// revalidating only that part.
func (j JID) WithResource(resource string) (JID, error) {
	if resource != "" {
		if !utf8.ValidString(resource) {
			return JID{}, ErrInvalidUTF8
		}
		var err error
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return JID{}, err
		}
		if len(resource) > 1023 {
			return JID{}, ErrPartLength
		}
	}
	return JID{local: j.local, domain: j.domain, resource: resource}, nil
}

// Bare returns a copy of the JID without a resourcepart.
func (j JID) Bare() JID {
	return JID{local: j.local, domain: j.domain}
}

// Domain returns a copy of the JID with only the domainpart.
func (j JID) Domain() JID {
	return JID{domain: j.domain}
}

// Localpart returns the localpart of the JID (eg. "username").
func (j JID) Localpart() string {
	return j.local
}

// Domainpart returns the domainpart of the JID (eg. "example.net").
func (j JID) Domainpart() string {
	return j.domain
}

// Resourcepart returns the resourcepart of the JID.
func (j JID) Resourcepart() string {
	return j.resource
}

// Network satisfies the net.Addr interface by returning the name of
// the network ("xmpp").
func (JID) Network() string {
	return "xmpp"
}

// String converts the JID to its string representation.
func (j JID) String() string {
	s := j.domain
	if j.local != "" {
		s = j.local + "@" + s
	}
	if j.resource != "" {
		s = s + "/" + j.resource
	}
	return s
}

// Equal reports whether two JIDs compare equal octet for octet.
func (j JID) Equal(other JID) bool {
	return j == other
}

// split separates the string form of a JID into its parts without
// validating them.
func split(s string) (local, domain, resource string, err error) {
	// RFC 7622 §3.1: separators are matched before any transformation
	// that might decompose code points to '@' or '/'. The resource is
	// cut first, so a '/' may appear inside it but not an '@' before
	// the domain.
	if sep := strings.Index(s, "/"); sep != -1 {
		if sep == len(s)-1 {
			return "", "", "", ErrPartLength
		}
		resource = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.Index(s, "@"); sep {
	case -1:
		domain = s
	case 0:
		return "", "", "", ErrPartLength
	default:
		local = s[:sep]
		domain = s[sep+1:]
	}

	// Trailing label separators are stripped before any
	// canonicalization.
	domain = strings.TrimSuffix(domain, ".")
	return local, domain, resource, nil
}

func check(local, domain, resource string) error {
	if len(local) > 1023 || len(resource) > 1023 {
		return ErrPartLength
	}
	if len(domain) < 1 || len(domain) > 1023 {
		return ErrPartLength
	}

	// RFC 7622 §3.3.1 forbids a handful of characters the
	// UsernameCaseMapped profile still allows.
	if strings.ContainsAny(local, `"&'/:<>@`) {
		return ErrForbiddenChars
	}

	if l := len(domain); l > 2 && strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		if ip := net.ParseIP(domain[1 : l-1]); ip == nil || ip.To4() != nil {
			return ErrInvalidIP
		}
	}
	return nil
}
