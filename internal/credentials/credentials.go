// Package credentials implements the hub's username/password model: parsing
// the `user:pass` wire form out of a role URL and comparing credentials
// byte-exactly after percent-decoding, per RFC 1929's sub-negotiation format
// and the HTTP Basic scheme's decoded form.
package credentials

import (
	"crypto/subtle"
	"net/url"
)

// Pair holds an optional username/password. Both fields are already
// percent-decoded; the zero value is the "empty" credentials pair.
type Pair struct {
	Username string
	Password string
	set      bool
}

// Empty reports whether both username and password are absent. Per the
// wire-form contract, "absent" and "present but zero-length" are
// indistinguishable once decoded, so Empty is true whenever both fields are
// the empty string.
func (p Pair) Empty() bool {
	return p.Username == "" && p.Password == ""
}

// FromUserinfo extracts credentials from a URL's userinfo component
// (`user[:pass]@host`). url.Parse already percent-decodes userinfo, so no
// further decoding is needed here. A URL with no userinfo yields an empty
// Pair, matching "optional credentials" in the role/upstream data model.
func FromUserinfo(u *url.URL) Pair {
	if u == nil || u.User == nil {
		return Pair{}
	}
	username := u.User.Username()
	password, _ := u.User.Password()
	return Pair{Username: username, Password: password, set: true}
}

// New builds a Pair directly from already-decoded strings.
func New(username, password string) Pair {
	return Pair{Username: username, Password: password}
}

// WireForm returns the `user:pass` form used for SOCKS5 UserPass
// sub-negotiation comparisons and HTTP Basic decoding.
func (p Pair) WireForm() string {
	return p.Username + ":" + p.Password
}

// Equal reports whether two decoded credential pairs are byte-exact equal,
// using a constant-time comparison on their wire form. This is the single
// comparison rule behind every edge case in the credentials model:
// empty-vs-empty, `:pass` forms, `user:` forms, and full `user:pass` forms
// all reduce to comparing this wire-form string.
func (p Pair) Equal(other Pair) bool {
	a, b := []byte(p.WireForm()), []byte(other.WireForm())
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EqualWireForm compares a decoded Pair against an already-decoded
// `user:pass` string, as produced by reading RFC1929 ULEN/UNAME/PLEN/PASSWD
// fields or decoding an HTTP Basic header.
func (p Pair) EqualWireForm(wire string) bool {
	a, b := []byte(p.WireForm()), []byte(wire)
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
