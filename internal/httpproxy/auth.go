package httpproxy

import (
	"encoding/base64"
	"strings"

	"github.com/duohop/duohop/internal/credentials"
)

// verifyBasicAuthorization checks one request's authorization: a header
// that's absent is only acceptable when no credentials are configured; a
// header that's present must decode as `Basic <base64(user:pass)>` and
// match the configured credentials byte-exactly. The forward path applies
// it as is; the CONNECT path (authorizedConnect) calls it only when a
// header is present and lets a request without one through.
func verifyBasicAuthorization(creds credentials.Pair, headerValue string, present bool) bool {
	if !present {
		return creds.Empty()
	}

	const prefix = "Basic "
	if !strings.HasPrefix(headerValue, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(headerValue[len(prefix):]))
	if err != nil {
		return false
	}
	return creds.EqualWireForm(string(decoded))
}

// authorizationHeader returns the authorization header to check, preferring
// Authorization over Proxy-Authorization per spec's documented precedence.
func (r *requestLine) authorizationHeader() (value string, present bool) {
	if v, ok := r.get("Authorization"); ok {
		return v, true
	}
	if v, ok := r.get("Proxy-Authorization"); ok {
		return v, true
	}
	return "", false
}

// stripAuthorizationHeaders removes both Authorization and
// Proxy-Authorization before the request is forwarded upstream.
func (r *requestLine) stripAuthorizationHeaders() {
	r.remove("Authorization")
	r.remove("Proxy-Authorization")
}
