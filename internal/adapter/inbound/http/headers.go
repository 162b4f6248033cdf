package http

import (
	"net"
	"net/http"
	"strings"
)

// requestStrip lists headers never forwarded upstream. Hop-by-hop headers
// are dropped per RFC 9110; forwarding headers are dropped because the proxy
// does not trust an upstream reverse proxy to have set them.
var requestStrip = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"keep-alive":        {},
	"x-forwarded-for":   {},
	"x-real-ip":         {},
	"x-forwarded-host":  {},
	"x-forwarded-proto": {},
}

// responseStrip lists upstream response headers never relayed to clients.
// Credential-bearing headers stay on the upstream side of the proxy.
var responseStrip = map[string]struct{}{
	"transfer-encoding":  {},
	"connection":         {},
	"keep-alive":         {},
	"set-cookie":         {},
	"www-authenticate":   {},
	"proxy-authenticate": {},
}

// filterRequestHeader copies client headers for the upstream request,
// dropping the strip set. Authorization passes through verbatim.
func filterRequestHeader(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vv := range src {
		if _, skip := requestStrip[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	return out
}

// copyResponseHeader relays upstream response headers to the client,
// dropping the strip set.
func copyResponseHeader(dst, src http.Header) {
	for k, vv := range src {
		if _, skip := responseStrip[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// userTag derives the audit correlation tag from the Authorization header:
// the first 8 characters of a Bearer token, else "anonymous". The full token
// is never logged.
func userTag(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return "anonymous"
	}
	token := strings.TrimSpace(auth[7:])
	if token == "" {
		return "anonymous"
	}
	if len(token) > 8 {
		token = token[:8]
	}
	return token
}

// sourceIP is the transport peer address. Forwarding headers are ignored.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
