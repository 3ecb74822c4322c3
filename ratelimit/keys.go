package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/nhalm/gatekeeper/auth"
)

const unknownKey = "unknown"

// KeyFunc extracts a rate limiting key from an HTTP request.
// An empty result falls back to the peer address, then to "unknown".
type KeyFunc func(*http.Request) string

// ClientIP keys requests by client address: the first X-Forwarded-For entry
// when present, otherwise the host part of RemoteAddr.
//
// X-Forwarded-For is client controlled. Only rely on it behind a proxy that
// overwrites the header.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return peerAddr(r)
}

// ByHeader keys requests by the value of header, e.g. an API key.
// Requests without the header are keyed by client address.
// The generated key format is "header:<name>:<value>".
func ByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		val := r.Header.Get(header)
		if val == "" {
			return ClientIP(r)
		}
		var b strings.Builder
		b.Grow(7 + len(header) + 1 + len(val))
		b.WriteString("header:")
		b.WriteString(header)
		b.WriteByte(':')
		b.WriteString(val)
		return b.String()
	}
}

// ByIdentity keys requests by the subject authenticated by auth.Bearer.
// Anonymous requests are keyed by client address.
// The generated key format is "sub:<subject>".
func ByIdentity() KeyFunc {
	return func(r *http.Request) string {
		subject, ok := auth.SubjectFromContext(r.Context())
		if !ok || subject == "" {
			return ClientIP(r)
		}
		return "sub:" + subject
	}
}

func peerAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
