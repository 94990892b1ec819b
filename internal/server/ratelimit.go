package server

import (
	"net"
	"net/http"
	"strings"
)

// getIP extracts the client IP from a request. X-Forwarded-For is only
// honoured when trustProxy is set, since any client can send the header.
// It keys the token issue limiter.
func getIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) clientIP(r *http.Request) string {
	return getIP(r, s.cfg.TrustProxy)
}
