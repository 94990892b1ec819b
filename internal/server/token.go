package server

import (
	"net/http"
)

// tokenResponse is the body returned by POST /api/token.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// handleIssueToken mints a capability token. Only available in token mode,
// and rate limited per client IP.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "token auth is not enabled")
		return
	}

	ip := s.clientIP(r)
	if !s.limiter.Allow(ip) {
		s.log.WithField("remote", ip).Warn("token issue rate limited")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	t := s.ledger.Issue()
	s.log.WithField("remote", ip).WithField("expires", t.ExpiresAt).Info("token issued")
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     t.ID,
		ExpiresAt: t.ExpiresAt.Unix(),
	})
}
