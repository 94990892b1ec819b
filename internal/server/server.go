package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/beam/internal/auth"
	"github.com/ssd-technologies/beam/internal/config"
	"github.com/ssd-technologies/beam/internal/ratelimit"
	"github.com/ssd-technologies/beam/internal/relay"
	"github.com/ssd-technologies/beam/internal/storage"
	"github.com/ssd-technologies/beam/internal/token"
)

// Server is the HTTP front of the beam relay.
type Server struct {
	cfg      *config.Config
	db       *storage.DB
	log      logrus.FieldLogger
	verifier *auth.Verifier
	ledger   *token.Ledger
	relay    *relay.Coordinator
	limiter  *ratelimit.Limiter
	mux      *http.ServeMux
}

// New creates a new Server with all routes registered. In basic mode the
// configured password is hashed once here and then discarded.
func New(cfg *config.Config, db *storage.DB, log logrus.FieldLogger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		db:      db,
		log:     log,
		limiter: ratelimit.New(cfg.TokenRate, time.Minute),
		mux:     http.NewServeMux(),
	}

	if cfg.Auth == config.AuthBasic {
		v, err := auth.NewVerifier(cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}

	opts := relay.Options{
		ReadyTimeout: cfg.ReadyTimeout,
		Flexible:     cfg.Pairing == config.PairingFlexible,
		OnFinish:     s.recordOutcome,
		Logger:       log,
	}
	if cfg.Auth == config.AuthToken {
		s.ledger = token.NewLedger(
			token.WithLifetime(cfg.TokenTTL),
			token.WithExtension(cfg.TokenExtension),
		)
		opts.Owners = s.ledger
	}
	s.relay = relay.NewCoordinator(relay.NewRegistry(), opts)

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Drain releases every transfer still waiting for its peer with a 503 and
// turns new arrivals away. Streaming relays run to completion.
func (s *Server) Drain() {
	s.relay.Drain()
}

// Ledger returns the token ledger, or nil outside token mode.
func (s *Server) Ledger() *token.Ledger {
	return s.ledger
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Dashboard and status
	s.mux.HandleFunc("GET /{$}", s.handleDashboard)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/transfers", s.handleTransfers)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	// Tokens
	s.mux.HandleFunc("POST /api/token", s.handleIssueToken)

	// Relay
	s.mux.HandleFunc("PUT /{file}", s.handleUpload)
	s.mux.HandleFunc("GET /{file}", s.handleDownload)
	s.mux.HandleFunc("HEAD /{file}", s.handleHeadFile)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "beam",
	})
}

// recordOutcome journals a finished relay. Journal errors are logged only.
func (s *Server) recordOutcome(o relay.Outcome) {
	t := &storage.Transfer{
		ID:         uuid.New().String(),
		FileID:     o.FileID,
		Status:     o.Status(),
		Bytes:      o.Bytes,
		Partial:    o.Partial,
		StartedAt:  o.Started.Unix(),
		FinishedAt: o.Finished.Unix(),
	}
	if o.Err != nil {
		t.Error = o.Err.Error()
	}
	if err := s.db.RecordTransfer(t); err != nil {
		s.log.WithError(err).WithField("file", o.FileID).Error("journal transfer")
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRelayError maps credential and relay errors onto HTTP statuses.
func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, token.ErrUnauthorized):
		if s.cfg.Auth == config.AuthBasic {
			w.Header().Set("WWW-Authenticate", auth.Challenge())
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	case errors.Is(err, relay.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, relay.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, relay.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, relay.ErrTimeout), errors.Is(err, relay.ErrUpstreamRead):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
