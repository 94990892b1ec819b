package server

import (
	"context"
	"time"
)

const (
	journalPruneInterval = time.Hour
	limiterCleanupEvery  = time.Minute
	limiterIdle          = 10 * time.Minute
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	if s.ledger != nil {
		go s.runTokenSweep(ctx)
	}
	go s.runJournalPrune(ctx)
	go s.runLimiterCleanup(ctx)
}

// --- Token Sweep Worker ---

// runTokenSweep evicts expired tokens every token_sweep interval.
func (s *Server) runTokenSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.TokenSweep):
			if n := s.sweepTokens(); n > 0 {
				s.log.WithField("tokens", n).Info("swept expired tokens")
			}
		}
	}
}

func (s *Server) sweepTokens() int {
	return s.ledger.Sweep(time.Now())
}

// --- Journal Prune Worker ---

// runJournalPrune drops journal rows older than journal_retention (hourly).
func (s *Server) runJournalPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(journalPruneInterval):
			if n := s.pruneJournal(); n > 0 {
				s.log.WithField("transfers", n).Info("pruned transfer journal")
			}
		}
	}
}

// pruneJournal deletes transfers that finished before the retention horizon.
// Returns the number removed.
func (s *Server) pruneJournal() int {
	cutoff := time.Now().Add(-s.cfg.JournalRetention).Unix()
	n, err := s.db.PruneTransfersBefore(cutoff)
	if err != nil {
		s.log.WithError(err).Error("prune transfer journal")
		return 0
	}
	return n
}

// --- Rate Limiter Cleanup Worker ---

// runLimiterCleanup forgets idle client IPs every minute.
func (s *Server) runLimiterCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(limiterCleanupEvery):
			if n := s.limiter.Cleanup(limiterIdle); n > 0 {
				s.log.WithField("clients", n).Debug("forgot idle rate limit entries")
			}
		}
	}
}
