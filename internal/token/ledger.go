// Package token manages expiring capability tokens. A token is issued on
// request, extended on every authenticated use, and evicted by a periodic
// sweep once it has gone unused past its expiry.
package token

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLifetime  = 20 * time.Minute
	DefaultExtension = 5 * time.Minute
	DefaultSweep     = 60 * time.Second
)

// ErrUnauthorized is returned for tokens that are unknown or expired.
var ErrUnauthorized = errors.New("invalid or expired token")

// Token is a snapshot of one ledger entry.
type Token struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ActiveStreams int       `json:"active_streams"`
}

// Ledger is the in-memory set of live tokens. All methods are safe for
// concurrent use and hold the lock only for a single map operation.
type Ledger struct {
	mu        sync.Mutex
	tokens    map[string]*Token
	lifetime  time.Duration
	extension time.Duration
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLifetime sets the lifetime of a freshly issued token.
func WithLifetime(d time.Duration) Option {
	return func(l *Ledger) { l.lifetime = d }
}

// WithExtension sets how far past "now" a validated use pushes expiry.
func WithExtension(d time.Duration) Option {
	return func(l *Ledger) { l.extension = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty Ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		tokens:    make(map[string]*Token),
		lifetime:  DefaultLifetime,
		extension: DefaultExtension,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Issue mints a new token valid for the ledger lifetime.
func (l *Ledger) Issue() Token {
	now := l.now()
	t := &Token{
		ID:        uuid.New().String(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.lifetime),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[t.ID] = t
	return *t
}

// ValidateAndExtend fails with ErrUnauthorized if id is unknown or expired.
// Otherwise it pushes expiry to at least now+extension, in the same critical
// section as the check.
func (l *Ledger) ValidateAndExtend(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	t, ok := l.live(id, now)
	if !ok {
		return ErrUnauthorized
	}
	l.extend(t, now)
	return nil
}

// Touch extends a live token without reporting failure. A token that has
// already expired stays expired.
func (l *Ledger) Touch(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if t, ok := l.live(id, now); ok {
		l.extend(t, now)
	}
}

// AdjustActive adds delta to the token's active stream count. Unknown
// tokens are ignored and the count never drops below zero.
func (l *Ledger) AdjustActive(id string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tokens[id]
	if !ok {
		return
	}
	t.ActiveStreams += delta
	if t.ActiveStreams < 0 {
		t.ActiveStreams = 0
	}
}

// Sweep removes every token whose expiry is at or before now and returns
// how many were removed.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, t := range l.tokens {
		if !t.ExpiresAt.After(now) {
			delete(l.tokens, id)
			n++
		}
	}
	return n
}

// Get returns a copy of a live token.
func (l *Ledger) Get(id string) (Token, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.live(id, l.now())
	if !ok {
		return Token{}, false
	}
	return *t, true
}

// Len returns the number of live tokens.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for _, t := range l.tokens {
		if t.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all live tokens ordered by creation time.
func (l *Ledger) Snapshot() []Token {
	l.mu.Lock()
	now := l.now()
	result := make([]Token, 0, len(l.tokens))
	for _, t := range l.tokens {
		if t.ExpiresAt.After(now) {
			result = append(result, *t)
		}
	}
	l.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// live returns the entry for id if it exists and has not expired at now.
// Callers must hold l.mu.
func (l *Ledger) live(id string, now time.Time) (*Token, bool) {
	t, ok := l.tokens[id]
	if !ok || !t.ExpiresAt.After(now) {
		return nil, false
	}
	return t, true
}

// extend never moves expiry backwards. Callers must hold l.mu.
func (l *Ledger) extend(t *Token, now time.Time) {
	if next := now.Add(l.extension); next.After(t.ExpiresAt) {
		t.ExpiresAt = next
	}
}
