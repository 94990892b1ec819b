// Package auth extracts and verifies the credentials presented on transfer
// requests: HTTP Basic pairs checked against a startup-seeded argon2id hash,
// or bearer capability tokens checked by the token ledger.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ssd-technologies/beam/internal/crypto"
)

// Realm is advertised in WWW-Authenticate challenges.
const Realm = "beam"

var (
	// ErrUnauthorized covers every bad or missing credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInternal means the stored credential state is unusable.
	ErrInternal = errors.New("credential state corrupted")
)

// Challenge is the WWW-Authenticate value sent with basic-auth 401s.
func Challenge() string {
	return fmt.Sprintf("Basic realm=%q", Realm)
}

// ParseBasic extracts the username and password from an
// "Authorization: Basic <base64(user:pass)>" header value.
func ParseBasic(header string) (string, string, error) {
	if header == "" {
		return "", "", fmt.Errorf("%w: missing Authorization header", ErrUnauthorized)
	}
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", fmt.Errorf("%w: expected Basic scheme", ErrUnauthorized)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid base64: %v", ErrUnauthorized, err)
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing ':' separator", ErrUnauthorized)
	}
	return username, password, nil
}

// ParseBearer returns the capability token presented on r, read from an
// "Authorization: Bearer <token>" header or, failing that, the "token" query
// parameter.
func ParseBearer(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", fmt.Errorf("%w: expected Bearer scheme", ErrUnauthorized)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
}

// Verifier checks static credentials. It is immutable after construction
// and safe for concurrent use.
type Verifier struct {
	username     string
	passwordHash string
}

// NewVerifier hashes password once and returns a Verifier for the pair.
// The plaintext is not retained.
func NewVerifier(username, password string) (*Verifier, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash startup password: %w", err)
	}
	return &Verifier{username: username, passwordHash: hash}, nil
}

// Username returns the configured username.
func (v *Verifier) Username() string {
	return v.username
}

// Verify checks a presented username and password. The username must match
// exactly and an empty password is rejected before any hashing.
func (v *Verifier) Verify(username, password string) error {
	if username != v.username {
		return fmt.Errorf("%w: unknown username", ErrUnauthorized)
	}
	if password == "" {
		return fmt.Errorf("%w: empty password", ErrUnauthorized)
	}
	ok, err := crypto.VerifyPassword(password, v.passwordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: wrong password", ErrUnauthorized)
	}
	return nil
}

// VerifyRequest extracts Basic credentials from r and verifies them.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	username, password, err := ParseBasic(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	return v.Verify(username, password)
}
