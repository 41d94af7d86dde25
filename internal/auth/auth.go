// Package auth checks operator API keys for the dashboard's mutating
// endpoints. Only SHA-256 hashes of keys are configured.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingKey = errors.New("missing operator key")
	ErrInvalidKey = errors.New("invalid operator key")
)

// Operator is the holder of an API key.
type Operator struct {
	KeyHash     string
	Description string
}

// Authenticator validates keys against a fixed set of operators. A nil
// Authenticator has no operators.
type Authenticator struct {
	operators []Operator
}

func NewAuthenticator(operators []Operator) *Authenticator {
	a := &Authenticator{operators: make([]Operator, 0, len(operators))}
	for _, op := range operators {
		op.KeyHash = strings.ToLower(strings.TrimSpace(op.KeyHash))
		a.operators = append(a.operators, op)
	}
	return a
}

// Enabled reports whether any keys are configured. With none, the dashboard
// is open.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.operators) > 0
}

// Authenticate returns the operator holding key. Every configured hash is
// compared in constant time.
func (a *Authenticator) Authenticate(key string) (Operator, error) {
	if key == "" {
		return Operator{}, ErrMissingKey
	}
	sum := []byte(HashAPIKey(key))

	var (
		found Operator
		ok    int
	)
	for _, op := range a.operators {
		if subtle.ConstantTimeCompare(sum, []byte(op.KeyHash)) == 1 {
			found, ok = op, 1
		}
	}
	if ok == 0 {
		return Operator{}, ErrInvalidKey
	}
	return found, nil
}

// KeyFromRequest reads a bearer token, or the X-API-Key header used by the
// dashboard page.
func KeyFromRequest(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("unsupported authorization scheme")
	}
	return strings.TrimSpace(token), nil
}

// HashAPIKey returns the hex SHA-256 of key, as configured in
// server.api_keys.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
