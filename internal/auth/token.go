// Package auth verifies the bearer token that guards the JSON API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrDisabled     = errors.New("api token not configured")
)

// Verifier accepts a single shared token, configured either in plain text or
// as a bcrypt hash. The hash wins when both are set.
type Verifier struct {
	plain []byte
	hash  []byte
}

func NewVerifier(token, tokenHash string) (*Verifier, error) {
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash != "" {
		if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
			return nil, fmt.Errorf("parse api token hash: %w", err)
		}
		return &Verifier{hash: []byte(tokenHash)}, nil
	}
	return &Verifier{plain: []byte(strings.TrimSpace(token))}, nil
}

func (v *Verifier) Enabled() bool {
	return v != nil && (len(v.hash) > 0 || len(v.plain) > 0)
}

func (v *Verifier) Verify(presented string) error {
	if !v.Enabled() {
		return ErrDisabled
	}
	if presented == "" {
		return ErrInvalidToken
	}
	if len(v.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(presented)); err != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(presented), v.plain) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// HashToken produces the value for ROLETRACKER_API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}
